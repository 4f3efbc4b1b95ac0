package ctlproto

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pgaskin/chromabridge/state"
)

func TestRequest(t *testing.T) {
	for _, tc := range []struct {
		req Request
		exp string
	}{
		{Request{Op: OpGet}, `{"version":1,"op":"get"}`},
		{Request{Op: OpEnable, Monitor: 0}, `{"version":1,"op":"enable","monitor":0}`},
		{Request{Op: OpDisable, Monitor: 2}, `{"version":1,"op":"disable","monitor":2}`},
		{Request{Op: OpSet, Config: []byte(`{"strength":0.5}`)}, `{"version":1,"op":"set","config":{"strength":0.5}}`},
	} {
		if act := string(tc.req.AppendJSON(nil)); act != tc.exp {
			t.Errorf("expected %s, got %s", tc.exp, act)
			continue
		}
		var req Request
		if err := req.FromJSON([]byte(tc.exp)); err != nil {
			t.Errorf("parse %s: %v", tc.exp, err)
		} else if !reflect.DeepEqual(req, tc.req) {
			t.Errorf("parse %s: expected %+v, got %+v", tc.exp, tc.req, req)
		}
	}
}

func TestRequestInvalid(t *testing.T) {
	for _, b := range []string{
		``,
		`[]`,
		`{"op":"reboot"}`,
		`{"version":2,"op":"get"}`,
		`{"op":"enable"}`,
		`{"op":"set"}`,
		`{"op":"set","config":"strength=1"}`,
	} {
		var req Request
		if err := req.FromJSON([]byte(b)); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", b, err)
		}
	}
}

func TestResponse(t *testing.T) {
	cfg := state.DefaultConfig()
	cfg.Spectrum = "deutan \"strong\""
	cfg.TargetFPS = 30

	resp := Response{
		Config:     &cfg,
		Generation: 4,
		Saved:      3,
		Sessions: []state.Session{
			{Monitor: 0, State: "running", Stats: state.Stats{FPS: 59.94, RenderMS: 1.25, FrameMS: 2.5, Frames: 1000}},
			{Monitor: 1, State: "faulted", Err: "gpu device lost"},
		},
		Spectra:  []string{"deutan", "protan"},
		Noise:    []string{},
		Monitors: []Monitor{{Index: 0, Name: "DP-1", Primary: true, Width: 2560, Height: 1440, RefreshHz: 143.97}},
	}

	var act Response
	if err := act.FromJSON(resp.AppendJSON(nil)); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(act, resp) {
		t.Errorf("expected %+v, got %+v", resp, act)
	}
}

func TestResponseError(t *testing.T) {
	b := Response{Err: "no such monitor"}.AppendJSON(nil)
	if exp := `{"ok":false,"error":"no such monitor"}`; string(b) != exp {
		t.Errorf("expected %s, got %s", exp, b)
	}

	var resp Response
	if err := resp.FromJSON([]byte(`{"ok":false}`)); err != nil || resp.Err == "" {
		t.Errorf("expected an error message for a failed response, got %q (err: %v)", resp.Err, err)
	}
	if err := resp.FromJSON([]byte(`{"ok":true}`)); err != nil || resp.Err != "" {
		t.Errorf("expected success, got %q (err: %v)", resp.Err, err)
	}
}

func TestPatch(t *testing.T) {
	for _, tc := range []struct {
		args []string
		exp  string
	}{
		{[]string{"strength=0.5"}, `{"strength":0.5}`},
		{[]string{"spectrum_name=deutan", "overlay_enabled=true"}, `{"spectrum_name":"deutan","overlay_enabled":true}`},
		{[]string{"noise_texture=null", "target_fps=0"}, `{"noise_texture":null,"target_fps":0}`},
		{[]string{"spectrum_name=", "log_level=debug"}, `{"spectrum_name":"","log_level":"debug"}`},
		{[]string{`spectrum_name="quoted"`}, `{"spectrum_name":"\"quoted\""}`},
		{[]string{"spectrum_name=a=b"}, `{"spectrum_name":"a=b"}`},
	} {
		b, err := Patch(tc.args...)
		if err != nil {
			t.Errorf("%q: %v", tc.args, err)
		} else if string(b) != tc.exp {
			t.Errorf("%q: expected %s, got %s", tc.args, tc.exp, b)
		}
	}
	for _, args := range [][]string{
		nil,
		{"strength"},
		{"colour=red"},
	} {
		if _, err := Patch(args...); !errors.Is(err, ErrInvalid) {
			t.Errorf("%q: expected ErrInvalid, got %v", args, err)
		}
	}
}
