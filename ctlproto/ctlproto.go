// Package ctlproto implements the chromabridge control protocol.
//
// Requests and responses are single lines of JSON. The client sends one
// request and the server replies with one response, repeating until either
// side closes the connection.
package ctlproto

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pgaskin/chromabridge/state"
)

const Version = 1

// MaxLine is the maximum length of a request or response line.
const MaxLine = 64 << 10

var ErrInvalid = errors.New("invalid message")

// Op is a request type.
type Op string

const (
	OpGet     Op = "get"     // current config
	OpSet     Op = "set"     // merge Request.Config into the config
	OpRefresh Op = "refresh" // rescan and reload assets
	OpEnable  Op = "enable"  // start the overlay on Request.Monitor
	OpDisable Op = "disable" // stop the overlay on Request.Monitor
	OpList    Op = "list"    // assets and monitors
	OpStatus  Op = "status"  // sessions
	OpFlush   Op = "flush"   // wait for the config to be persisted
)

var ops = []Op{OpGet, OpSet, OpRefresh, OpEnable, OpDisable, OpList, OpStatus, OpFlush}

// Valid returns true if op is known.
func (op Op) Valid() bool {
	return slices.Contains(ops, op)
}

// Request represents a control request.
type Request struct {
	Op      Op
	Monitor int    // enable, disable
	Config  []byte // set, a partial config object in the persisted format
}

func (r Request) MarshalJSON() ([]byte, error) {
	return r.AppendJSON(nil), nil
}

func (r Request) AppendJSON(s []byte) []byte {
	s = append(s, `{"version":`...)
	s = strconv.AppendInt(s, int64(Version), 10)
	s = append(s, `,"op":`...)
	s = state.AppendString(s, string(r.Op))
	if r.Op == OpEnable || r.Op == OpDisable {
		s = append(s, `,"monitor":`...)
		s = strconv.AppendInt(s, int64(r.Monitor), 10)
	}
	if len(r.Config) != 0 {
		s = append(s, `,"config":`...)
		s = append(s, r.Config...)
	}
	s = append(s, '}')
	return s
}

// FromJSON parses b, returning an error if it is not a valid request.
func (r *Request) FromJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("%w: invalid json", ErrInvalid)
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return fmt.Errorf("%w: expected an object", ErrInvalid)
	}
	if v := root.Get("version"); v.Exists() && v.Int() != Version {
		return fmt.Errorf("%w: unsupported version %s", ErrInvalid, v.Raw)
	}

	var req Request
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "op":
			req.Op = Op(value.Str)
		case "monitor":
			req.Monitor = int(value.Int())
		case "config":
			if value.IsObject() {
				req.Config = []byte(value.Raw)
			}
		}
		return true
	})
	if !req.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalid, req.Op)
	}
	if (req.Op == OpEnable || req.Op == OpDisable) && !root.Get("monitor").Exists() {
		return fmt.Errorf("%w: %s requires a monitor", ErrInvalid, req.Op)
	}
	if req.Op == OpSet && req.Config == nil {
		return fmt.Errorf("%w: set requires a config object", ErrInvalid)
	}
	*r = req
	return nil
}

// Patch builds a partial config object for a set request from key=value
// arguments. Values which are JSON numbers, booleans or null are used as-is,
// and anything else is a string.
func Patch(args ...string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: nothing to set", ErrInvalid)
	}
	s := []byte{'{'}
	for i, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%w: expected key=value, got %q", ErrInvalid, arg)
		}
		if !slices.Contains(state.Keys, key) {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
		}
		if i != 0 {
			s = append(s, ',')
		}
		s = state.AppendString(s, key)
		s = append(s, ':')
		switch v := gjson.Parse(value); {
		case !gjson.Valid(value):
			s = state.AppendString(s, value)
		case v.Type == gjson.Number, v.Type == gjson.True, v.Type == gjson.False, v.Type == gjson.Null:
			s = append(s, v.Raw...)
		default:
			s = state.AppendString(s, value)
		}
	}
	s = append(s, '}')
	return s, nil
}

// Monitor describes a display output.
type Monitor struct {
	Index     int
	Name      string
	Primary   bool
	X, Y      int
	Width     int
	Height    int
	RefreshHz float64
}

// Response represents a control response. Fields which are not relevant to
// the request are omitted.
type Response struct {
	Err        string
	Config     *state.Config
	Generation uint64
	Saved      uint64 // generation
	Sessions   []state.Session
	Spectra    []string
	Noise      []string
	Invalid    []string // invalid assets found while refreshing
	Monitors   []Monitor
}

func (r Response) MarshalJSON() ([]byte, error) {
	return r.AppendJSON(nil), nil
}

func (r Response) AppendJSON(s []byte) []byte {
	s = append(s, `{"ok":`...)
	s = strconv.AppendBool(s, r.Err == "")
	if v := r.Err; v != "" {
		s = append(s, `,"error":`...)
		s = state.AppendString(s, v)
	}
	if v := r.Config; v != nil {
		s = append(s, `,"config":`...)
		s = v.AppendJSON(s)
	}
	if v := r.Generation; v != 0 {
		s = append(s, `,"generation":`...)
		s = strconv.AppendUint(s, v, 10)
	}
	if v := r.Saved; v != 0 {
		s = append(s, `,"saved":`...)
		s = strconv.AppendUint(s, v, 10)
	}
	if v := r.Sessions; v != nil {
		s = append(s, `,"sessions":[`...)
		for i, x := range v {
			if i != 0 {
				s = append(s, ',')
			}
			s = appendSession(s, x)
		}
		s = append(s, ']')
	}
	if v := r.Spectra; v != nil {
		s = append(s, `,"spectra":`...)
		s = appendStrings(s, v)
	}
	if v := r.Noise; v != nil {
		s = append(s, `,"noise":`...)
		s = appendStrings(s, v)
	}
	if v := r.Invalid; v != nil {
		s = append(s, `,"invalid":`...)
		s = appendStrings(s, v)
	}
	if v := r.Monitors; v != nil {
		s = append(s, `,"monitors":[`...)
		for i, x := range v {
			if i != 0 {
				s = append(s, ',')
			}
			s = appendMonitor(s, x)
		}
		s = append(s, ']')
	}
	s = append(s, '}')
	return s
}

// FromJSON parses b.
func (r *Response) FromJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("%w: invalid json", ErrInvalid)
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return fmt.Errorf("%w: expected an object", ErrInvalid)
	}

	var (
		resp Response
		err  error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "error":
			resp.Err = value.Str
		case "config":
			var c state.Config
			if err = c.FromJSON([]byte(value.Raw)); err != nil {
				err = fmt.Errorf("%w: config: %w", ErrInvalid, err)
				return false
			}
			resp.Config = &c
		case "generation":
			resp.Generation = value.Uint()
		case "saved":
			resp.Saved = value.Uint()
		case "sessions":
			resp.Sessions = []state.Session{}
			value.ForEach(func(_, value gjson.Result) bool {
				resp.Sessions = append(resp.Sessions, parseSession(value))
				return true
			})
		case "spectra":
			resp.Spectra = parseStrings(value)
		case "noise":
			resp.Noise = parseStrings(value)
		case "invalid":
			resp.Invalid = parseStrings(value)
		case "monitors":
			resp.Monitors = []Monitor{}
			value.ForEach(func(_, value gjson.Result) bool {
				resp.Monitors = append(resp.Monitors, parseMonitor(value))
				return true
			})
		}
		return true
	})
	if err != nil {
		return err
	}
	if resp.Err == "" && !root.Get("ok").Bool() {
		resp.Err = "unknown error"
	}
	*r = resp
	return nil
}

func appendSession(s []byte, x state.Session) []byte {
	s = append(s, `{"monitor":`...)
	s = strconv.AppendInt(s, int64(x.Monitor), 10)
	s = append(s, `,"state":`...)
	s = state.AppendString(s, x.State)
	if v := x.Err; v != "" {
		s = append(s, `,"error":`...)
		s = state.AppendString(s, v)
	}
	s = append(s, `,"fps":`...)
	s = strconv.AppendFloat(s, x.Stats.FPS, 'f', 2, 64)
	s = append(s, `,"render_ms":`...)
	s = strconv.AppendFloat(s, x.Stats.RenderMS, 'f', 3, 64)
	s = append(s, `,"frame_ms":`...)
	s = strconv.AppendFloat(s, x.Stats.FrameMS, 'f', 3, 64)
	s = append(s, `,"frames":`...)
	s = strconv.AppendUint(s, x.Stats.Frames, 10)
	s = append(s, '}')
	return s
}

func parseSession(v gjson.Result) state.Session {
	var x state.Session
	v.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "monitor":
			x.Monitor = int(value.Int())
		case "state":
			x.State = value.Str
		case "error":
			x.Err = value.Str
		case "fps":
			x.Stats.FPS = value.Float()
		case "render_ms":
			x.Stats.RenderMS = value.Float()
		case "frame_ms":
			x.Stats.FrameMS = value.Float()
		case "frames":
			x.Stats.Frames = value.Uint()
		}
		return true
	})
	return x
}

func appendMonitor(s []byte, x Monitor) []byte {
	s = append(s, `{"index":`...)
	s = strconv.AppendInt(s, int64(x.Index), 10)
	s = append(s, `,"name":`...)
	s = state.AppendString(s, x.Name)
	if x.Primary {
		s = append(s, `,"primary":true`...)
	}
	s = append(s, `,"x":`...)
	s = strconv.AppendInt(s, int64(x.X), 10)
	s = append(s, `,"y":`...)
	s = strconv.AppendInt(s, int64(x.Y), 10)
	s = append(s, `,"width":`...)
	s = strconv.AppendInt(s, int64(x.Width), 10)
	s = append(s, `,"height":`...)
	s = strconv.AppendInt(s, int64(x.Height), 10)
	if v := x.RefreshHz; v != 0 {
		s = append(s, `,"refresh_hz":`...)
		s = strconv.AppendFloat(s, v, 'f', -1, 64)
	}
	s = append(s, '}')
	return s
}

func parseMonitor(v gjson.Result) Monitor {
	var x Monitor
	v.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "index":
			x.Index = int(value.Int())
		case "name":
			x.Name = value.Str
		case "primary":
			x.Primary = value.Bool()
		case "x":
			x.X = int(value.Int())
		case "y":
			x.Y = int(value.Int())
		case "width":
			x.Width = int(value.Int())
		case "height":
			x.Height = int(value.Int())
		case "refresh_hz":
			x.RefreshHz = value.Float()
		}
		return true
	})
	return x
}

func appendStrings(s []byte, v []string) []byte {
	s = append(s, '[')
	for i, x := range v {
		if i != 0 {
			s = append(s, ',')
		}
		s = state.AppendString(s, x)
	}
	s = append(s, ']')
	return s
}

func parseStrings(v gjson.Result) []string {
	x := []string{}
	v.ForEach(func(_, value gjson.Result) bool {
		x = append(x, value.Str)
		return true
	})
	return x
}
