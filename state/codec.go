package state

import (
	"errors"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"
)

// Keys are the fields of the persisted representation.
var Keys = []string{
	"last_monitor",
	"spectrum_name",
	"noise_texture",
	"strength",
	"overlay_enabled",
	"last_overlay_enabled",
	"start_overlay_on_launch",
	"vsync_enabled",
	"target_fps",
	"debug_overlay",
	"log_level",
}

func (c Config) MarshalJSON() ([]byte, error) {
	return c.AppendJSON(nil), nil
}

// AppendJSON appends the persisted representation of c.
func (c Config) AppendJSON(s []byte) []byte {
	s = append(s, `{"last_monitor":`...)
	s = strconv.AppendInt(s, int64(c.Monitor), 10)
	s = append(s, `,"spectrum_name":`...)
	s = AppendString(s, c.Spectrum)
	s = append(s, `,"noise_texture":`...)
	s = AppendString(s, c.Noise)
	s = append(s, `,"strength":`...)
	s = strconv.AppendFloat(s, c.Strength, 'f', -1, 64)
	s = append(s, `,"overlay_enabled":`...)
	s = strconv.AppendBool(s, c.Enabled)
	s = append(s, `,"last_overlay_enabled":`...)
	s = strconv.AppendBool(s, c.LastEnabled)
	s = append(s, `,"start_overlay_on_launch":`...)
	s = strconv.AppendBool(s, c.StartOnLaunch)
	s = append(s, `,"vsync_enabled":`...)
	s = strconv.AppendBool(s, c.VSync)
	if v := c.TargetFPS; v != 0 {
		s = append(s, `,"target_fps":`...)
		s = strconv.AppendInt(s, int64(v), 10)
	}
	s = append(s, `,"debug_overlay":`...)
	s = strconv.AppendBool(s, c.DebugOverlay)
	if v := c.LogLevel; v != "" {
		s = append(s, `,"log_level":`...)
		s = AppendString(s, v)
	}
	s = append(s, '}')
	return s
}

// FromJSON overwrites the fields present in b. Unknown fields are ignored,
// and fields of the wrong type are left as-is.
func (c *Config) FromJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return errors.New("invalid json")
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return errors.New("expected an object")
	}
	x := *c
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "last_monitor":
			if value.Type == gjson.Number {
				x.Monitor = int(value.Int())
			}
		case "spectrum_name", "colorblind_type":
			if value.Type == gjson.String {
				x.Spectrum = value.Str
			} else if value.Type == gjson.Null {
				x.Spectrum = ""
			}
		case "noise_texture":
			if value.Type == gjson.String {
				x.Noise = value.Str
			} else if value.Type == gjson.Null {
				x.Noise = ""
			}
		case "strength":
			if value.Type == gjson.Number {
				x.Strength = value.Float()
			}
		case "overlay_enabled":
			if value.IsBool() {
				x.Enabled = value.Bool()
			}
		case "last_overlay_enabled":
			if value.IsBool() {
				x.LastEnabled = value.Bool()
			}
		case "start_overlay_on_launch":
			if value.IsBool() {
				x.StartOnLaunch = value.Bool()
			}
		case "vsync_enabled":
			if value.IsBool() {
				x.VSync = value.Bool()
			}
		case "target_fps":
			if value.Type == gjson.Number {
				x.TargetFPS = int(value.Int())
			} else if value.Type == gjson.Null {
				x.TargetFPS = 0
			}
		case "debug_overlay":
			if value.IsBool() {
				x.DebugOverlay = value.Bool()
			}
		case "log_level":
			if value.Type == gjson.String {
				x.LogLevel = value.Str
			}
		}
		return true
	})
	*c = x
	return nil
}

// AppendString appends s as a JSON string.
func AppendString[T ~[]byte | ~string](b []byte, s T) []byte {
	b = slices.Grow(b, len(s)+2)
	b = append(b, '"')
	x := 0 // note: this won't break utf-8 since we only check for < 0x20
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == '\\' || c == '"' {
			b = append(b, s[x:i]...)
			switch c {
			case '\\', '"':
				b = append(b, '\\', c)
			case '\n':
				b = append(b, '\\', 'n')
			case '\r':
				b = append(b, '\\', 'r')
			case '\t':
				b = append(b, '\\', 't')
			default:
				b = append(b, '\\', 'u', '0', '0', "0123456789abcdef"[c>>4], "0123456789abcdef"[c&0xF])
			}
			x = i + 1
		}
	}
	b = append(b, s[x:]...)
	b = append(b, '"')
	return b
}
