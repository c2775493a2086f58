package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts either a Go duration string ("30s", "5m") or a plain
// number of seconds.
type Duration struct {
	time.Duration
}

// ParseDuration parses a duration string or a number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Duration) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("duration: unexpected %T", v)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("duration: unexpected %T", v)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
