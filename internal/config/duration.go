package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Duration is a time.Duration that also accepts days and weeks.
//
// Examples:
//   - "7d" = 7 days
//   - "2w" = 2 weeks
//   - "1w2d12h" = 1 week, 2 days, 12 hours
//   - "90s", "10ms", "10us" (standard Go format still works)
//
// It implements encoding.TextUnmarshaler for Viper/YAML support and
// json.Unmarshaler for JSON request bodies.
type Duration time.Duration

// extendedUnitPattern matches day and week components, with optional
// whitespace between the number and the unit.
var extendedUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// ParseDuration parses a human-readable duration string.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}
	negative := false
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		negative = true
		s = strings.TrimSpace(rest)
	}

	var hours int64
	remaining := extendedUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := extendedUnitPattern.FindStringSubmatch(match)
		n, _ := strconv.ParseInt(m[1], 10, 64)
		if strings.HasPrefix(strings.ToLower(m[2]), "w") {
			n *= 7
		}
		hours += n * 24
		return ""
	})
	remaining = strings.Join(strings.Fields(remaining), "")

	var std string
	if hours > 0 {
		std = fmt.Sprintf("%dh", hours)
	}
	std += remaining
	if std == "" {
		std = "0s"
	}
	d, err := time.ParseDuration(std)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	if negative {
		d = -d
	}
	return Duration(d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// A bare number is nanoseconds.
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalYAML renders the duration in its human-readable form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String uses weeks and days where they fit, then the standard format.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur == 0 {
		return "0s"
	}
	negative := dur < 0
	if negative {
		dur = -dur
	}

	weeks := dur / week
	dur -= weeks * week
	days := dur / day
	dur -= days * day

	var out string
	if weeks > 0 {
		out += fmt.Sprintf("%dw", weeks)
	}
	if days > 0 {
		out += fmt.Sprintf("%dd", days)
	}
	if dur > 0 {
		out += dur.String()
	}
	if negative {
		out = "-" + out
	}
	return out
}
