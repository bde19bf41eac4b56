package ics

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ParseDuration parses an RFC 5545 DURATION value such as "PT1H30M",
// "P2D", "P1W" or "-PT15M". golang-ical exposes the property but leaves
// decoding the value to the caller.
func ParseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("empty duration value")
	}

	s := v
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if len(s) == 0 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var dur time.Duration
	inTime := false
	num := ""
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num += string(c)
			continue
		}
		if c == 'T' {
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		num = ""
		switch {
		case c == 'W' && !inTime:
			dur += time.Duration(n) * 7 * 24 * time.Hour
		case c == 'D' && !inTime:
			dur += time.Duration(n) * 24 * time.Hour
		case c == 'H' && inTime:
			dur += time.Duration(n) * time.Hour
		case c == 'M' && inTime:
			dur += time.Duration(n) * time.Minute
		case c == 'S' && inTime:
			dur += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration designator %q in %q", string(c), v)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if neg {
		dur = -dur
	}
	return dur, nil
}
