package models

import (
	"fmt"
	"strconv"
	"time"
)

// ParseFrequency parses a full-backup frequency of the form <int>[DWM],
// e.g. 3D (three days), 2W (two weeks), 1M (one month).
func ParseFrequency(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("frequency %q: want <int>[DWM]", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("frequency %q: want a positive count", s)
	}

	day := 24 * time.Hour
	switch s[len(s)-1] {
	case 'D':
		return time.Duration(n) * day, nil
	case 'W':
		return time.Duration(n) * 7 * day, nil
	case 'M':
		return time.Duration(n) * 30 * day, nil
	}
	return 0, fmt.Errorf("frequency %q: unit must be D, W or M", s)
}
