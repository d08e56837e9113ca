// Package duration provides human-readable duration parsing.
// It extends Go's standard time.ParseDuration with support for days
// and weeks, which configuration values like retention windows need.
//
// Examples:
//   - "30d"    = 30 days
//   - "2w"     = 2 weeks
//   - "1w2d"   = 9 days
//   - "720h"   = 720 hours (standard Go format)
package duration

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// extendedUnit matches a number followed by a day or week unit.
var extendedUnit = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([dw])`)

// Parse parses a duration string, accepting the standard Go format plus
// 'd' (days) and 'w' (weeks) units.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Rewrite day/week units into hours so time.ParseDuration can
	// handle the whole string.
	normalized := extendedUnit.ReplaceAllStringFunc(s, func(match string) string {
		parts := extendedUnit.FindStringSubmatch(match)
		value := parts[1]
		switch parts[2] {
		case "d":
			return rewriteHours(value, 24)
		case "w":
			return rewriteHours(value, 24*7)
		}
		return match
	})

	d, err := time.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	return d, nil
}

// rewriteHours converts a numeric value with an hour multiplier into a
// standard "<n>h" fragment. Fractional values are preserved.
func rewriteHours(value string, multiplier float64) string {
	var f float64
	if _, err := fmt.Sscanf(value, "%f", &f); err != nil {
		return value + "h"
	}
	return fmt.Sprintf("%gh", f*multiplier)
}

// Format renders a duration using the largest sensible units, preferring
// weeks and days over large hour counts.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var sb strings.Builder
	if weeks := d / Week; weeks > 0 {
		fmt.Fprintf(&sb, "%dw", weeks)
		d -= weeks * Week
	}
	if days := d / Day; days > 0 {
		fmt.Fprintf(&sb, "%dd", days)
		d -= days * Day
	}
	if d > 0 {
		sb.WriteString(d.String())
	}

	out := sb.String()
	if out == "" {
		out = "0s"
	}
	if negative {
		out = "-" + out
	}
	return out
}
