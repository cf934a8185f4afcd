// Package humanfmt formats and parses human-readable byte sizes, durations,
// throughput and counts for log output and CLI flags.
package humanfmt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Binary (IEC) units for bytes.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

var iecUnits = []struct {
	size float64
	name string
}{
	{TiB, "TiB"},
	{GiB, "GiB"},
	{MiB, "MiB"},
	{KiB, "KiB"},
}

// scale renders v with the largest IEC unit not exceeding it.
// ok is false when v is below one KiB.
func scale(v float64, suffix string) (string, bool) {
	for _, u := range iecUnits {
		if v >= u.size {
			return fmt.Sprintf("%.2f %s%s", v/u.size, u.name, suffix), true
		}
	}
	return "", false
}

// Bytes formats a byte count using IEC binary units, e.g. "1.23 GiB".
func Bytes(b int64) string {
	if s, ok := scale(float64(b), ""); ok && b > 0 {
		return s
	}
	return fmt.Sprintf("%d B", b)
}

// Duration formats d compactly.
// Examples: "1.23s", "45.6ms", "789µs", "1m30s", "2h15m".
func Duration(d time.Duration) string {
	if d < 0 {
		return d.String()
	}

	switch {
	case d >= time.Hour:
		h := d / time.Hour
		if m := (d % time.Hour) / time.Minute; m != 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	case d >= time.Minute:
		m := d / time.Minute
		if s := (d % time.Minute) / time.Second; s != 0 {
			return fmt.Sprintf("%dm%ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

// Throughput formats bytes per duration, e.g. "123.40 MiB/s".
func Throughput(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	bps := float64(bytes) / d.Seconds()
	if s, ok := scale(bps, "/s"); ok {
		return s
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// Count formats n with a K/M/B suffix, e.g. "1.23M".
func Count(n int64) string {
	const (
		thousand = 1000
		million  = 1000 * thousand
		billion  = 1000 * million
	)

	switch {
	case n >= billion:
		return fmt.Sprintf("%.2fB", float64(n)/billion)
	case n >= million:
		return fmt.Sprintf("%.2fM", float64(n)/million)
	case n >= thousand:
		return fmt.Sprintf("%.2fK", float64(n)/thousand)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// ParseSize parses a size such as "512MB", "1GiB" or "2G".
// Supported suffixes: B, KB, KiB, K, MB, MiB, M, GB, GiB, G, TB, TiB, T.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}

	numEnd := len(s)
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			numEnd = i
			break
		}
	}

	num, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number: %q", s[:numEnd])
	}

	var multiplier float64
	switch strings.TrimSpace(s[numEnd:]) {
	case "", "B":
		multiplier = 1
	case "KB":
		multiplier = 1e3
	case "KiB", "K":
		multiplier = KiB
	case "MB":
		multiplier = 1e6
	case "MiB", "M":
		multiplier = MiB
	case "GB":
		multiplier = 1e9
	case "GiB", "G":
		multiplier = GiB
	case "TB":
		multiplier = 1e12
	case "TiB", "T":
		multiplier = TiB
	default:
		return 0, fmt.Errorf("unknown size suffix: %q", s[numEnd:])
	}

	return uint64(num * multiplier), nil
}
