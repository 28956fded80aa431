// Package bytefmt renders byte counts and durations in the compact
// human-readable forms used by the HTTP API and logs.
package bytefmt

import "fmt"

// Bytes renders n with one decimal and a single-letter unit suffix.
// Negative counts render as "0B".
func Bytes(n int64) string {
	if n < 0 {
		return "0B"
	}
	v := float64(n)
	for _, unit := range [...]string{"B", "K", "M", "G", "T"} {
		if v < 1024 {
			return fmt.Sprintf("%.1f%s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.1fP", v)
}

// Duration renders a second count as "2h 5m 3s", dropping leading zero
// components. Zero and negative durations render as the empty string.
func Duration(seconds int64) string {
	if seconds <= 0 {
		return ""
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Uptime renders a second count as a coarse "3d 4h 12m" style string for
// the dashboard summary.
func Uptime(seconds int64) string {
	if seconds <= 0 {
		return "0m"
	}
	d := seconds / 86400
	h := (seconds % 86400) / 3600
	m := (seconds % 3600) / 60
	switch {
	case d > 0:
		return fmt.Sprintf("%dd %dh %dm", d, h, m)
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
