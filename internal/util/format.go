package util //nolint:revive // package name util hosts shared formatting helpers used by the admin CLI

import "time"

// FormatDuration truncates d to milliseconds for display. Zero or negative
// durations render as "-".
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	default:
		return d.Truncate(time.Millisecond).String()
	}
}

// FormatProcessingTime renders a job's recorded processing time in milliseconds.
func FormatProcessingTime(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return FormatDuration(time.Duration(*ms) * time.Millisecond)
}
