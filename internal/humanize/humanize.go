// Package humanize formats byte counts, speeds, and durations for the CLI,
// wrapping github.com/dustin/go-humanize instead of the teacher's
// hand-rolled internal/utils/size_converter.go so these conversions stay
// aligned with the ecosystem's conventions (binary vs. decimal prefixes,
// pluralization) instead of reimplementing them.
package humanize

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes renders a byte count as "1.2 MB" style text.
func Bytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}

// Speed renders a bytes-per-second figure as "1.2 MB/s".
func Speed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}

// ETA renders a duration as a short human string, or "-" when unknown.
func ETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}

// Percent renders a 0-100 float as "42.3%".
func Percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
