// Package stats holds the transfer-speed arithmetic and the formatting
// helpers used in replies and log lines. One wall-clock type (time.Time)
// and one duration type (time.Duration) are used throughout; conversion
// to protocol strings happens only here.
package stats

import (
	"fmt"
	"time"
)

// CalculateSpeed returns bytes/second for a transfer, treating very short
// durations as one millisecond so replies never divide by zero.
func CalculateSpeed(bytes int64, d time.Duration) float64 {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return float64(bytes) / d.Seconds()
}

// AutoUnitSpeedString renders a speed in kBytes/sec with an auto-scaled
// unit, matching the style of transfer replies ("Transfer finished @ ...").
func AutoUnitSpeedString(kBytesPerSec float64) string {
	switch {
	case kBytesPerSec >= 1024*1024:
		return fmt.Sprintf("%.2fGB/s", kBytesPerSec/(1024*1024))
	case kBytesPerSec >= 1024:
		return fmt.Sprintf("%.2fMB/s", kBytesPerSec/1024)
	default:
		return fmt.Sprintf("%.2fKB/s", kBytesPerSec)
	}
}

// FormatDuration humanizes a duration for dupe messages and idle
// displays: "3d 4h", "2h 10m", "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int64(d.Hours()) / 24
	hours := int64(d.Hours()) % 24
	mins := int64(d.Minutes()) % 60
	secs := int64(d.Seconds()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
