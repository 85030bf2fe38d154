package server

import "time"

// MetricsCollector is an optional sink for server metrics. All methods
// are called from session goroutines and must be non-blocking; slow
// backends should dispatch asynchronously. The server checks for nil
// before calling, so implementations need not handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records one command execution.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer ("STOR"/"RETR").
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a control connection attempt.
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)
}
