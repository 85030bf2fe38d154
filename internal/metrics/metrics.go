// Package metrics provides a Prometheus-backed implementation of the
// server's MetricsCollector interface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports command, transfer, connection and authentication
// metrics. It satisfies server.MetricsCollector.
type Collector struct {
	commands    *prometheus.CounterVec
	commandTime *prometheus.HistogramVec
	transferred *prometheus.CounterVec
	connections *prometheus.CounterVec
	authAttempt *prometheus.CounterVec
}

// New registers the collectors on reg (use prometheus.DefaultRegisterer
// for the default registry).
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_commands_total",
			Help: "FTP commands processed, by verb and outcome.",
		}, []string{"cmd", "outcome"}),
		commandTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpd_command_duration_seconds",
			Help:    "Command handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cmd"}),
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_transfer_bytes_total",
			Help: "Bytes moved over data connections, by direction.",
		}, []string{"operation"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_connections_total",
			Help: "Control connection attempts, by outcome reason.",
		}, []string{"reason"}),
		authAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_auth_attempts_total",
			Help: "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.commands, c.commandTime, c.transferred, c.connections, c.authAttempt)
	return c
}

func outcome(success bool) string {
	if success {
		return "ok"
	}
	return "fail"
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commands.WithLabelValues(cmd, outcome(success)).Inc()
	c.commandTime.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transferred.WithLabelValues(operation).Add(float64(bytes))
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connections.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAuthentication(success bool, user string) {
	c.authAttempt.WithLabelValues(outcome(success)).Inc()
}
