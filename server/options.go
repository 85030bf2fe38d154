package server

import (
	"crypto/tls"
	"io"
	"log/slog"

	"github.com/gonzalop/ftpd/internal/store"
)

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithTLS enables AUTH TLS on the control channel and PROT P data
// channels.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = cfg
		return nil
	}
}

// WithMetricsCollector attaches a metrics sink. All collector methods
// must be non-blocking.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = mc
		return nil
	}
}

// WithConfigPath records the configuration file for SITE RELOAD.
func WithConfigPath(path string) Option {
	return func(s *Server) error {
		s.configPath = path
		return nil
	}
}

// WithTransferLog writes completed transfers in xferlog format to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithPeers sets the replication peers that receive account diffs.
func WithPeers(peers ...store.Peer) Option {
	return func(s *Server) error {
		s.peers = peers
		return nil
	}
}
