package server

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// hookTimeout bounds pre/post transfer hook execution.
const hookTimeout = 30 * time.Second

// runPreHook executes the configured pre-transfer script with the user
// name and virtual path. A non-zero exit rejects the transfer. An
// unconfigured hook accepts.
func (s *session) runPreHook(vpath string) bool {
	cmdline := s.server.cfg.Get().PreHook
	if cmdline == "" {
		return true
	}
	return s.runHook(cmdline, s.user.Name, vpath)
}

// runPostHook executes the configured post-transfer script with the
// virtual path, CRC hex string, speed, and section name. A non-zero exit
// suppresses stats and credit posting.
func (s *session) runPostHook(vpath, crcHex string, speedKBps float64, section string) bool {
	cmdline := s.server.cfg.Get().PostHook
	if cmdline == "" {
		return true
	}
	return s.runHook(cmdline, vpath, crcHex, fmt.Sprintf("%.0f", speedKBps), section)
}

func (s *session) runHook(cmdline string, args ...string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, cmdline, args...)
	if err := cmd.Run(); err != nil {
		s.server.logger.Debug("hook rejected transfer",
			"session_id", s.sessionID,
			"hook", cmdline,
			"error", err,
		)
		return false
	}
	return true
}
