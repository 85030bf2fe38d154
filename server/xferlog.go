package server

import (
	"fmt"
	"time"
)

// logTransfer writes one xferlog-format line for a completed transfer.
// Format: current-time transfer-time remote-host file-size filename
// transfer-type special-action-flag direction access-mode username
// service-name authentication-method authenticated-user-id
// completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}

	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	tType := "b"
	if s.dataType == "A" {
		tType = "a"
	}

	direction := "o"
	if cmd == "STOR" || cmd == "APPE" {
		direction = "i"
	}

	line := fmt.Sprintf("%s %d %s %d %s %s _ %s r %s ftp 0 * c\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.remoteIP,
		bytes,
		filename,
		tType,
		direction,
		s.user.Name,
	)
	_, _ = s.server.transferLog.Write([]byte(line))
}
