package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/internal/acl"
)

// maxCommandLength bounds one control-channel command line.
const maxCommandLength = 4096

// passFailLimit closes the connection after this many bad passwords.
const passFailLimit = 3

// sessionPhase is the protocol state machine position.
type sessionPhase int32

const (
	phaseAccepting sessionPhase = iota
	phaseGreetSent
	phaseAwaitingUser
	phaseAwaitingPass
	phaseLoggedIn
	phaseFinished
)

// session drives one control connection. It owns the control channel, at
// most one data channel, and the authenticated user snapshot. Blocking
// I/O unblocks through interrupt, which closes the data connection and
// expires the control connection's read deadline.
type session struct {
	server *Server

	mu     sync.Mutex // guards conn/reader/writer swaps and writes
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	sessionID string
	remoteIP  string

	phaseVal    atomic.Int32
	interrupted atomic.Bool
	done        chan struct{}

	userUpdated atomic.Bool
	user        acl.UserSnapshot
	pendingUser string
	passFails   int

	cwd           string
	renameFrom    string
	restartOffset int64
	dataType      string // "I" binary, "A" ascii
	prot          string // "C" clear, "P" private

	data dataChannel

	lastRecv atomic.Int64 // unix nanos of last command byte

	cmdMu   sync.Mutex
	curCmd  string
}

func newSession(server *Server, conn net.Conn) *session {
	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	s := &session{
		server:    server,
		conn:      conn,
		reader:    bufio.NewReader(newTelnetReader(conn)),
		writer:    bufio.NewWriter(conn),
		sessionID: uuid.NewString()[:8],
		remoteIP:  remoteIP,
		done:      make(chan struct{}),
		cwd:       "/",
		dataType:  "I",
		prot:      "C",
	}
	if _, ok := conn.(*tls.Conn); ok {
		s.prot = "P"
	}
	s.phaseVal.Store(int32(phaseAccepting))
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func (s *session) phase() sessionPhase { return sessionPhase(s.phaseVal.Load()) }

func (s *session) setPhase(p sessionPhase) { s.phaseVal.Store(int32(p)) }

// interrupt requests cooperative cancellation. The data connection is
// closed outright; the control connection only has its read deadline
// expired, so the session can still send its closing reply.
func (s *session) interrupt() {
	if s.interrupted.Swap(true) {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.data.close()
}

// idleFor reports time since the last command byte arrived.
func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

func (s *session) currentCommand() string {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.curCmd
}

func (s *session) setCurrentCommand(cmd string) {
	s.cmdMu.Lock()
	s.curCmd = cmd
	s.cmdMu.Unlock()
}

// idleTimeout returns the per-profile idle limit, falling back to the
// configured default.
func (s *session) idleTimeout() time.Duration {
	if s.phase() == phaseLoggedIn && s.user.IdleTime > 0 {
		return time.Duration(s.user.IdleTime) * time.Second
	}
	return time.Duration(s.server.cfg.Get().IdleTimeout) * time.Second
}

// serve is the session worker: greet, then read and dispatch commands
// until QUIT, interrupt, idle timeout, or a control-channel failure.
func (s *session) serve() {
	defer close(s.done)
	defer s.close()

	s.setPhase(phaseGreetSent)
	s.reply(codeGreeting, s.server.cfg.Get().ServerName+" ready.")
	s.setPhase(phaseAwaitingUser)

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	for {
		if s.interrupted.Load() {
			s.reply(codeClosing, "Service closing control connection.")
			return
		}

		if t := s.idleTimeout(); t > 0 {
			s.mu.Lock()
			_ = s.conn.SetReadDeadline(time.Now().Add(t))
			s.mu.Unlock()
		}

		line, err := s.readCommand()
		if err != nil {
			if s.interrupted.Load() {
				s.reply(codeClosing, "Service closing control connection.")
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.reply(codeServiceUnavailable, "Idle timeout, closing control connection.")
				return
			}
			if err.Error() == "command too long" {
				s.reply(codeCommandUnrecognised, "Command line too long.")
			}
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		s.handleCommand(line)

		if s.phase() == phaseFinished {
			return
		}
	}
}

// readCommand reads one CRLF-terminated line, limited to
// maxCommandLength bytes.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if len(line) >= maxCommandLength {
			return "", fmt.Errorf("command too long")
		}
		if b == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		line = append(line, b)
	}
}

func (s *session) close() {
	s.setPhase(phaseFinished)
	s.data.close()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user.Name,
	)
}

// reply sends a single-line response.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// partReply sends one continuation line of a multi-line response. The
// caller finishes with reply using the same code.
func (s *session) partReply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, message)
	s.writer.Flush()
}

// multiReply sends lines as NNN- continuations with a final NNN space
// terminator.
func (s *session) multiReply(code int, lines ...string) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range lines {
		if i == len(lines)-1 {
			fmt.Fprintf(s.writer, "%d %s\r\n", code, l)
		} else {
			fmt.Fprintf(s.writer, "%d-%s\r\n", code, l)
		}
	}
	s.writer.Flush()
}

// refreshUser reloads the profile snapshot after an admin mutation
// flagged this session through a UserUpdate task.
func (s *session) refreshUser() {
	if !s.userUpdated.Swap(false) {
		return
	}
	if snap, err := s.server.users.UserByID(s.user.ID); err == nil {
		s.user = snap
	}
}

// identAddr formats the connecting peer for IP-mask evaluation. Ident
// lookups are not performed; the ident component is a wildcard.
func (s *session) identAddr() string {
	return "*@" + s.remoteIP
}

// handleCommand parses one line and dispatches the verb.
func (s *session) handleCommand(line string) {
	if line == "" {
		return
	}
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)
	s.setCurrentCommand(verb)

	logArg := arg
	if verb == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user.Name,
		"cmd", verb,
		"arg", logArg,
	)

	start := time.Now()
	ok := s.dispatch(verb, arg)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(verb, ok, time.Since(start))
	}
}

func (s *session) dispatch(verb, arg string) bool {
	switch verb {
	case "USER":
		return s.handleUSER(arg)
	case "PASS":
		return s.handlePASS(arg)
	case "QUIT":
		s.reply(codeClosing, "Goodbye.")
		s.setPhase(phaseFinished)
		return true
	case "NOOP":
		s.reply(codeCommandOkayInfo, "OK.")
		return true
	}

	if s.phase() == phaseLoggedIn {
		s.refreshUser()
	}

	handler, ok := commandHandlers[verb]
	if !ok {
		s.reply(codeCommandUnrecognised, "Command not understood.")
		return false
	}
	if handler.needsLogin && s.phase() != phaseLoggedIn {
		s.reply(codeNotLoggedIn, "Please login with USER and PASS.")
		return false
	}
	return handler.fn(s, arg)
}

func (s *session) handleUSER(arg string) bool {
	if s.phase() == phaseLoggedIn {
		s.reply(codeBadCommandSequence, "Already logged in.")
		return false
	}
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: USER <name>.")
		return false
	}
	s.pendingUser = arg
	s.setPhase(phaseAwaitingPass)
	s.reply(codeNeedPassword, "Password required for "+arg+".")
	return true
}

func (s *session) handlePASS(arg string) bool {
	if s.phase() != phaseAwaitingPass {
		s.reply(codeBadCommandSequence, "Login with USER first.")
		return false
	}

	name := s.pendingUser
	s.pendingUser = ""
	// A trailing "!" on the username asks for a ghost login to be kicked
	// if the login cap would otherwise refuse us.
	killGhost := strings.HasSuffix(name, "!")
	name = strings.TrimSuffix(name, "!")
	fail := func(msg string) bool {
		s.setPhase(phaseAwaitingUser)
		s.passFails++
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, name)
		}
		s.server.logger.Warn("login_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", name,
			"reason", msg,
		)
		s.reply(codeNotLoggedIn, msg)
		if s.passFails >= passFailLimit {
			s.setPhase(phaseFinished)
		}
		return false
	}

	users := s.server.users
	snap, err := users.User(name)
	if err != nil || snap.Deleted {
		return fail("Login incorrect.")
	}
	if !users.VerifyPassword(name, arg) {
		return fail("Login incorrect.")
	}
	if !users.IdentIPAllowed(snap.ID, s.identAddr()) {
		return fail("Login not allowed from your address.")
	}
	if snap.Expired(time.Now()) {
		return fail("Account has expired.")
	}
	if snap.NumLogins != -1 && s.server.countLogins(snap.ID) >= snap.NumLogins {
		kicked := false
		if killGhost {
			t := newLoginKickTask(snap.ID)
			s.server.pushTask(t)
			r := <-t.result
			kicked = r.kicked
			if kicked {
				s.server.logger.Info("ghost_login_kicked",
					"session_id", s.sessionID,
					"user", name,
					"ghost_idle", r.idle.String(),
					"logins", r.logins,
				)
			}
		}
		if !kicked {
			return fail("Maximum number of logins reached.")
		}
	}

	if err := users.IncrLoggedIn(snap.ID); err != nil {
		s.server.logger.Error("failed to record login", "user", name, "error", err)
	}
	snap, _ = users.User(name)
	s.user = snap
	if s.user.HomeDir != "" {
		s.cwd = s.user.HomeDir
	}
	s.setPhase(phaseLoggedIn)
	s.passFails = 0
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, name)
	}
	s.server.logger.Info("login_ok",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", name,
	)
	s.reply(codeLoggedIn, "User "+name+" logged in.")
	return true
}
