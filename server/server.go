package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/store"
)

// ErrServerClosed is returned by Serve after SetShutdown or an Exit task.
var ErrServerClosed = errors.New("ftpd: server closed")

// replicateInterval paces the background replication drain.
const replicateInterval = 10 * time.Second

// Server owns the listening endpoints, the live session registry, and
// the task queue. Tasks run only on the dispatcher goroutine; sessions
// enqueue and wait on their result channels.
type Server struct {
	cfg    *config.Handle
	users  *acl.UserCache
	groups *acl.GroupCache
	stats  *store.Stats
	owners *store.Owners
	peers  []store.Peer

	logger           *slog.Logger
	tlsConfig        *tls.Config
	metricsCollector MetricsCollector
	transferLog      io.Writer

	uploads   *transferCounter
	downloads *transferCounter

	// configPath, when set, is re-read by SITE RELOAD.
	configPath string

	mu       sync.Mutex
	sessions map[*session]struct{}

	taskMu   sync.Mutex
	tasks    []task
	taskWake chan struct{}

	listeners  []net.Listener
	inShutdown atomic.Bool
	serveDone  chan struct{}

	nextPassivePort atomic.Int32
}

// NewServer assembles a server around the shared caches and store
// handles. The configuration handle is read on every command so RELOAD
// swaps take effect without restarting sessions.
func NewServer(cfg *config.Handle, users *acl.UserCache, groups *acl.GroupCache,
	stats *store.Stats, owners *store.Owners, options ...Option) (*Server, error) {
	if cfg == nil || users == nil || groups == nil {
		return nil, fmt.Errorf("ftpd: config handle and caches are required")
	}
	c := cfg.Get()
	s := &Server{
		cfg:       cfg,
		users:     users,
		groups:    groups,
		stats:     stats,
		owners:    owners,
		logger:    slog.Default(),
		sessions:  make(map[*session]struct{}),
		taskWake:  make(chan struct{}, 1),
		serveDone: make(chan struct{}),
		uploads:   newTransferCounter(c.MaxUploads),
		downloads: newTransferCounter(c.MaxDownloads),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Listen binds one listener per configured IP. If any bind fails the
// earlier sockets are released and the error is returned.
func (s *Server) Listen() error {
	c := s.cfg.Get()
	for _, ip := range c.ListenIPs {
		addr := net.JoinHostPort(ip, strconv.Itoa(c.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, prev := range s.listeners {
				prev.Close()
			}
			s.listeners = nil
			return fmt.Errorf("ftpd: listen %s: %w", addr, err)
		}
		s.logger.Info("listening for clients", "addr", addr)
		s.listeners = append(s.listeners, ln)
	}
	return nil
}

// Addrs returns the bound listener addresses (useful when the config
// asked for port 0).
func (s *Server) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// SetShutdown raises the shutdown flag and wakes the dispatcher. Serve
// then interrupts every live session and joins each before returning.
func (s *Server) SetShutdown() {
	if s.inShutdown.Swap(true) {
		return
	}
	s.logger.Debug("stopping listener")
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wake()
}

// Join blocks until Serve has returned.
func (s *Server) Join() { <-s.serveDone }

func (s *Server) wake() {
	select {
	case s.taskWake <- struct{}{}:
	default:
	}
}

// pushTask enqueues an out-of-band job for the dispatcher.
func (s *Server) pushTask(t task) {
	s.taskMu.Lock()
	s.tasks = append(s.tasks, t)
	s.taskMu.Unlock()
	s.wake()
}

// handleTasks drains the queue FIFO. Only the task mutex is held during
// dequeue; each task takes the session-list mutex as it needs it.
func (s *Server) handleTasks() {
	for {
		s.taskMu.Lock()
		if len(s.tasks) == 0 {
			s.taskMu.Unlock()
			return
		}
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.taskMu.Unlock()

		t.execute(s)
	}
}

// Serve runs the dispatcher until shutdown: it multiplexes accepted
// connections, task wake-ups, and a 100 ms housekeeping tick that
// harvests finished sessions.
func (s *Server) Serve() error {
	defer close(s.serveDone)

	if len(s.listeners) == 0 {
		return fmt.Errorf("ftpd: Serve called before Listen")
	}

	acceptCh := make(chan net.Conn)
	stopAccept := make(chan struct{})
	var g errgroup.Group
	for _, ln := range s.listeners {
		ln := ln
		g.Go(func() error {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return nil // listener closed
				}
				select {
				case acceptCh <- conn:
				case <-stopAccept:
					conn.Close()
					return nil
				}
			}
		})
	}

	go s.replicateLoop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !s.inShutdown.Load() {
		select {
		case conn := <-acceptCh:
			s.acceptSession(conn)
		case <-s.taskWake:
			s.handleTasks()
		case <-ticker.C:
		}
		s.harvestFinished()
	}

	close(stopAccept)
	g.Wait()
	s.stopSessions()
	return ErrServerClosed
}

func (s *Server) acceptSession(conn net.Conn) {
	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}
	go sess.serve()
}

// harvestFinished drops sessions that have reached Finished and can be
// joined without blocking.
func (s *Server) harvestFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess.phase() != phaseFinished {
			continue
		}
		select {
		case <-sess.done:
			delete(s.sessions, sess)
			s.logger.Debug("session harvested", "session_id", sess.sessionID)
		default:
			// still unwinding; try again next tick
		}
	}
}

// stopSessions interrupts every live session and joins each. Joins are
// unbounded; termination depends on sessions reaching a cancellation
// point. Tasks keep draining meanwhile so a session blocked on a task
// result can unwind.
func (s *Server) stopSessions() {
	s.logger.Debug("stopping all connected clients")
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	for _, sess := range live {
		sess.interrupt()
	}
	for _, sess := range live {
		for {
			s.handleTasks()
			select {
			case <-sess.done:
			case <-time.After(10 * time.Millisecond):
				continue
			}
			break
		}
	}
}

// countLogins reports how many live sessions are logged in as uid.
func (s *Server) countLogins(uid acl.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.phase() == phaseLoggedIn && sess.user.ID == uid {
			n++
		}
	}
	return n
}

// replicateLoop drains modified account records to peer instances.
// Errors are logged and retried on the next tick; they never reach a
// session.
func (s *Server) replicateLoop() {
	if len(s.peers) == 0 {
		return
	}
	ticker := time.NewTicker(replicateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.serveDone:
			return
		case <-ticker.C:
			if err := s.users.Replicate(s.peers); err != nil {
				s.logger.Error("user replication failed", "error", err)
			}
			if err := s.groups.Replicate(s.peers); err != nil {
				s.logger.Error("group replication failed", "error", err)
			}
		}
	}
}
