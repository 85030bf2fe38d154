package server

import (
	"time"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/config"
)

// task is an out-of-band job executed on the dispatcher goroutine
// against the live session list. Tasks that report back carry a one-shot
// buffered result channel consumed by the pushing session.
type task interface {
	execute(s *Server)
}

// kickUserTask interrupts sessions belonging to uid and reports how many
// were kicked.
type kickUserTask struct {
	uid     acl.UserID
	oneOnly bool
	result  chan int
}

func newKickUserTask(uid acl.UserID, oneOnly bool) *kickUserTask {
	return &kickUserTask{uid: uid, oneOnly: oneOnly, result: make(chan int, 1)}
}

func (t *kickUserTask) execute(s *Server) {
	kicked := 0
	s.mu.Lock()
	for sess := range s.sessions {
		if sess.phase() == phaseLoggedIn && sess.user.ID == t.uid {
			sess.interrupt()
			kicked++
			if t.oneOnly {
				break
			}
		}
	}
	s.mu.Unlock()
	t.result <- kicked
}

// loginKickResult reports the outcome of a login-slot kick.
type loginKickResult struct {
	kicked bool
	logins int
	idle   time.Duration
}

// loginKickTask interrupts at most one logged-in session for uid,
// reporting its idle time and the total login count.
type loginKickTask struct {
	uid    acl.UserID
	result chan loginKickResult
}

func newLoginKickTask(uid acl.UserID) *loginKickTask {
	return &loginKickTask{uid: uid, result: make(chan loginKickResult, 1)}
}

func (t *loginKickTask) execute(s *Server) {
	var r loginKickResult
	s.mu.Lock()
	for sess := range s.sessions {
		if sess.phase() == phaseLoggedIn && sess.user.ID == t.uid {
			if !r.kicked {
				sess.interrupt()
				r.kicked = true
				r.idle = sess.idleFor()
			}
			r.logins++
		}
	}
	s.mu.Unlock()
	t.result <- r
}

// onlineUser is one row of the online listing.
type onlineUser struct {
	uid      acl.UserID
	name     string
	command  string
	idle     time.Duration
	remoteIP string
}

type getOnlineUsersTask struct {
	result chan []onlineUser
}

func newGetOnlineUsersTask() *getOnlineUsersTask {
	return &getOnlineUsersTask{result: make(chan []onlineUser, 1)}
}

func (t *getOnlineUsersTask) execute(s *Server) {
	var users []onlineUser
	s.mu.Lock()
	for sess := range s.sessions {
		if sess.phase() != phaseLoggedIn {
			continue
		}
		users = append(users, onlineUser{
			uid:      sess.user.ID,
			name:     sess.user.Name,
			command:  sess.currentCommand(),
			idle:     sess.idleFor(),
			remoteIP: sess.remoteIP,
		})
	}
	s.mu.Unlock()
	t.result <- users
}

// userUpdateTask flags logged-in sessions of uid to refresh their
// profile snapshot before the next command.
type userUpdateTask struct {
	uid acl.UserID
}

func (t *userUpdateTask) execute(s *Server) {
	s.mu.Lock()
	for sess := range s.sessions {
		if sess.phase() == phaseLoggedIn && sess.user.ID == t.uid {
			sess.userUpdated.Store(true)
		}
	}
	s.mu.Unlock()
}

// reloadOutcome signals how a config reload went.
type reloadOutcome int

const (
	reloadOkay reloadOutcome = iota
	reloadFail
	// reloadStopStart means the new configuration needs a full listener
	// restart to take effect.
	reloadStopStart
)

type reloadResult struct {
	outcome reloadOutcome
	err     error
}

// reloadConfigTask re-reads the configuration file and swaps the
// process-wide handle atomically.
type reloadConfigTask struct {
	path   string
	result chan reloadResult
}

func newReloadConfigTask(path string) *reloadConfigTask {
	return &reloadConfigTask{path: path, result: make(chan reloadResult, 1)}
}

func (t *reloadConfigTask) execute(s *Server) {
	next, err := config.Load(t.path)
	if err != nil {
		s.logger.Error("failed to load config", "path", t.path, "error", err)
		t.result <- reloadResult{outcome: reloadFail, err: err}
		return
	}
	old := s.cfg.Swap(next)
	s.uploads.setGlobalMax(next.MaxUploads)
	s.downloads.setGlobalMax(next.MaxDownloads)
	if config.RequireStopStart(old, next) {
		t.result <- reloadResult{outcome: reloadStopStart}
		return
	}
	t.result <- reloadResult{outcome: reloadOkay}
}

// onlineCount reports logged-in and total session counts.
type onlineCount struct {
	loggedIn int
	all      int
}

type onlineCountTask struct {
	result chan onlineCount
}

func newOnlineCountTask() *onlineCountTask {
	return &onlineCountTask{result: make(chan onlineCount, 1)}
}

func (t *onlineCountTask) execute(s *Server) {
	var c onlineCount
	s.mu.Lock()
	for sess := range s.sessions {
		c.all++
		if sess.phase() == phaseLoggedIn {
			c.loggedIn++
		}
	}
	s.mu.Unlock()
	t.result <- c
}

// exitTask raises the shutdown flag.
type exitTask struct{}

func (exitTask) execute(s *Server) { s.SetShutdown() }
