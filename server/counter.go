package server

import (
	"sync"

	"github.com/gonzalop/ftpd/internal/acl"
)

// counterResult reports the outcome of a slot reservation.
type counterResult int

const (
	counterOkay counterResult = iota
	counterPersonalFail
	counterGlobalFail
)

// transferCounter tracks per-user and global concurrent transfer slots.
// A per-user limit of -1 is unlimited and 0 forbids transfers; a global
// limit of 0 is unlimited.
type transferCounter struct {
	mu        sync.Mutex
	perUser   map[acl.UserID]int
	counted   map[acl.UserID]int // slots charged against the global cap
	total     int
	globalMax int
}

func newTransferCounter(globalMax int) *transferCounter {
	return &transferCounter{
		perUser:   make(map[acl.UserID]int),
		counted:   make(map[acl.UserID]int),
		globalMax: globalMax,
	}
}

// start reserves a slot. Exempt users bypass (and do not consume) the
// global cap, but their personal cap still applies. The caller must pair
// every counterOkay with a stop on all exit paths.
func (c *transferCounter) start(uid acl.UserID, personalMax int, exempt bool) counterResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if personalMax != -1 && c.perUser[uid] >= personalMax {
		return counterPersonalFail
	}
	if !exempt && c.globalMax > 0 && c.total >= c.globalMax {
		return counterGlobalFail
	}
	c.perUser[uid]++
	if !exempt {
		c.counted[uid]++
		c.total++
	}
	return counterOkay
}

// stop releases a slot.
func (c *transferCounter) stop(uid acl.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perUser[uid] > 0 {
		c.perUser[uid]--
		if c.perUser[uid] == 0 {
			delete(c.perUser, uid)
		}
	}
	if c.counted[uid] > 0 {
		c.counted[uid]--
		c.total--
		if c.counted[uid] == 0 {
			delete(c.counted, uid)
		}
	}
}

// setGlobalMax adjusts the global cap (config reload).
func (c *transferCounter) setGlobalMax(max int) {
	c.mu.Lock()
	c.globalMax = max
	c.mu.Unlock()
}
