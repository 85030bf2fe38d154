package acl

import (
	"slices"
	"sync"

	"github.com/gonzalop/ftpd/internal/ftperr"
	"github.com/gonzalop/ftpd/internal/store"
)

// GroupCache mirrors group records the way UserCache mirrors users.
// Membership lives on the user side; this cache owns only the group
// records themselves.
type GroupCache struct {
	proxy *store.Proxy

	createMu sync.Mutex
	mu       sync.Mutex

	byName map[string]*GroupProfile
	byID   map[GroupID]*GroupProfile
	nextID GroupID

	lastReplicate int64
}

func NewGroupCache(proxy *store.Proxy) *GroupCache {
	return &GroupCache{
		proxy:  proxy,
		byName: make(map[string]*GroupProfile),
		byID:   make(map[GroupID]*GroupProfile),
		nextID: 1,
	}
}

// Initialize loads every persisted group into the cache.
func (c *GroupCache) Initialize() error {
	return c.proxy.Each(func(raw []byte) error {
		g := new(GroupProfile)
		if err := unmarshalGroup(raw, g); err != nil {
			return err
		}
		c.byName[g.Name] = g
		c.byID[g.ID] = g
		if g.ID >= c.nextID {
			c.nextID = g.ID + 1
		}
		return nil
	})
}

func (c *GroupCache) apply(name string, fields []string, fn func(*GroupProfile) error) error {
	c.mu.Lock()
	g, ok := c.byName[name]
	if !ok || g.Deleted {
		c.mu.Unlock()
		return ftperr.Runtime("group %s doesn't exist", name)
	}
	backup := *g
	if err := fn(g); err != nil {
		*g = backup
		c.mu.Unlock()
		return err
	}
	g.touch()
	id := g.ID
	doc := *g
	c.mu.Unlock()

	fields = append(fields, "modified")
	if err := c.proxy.Save(int32(id), &doc, fields...); err != nil {
		c.mu.Lock()
		*g = backup
		c.mu.Unlock()
		return ftperr.System("unable to save group "+name, err)
	}
	return nil
}

// Exists reports whether a live group has this name.
func (c *GroupCache) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byName[name]
	return ok && !g.Deleted
}

// Create allocates an id and persists a new group.
func (c *GroupCache) Create(name string) (GroupSnapshot, error) {
	if err := ValidateGroupname(name); err != nil {
		return GroupSnapshot{}, err
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	c.mu.Lock()
	if _, ok := c.byName[name]; ok {
		c.mu.Unlock()
		return GroupSnapshot{}, ftperr.Runtime("group %s already exists", name)
	}
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	g := newGroupProfile(id, name)
	if err := c.proxy.Save(int32(id), g); err != nil {
		return GroupSnapshot{}, ftperr.System("unable to save group "+name, err)
	}

	c.mu.Lock()
	c.byName[name] = g
	c.byID[id] = g
	snap := g.snapshot()
	c.mu.Unlock()
	return snap, nil
}

// Delete removes a group permanently. Callers are responsible for
// clearing memberships first.
func (c *GroupCache) Delete(name string) error {
	c.mu.Lock()
	g, ok := c.byName[name]
	if !ok {
		c.mu.Unlock()
		return ftperr.Runtime("group %s doesn't exist", name)
	}
	id := g.ID
	c.mu.Unlock()

	if err := c.proxy.Delete(int32(id)); err != nil {
		return ftperr.System("unable to delete group "+name, err)
	}

	c.mu.Lock()
	delete(c.byName, name)
	delete(c.byID, id)
	c.mu.Unlock()
	return nil
}

// Rename changes the lookup name; the id is immutable.
func (c *GroupCache) Rename(oldName, newName string) error {
	if err := ValidateGroupname(newName); err != nil {
		return err
	}
	c.mu.Lock()
	if _, taken := c.byName[newName]; taken {
		c.mu.Unlock()
		return ftperr.Runtime("group %s already exists", newName)
	}
	c.mu.Unlock()

	err := c.apply(oldName, []string{"name"}, func(g *GroupProfile) error {
		g.Name = newName
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	g := c.byName[oldName]
	delete(c.byName, oldName)
	c.byName[newName] = g
	c.mu.Unlock()
	return nil
}

// SetComment updates the short comment line.
func (c *GroupCache) SetComment(name, comment string) error {
	return c.apply(name, []string{"comment"}, func(g *GroupProfile) error {
		g.Comment = comment
		return nil
	})
}

// SetDescription updates the long description.
func (c *GroupCache) SetDescription(name, description string) error {
	return c.apply(name, []string{"description"}, func(g *GroupProfile) error {
		g.Description = description
		return nil
	})
}

// SetSlots sets the member slot budget; -1 is unlimited.
func (c *GroupCache) SetSlots(name string, slots int) error {
	return c.apply(name, []string{"slots"}, func(g *GroupProfile) error {
		g.Slots = slots
		return nil
	})
}

// Group returns a snapshot by name.
func (c *GroupCache) Group(name string) (GroupSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byName[name]
	if !ok {
		return GroupSnapshot{}, ftperr.Runtime("group %s doesn't exist", name)
	}
	return g.snapshot(), nil
}

// GroupByID returns a snapshot by id.
func (c *GroupCache) GroupByID(gid GroupID) (GroupSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byID[gid]
	if !ok {
		return GroupSnapshot{}, ftperr.Runtime("gid %d doesn't exist", gid)
	}
	return g.snapshot(), nil
}

// NameToGID resolves a name, NoGroupID when absent.
func (c *GroupCache) NameToGID(name string) GroupID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.byName[name]; ok {
		return g.ID
	}
	return NoGroupID
}

// GIDToName resolves an id, "" when absent.
func (c *GroupCache) GIDToName(gid GroupID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.byID[gid]; ok {
		return g.Name
	}
	return ""
}

// Groups returns snapshots of every group sorted by id.
func (c *GroupCache) Groups() []GroupSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GroupSnapshot, 0, len(c.byID))
	for _, g := range c.byID {
		out = append(out, g.snapshot())
	}
	slices.SortFunc(out, func(a, b GroupSnapshot) int { return int(a.ID) - int(b.ID) })
	return out
}

// Replicate drains modified group records to peers, mirroring
// UserCache.Replicate.
func (c *GroupCache) Replicate(peers []store.Peer) error {
	c.mu.Lock()
	since := c.lastReplicate
	c.mu.Unlock()

	diffs, newest, err := c.proxy.Drain(since)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		return nil
	}
	for _, peer := range peers {
		for _, diff := range diffs {
			if err := peer.Apply(diff); err != nil {
				c.proxy.Requeue(diffs)
				return err
			}
		}
	}
	c.mu.Lock()
	if newest > c.lastReplicate {
		c.lastReplicate = newest
	}
	c.mu.Unlock()
	return nil
}
