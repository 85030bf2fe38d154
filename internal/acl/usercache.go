package acl

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gonzalop/ftpd/internal/ftperr"
	"github.com/gonzalop/ftpd/internal/store"
)

// UserCache is the process-wide authoritative mirror of account state.
// All mutations go through it; direct store writes outside the cache are
// forbidden. Locking: createMu serializes user creation (name collision
// vs id allocation), mu guards the name/id maps and profile fields, ipMu
// guards the IP-mask submap. mu and ipMu are never held across store I/O;
// createMu is held for the whole of Create, including its store write.
type UserCache struct {
	proxy *store.Proxy

	createMu sync.Mutex
	mu       sync.Mutex

	byName map[string]*UserProfile
	byID   map[UserID]*UserProfile
	nextID UserID

	ipMu    sync.RWMutex
	ipMasks map[UserID][]string

	lastReplicate int64
}

// NewUserCache creates an empty cache backed by proxy. Call Initialize
// before use.
func NewUserCache(proxy *store.Proxy) *UserCache {
	return &UserCache{
		proxy:   proxy,
		byName:  make(map[string]*UserProfile),
		byID:    make(map[UserID]*UserProfile),
		ipMasks: make(map[UserID][]string),
		nextID:  1,
	}
}

// Initialize loads every persisted user into the cache. When the store
// holds no users at all, a default siteop account is created so the
// server is reachable after first start.
func (c *UserCache) Initialize() error {
	err := c.proxy.Each(func(raw []byte) error {
		u := new(UserProfile)
		if err := unmarshalProfile(raw, u); err != nil {
			return err
		}
		if u.GadminGIDs == nil {
			u.GadminGIDs = make(map[GroupID]struct{})
		}
		if u.Ratio == nil {
			u.Ratio = map[string]int{"": 3}
		}
		if u.Credits == nil {
			u.Credits = map[string]int64{"": 0}
		}
		c.byName[u.Name] = u
		c.byID[u.ID] = u
		c.ipMasks[u.ID] = slices.Clone(u.IPMasks)
		if u.ID >= c.nextID {
			c.nextID = u.ID + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(c.byID) == 0 {
		if _, err := c.Create("sitegod", "sitegod", string(FlagSiteop), NoUserID); err != nil {
			return err
		}
		if _, err := c.AddIPMask("sitegod", "*@*"); err != nil {
			return err
		}
	}
	return nil
}

func cloneProfile(u *UserProfile) *UserProfile {
	cp := *u
	cp.SecondaryGIDs = slices.Clone(u.SecondaryGIDs)
	cp.IPMasks = slices.Clone(u.IPMasks)
	cp.Salt = slices.Clone(u.Salt)
	cp.Password = slices.Clone(u.Password)
	cp.GadminGIDs = maps.Clone(u.GadminGIDs)
	cp.Ratio = maps.Clone(u.Ratio)
	cp.Credits = maps.Clone(u.Credits)
	if u.Expires != nil {
		e := *u.Expires
		cp.Expires = &e
	}
	if u.LastLogin != nil {
		l := *u.LastLogin
		cp.LastLogin = &l
	}
	return &cp
}

// apply runs a mutation on a live user. The profile is touched, then the
// full document is written through the proxy outside the state mutex; on
// store failure the in-memory record is rolled back so memory and store
// never diverge. The live-only flag excludes soft-deleted users.
func (c *UserCache) apply(name string, liveOnly bool, fields []string, fn func(*UserProfile) error) error {
	c.mu.Lock()
	u, ok := c.byName[name]
	if !ok || (liveOnly && u.Deleted) {
		c.mu.Unlock()
		return ftperr.Runtime("user %s doesn't exist", name)
	}
	backup := cloneProfile(u)
	if err := fn(u); err != nil {
		*u = *backup
		c.mu.Unlock()
		return err
	}
	u.touch()
	id := u.ID
	doc := cloneProfile(u)
	c.mu.Unlock()

	fields = append(fields, "modified")
	if err := c.proxy.Save(int32(id), doc, fields...); err != nil {
		c.mu.Lock()
		*u = *backup
		c.mu.Unlock()
		return ftperr.System("unable to save user "+name, err)
	}
	return nil
}

func (c *UserCache) applyUID(uid UserID, fields []string, fn func(*UserProfile) error) error {
	c.mu.Lock()
	u, ok := c.byID[uid]
	if !ok {
		c.mu.Unlock()
		return ftperr.Runtime("uid %d doesn't exist", uid)
	}
	name := u.Name
	c.mu.Unlock()
	return c.apply(name, true, fields, fn)
}

// Exists reports whether a live (non-deleted) user has this name.
func (c *UserCache) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byName[name]
	return ok && !u.Deleted
}

// ExistsUID reports whether any record (deleted included) has this id.
func (c *UserCache) ExistsUID(uid UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[uid]
	return ok
}

// Create allocates an id and persists a new user. Names are unique across
// live and deleted records; a deleted holder must be purged or readded
// first.
func (c *UserCache) Create(name, password, flags string, creator UserID) (UserSnapshot, error) {
	if err := ValidateUsername(name); err != nil {
		return UserSnapshot{}, err
	}
	if err := ValidFlags(flags); err != nil {
		return UserSnapshot{}, err
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	c.mu.Lock()
	if u, ok := c.byName[name]; ok {
		c.mu.Unlock()
		if u.Deleted {
			return UserSnapshot{}, ftperr.Runtime("user %s exists but is marked deleted", name)
		}
		return UserSnapshot{}, ftperr.Runtime("user %s already exists", name)
	}
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	u := newUserProfile(id, name, password, flags, creator)
	if err := c.proxy.Save(int32(id), cloneProfile(u)); err != nil {
		return UserSnapshot{}, ftperr.System("unable to save user "+name, err)
	}

	c.mu.Lock()
	c.byName[name] = u
	c.byID[id] = u
	snap := u.snapshot()
	c.mu.Unlock()

	c.ipMu.Lock()
	c.ipMasks[id] = nil
	c.ipMu.Unlock()
	return snap, nil
}

// Delete soft-deletes: the record and id are retained until Purge.
func (c *UserCache) Delete(name string) error {
	return c.apply(name, true, []string{"deleted"}, func(u *UserProfile) error {
		u.Deleted = true
		u.Flags = addFlags(u.Flags, string(FlagDeleted))
		return nil
	})
}

// Readd restores a soft-deleted user.
func (c *UserCache) Readd(name string) error {
	return c.apply(name, false, []string{"deleted"}, func(u *UserProfile) error {
		if !u.Deleted {
			return ftperr.Runtime("user %s is not deleted", name)
		}
		u.Deleted = false
		u.Flags = delFlags(u.Flags, string(FlagDeleted))
		return nil
	})
}

// Purge removes a soft-deleted user permanently.
func (c *UserCache) Purge(name string) error {
	c.mu.Lock()
	u, ok := c.byName[name]
	if !ok {
		c.mu.Unlock()
		return ftperr.Runtime("user %s doesn't exist", name)
	}
	if !u.Deleted {
		c.mu.Unlock()
		return ftperr.Runtime("user %s must be deleted before being purged", name)
	}
	id := u.ID
	c.mu.Unlock()

	if err := c.proxy.Delete(int32(id)); err != nil {
		return ftperr.System("unable to purge user "+name, err)
	}

	c.mu.Lock()
	delete(c.byName, name)
	delete(c.byID, id)
	c.mu.Unlock()

	c.ipMu.Lock()
	delete(c.ipMasks, id)
	c.ipMu.Unlock()
	return nil
}

// Rename changes the lookup name; the id is immutable.
func (c *UserCache) Rename(oldName, newName string) error {
	if err := ValidateUsername(newName); err != nil {
		return err
	}
	c.mu.Lock()
	if _, taken := c.byName[newName]; taken {
		c.mu.Unlock()
		return ftperr.Runtime("user %s already exists", newName)
	}
	c.mu.Unlock()

	err := c.apply(oldName, true, []string{"name"}, func(u *UserProfile) error {
		u.Name = newName
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	u := c.byName[oldName]
	delete(c.byName, oldName)
	c.byName[newName] = u
	c.mu.Unlock()
	return nil
}

// SetPassword replaces the salted hash with a fresh salt.
func (c *UserCache) SetPassword(name, password string) error {
	return c.apply(name, true, []string{"salt", "password"}, func(u *UserProfile) error {
		u.setPassword(password)
		return nil
	})
}

// SetFlags replaces the flag set outright.
func (c *UserCache) SetFlags(name, flags string) error {
	if err := ValidFlags(flags); err != nil {
		return err
	}
	return c.apply(name, true, []string{"flags"}, func(u *UserProfile) error {
		u.Flags = flags
		return nil
	})
}

// AddFlags merges flags into the set.
func (c *UserCache) AddFlags(name, flags string) error {
	if err := ValidFlags(flags); err != nil {
		return err
	}
	return c.apply(name, true, []string{"flags"}, func(u *UserProfile) error {
		u.Flags = addFlags(u.Flags, flags)
		return nil
	})
}

// DelFlags removes flags from the set.
func (c *UserCache) DelFlags(name, flags string) error {
	return c.apply(name, true, []string{"flags"}, func(u *UserProfile) error {
		u.Flags = delFlags(u.Flags, flags)
		return nil
	})
}

// SetPrimaryGID makes gid the primary group and returns the previous
// primary, NoGroupID when the user had none. The old primary is kept as a
// secondary so membership survives; the new primary is removed from the
// secondaries to preserve the disjointness invariant.
func (c *UserCache) SetPrimaryGID(name string, gid GroupID) (GroupID, error) {
	oldGID := NoGroupID
	err := c.apply(name, true, []string{"primaryGid", "secondaryGids"}, func(u *UserProfile) error {
		oldGID = u.PrimaryGID
		if u.PrimaryGID == gid {
			return nil
		}
		u.SecondaryGIDs = slices.DeleteFunc(u.SecondaryGIDs, func(g GroupID) bool { return g == gid })
		if u.PrimaryGID != NoGroupID {
			u.SecondaryGIDs = append(u.SecondaryGIDs, u.PrimaryGID)
		}
		u.PrimaryGID = gid
		return nil
	})
	return oldGID, err
}

// AddGID adds group membership. The first group becomes primary.
func (c *UserCache) AddGID(name string, gid GroupID) error {
	return c.apply(name, true, []string{"primaryGid", "secondaryGids"}, func(u *UserProfile) error {
		if u.hasGID(gid) {
			return ftperr.Runtime("user %s is already a member of that group", name)
		}
		if u.PrimaryGID == NoGroupID {
			u.PrimaryGID = gid
		} else {
			u.SecondaryGIDs = append(u.SecondaryGIDs, gid)
		}
		return nil
	})
}

// DelGID removes membership. Removing the primary promotes the first
// secondary, if any.
func (c *UserCache) DelGID(name string, gid GroupID) error {
	return c.apply(name, true, []string{"primaryGid", "secondaryGids", "gadminGids"}, func(u *UserProfile) error {
		if !u.hasGID(gid) {
			return ftperr.Runtime("user %s is not a member of that group", name)
		}
		if u.PrimaryGID == gid {
			if len(u.SecondaryGIDs) > 0 {
				u.PrimaryGID = u.SecondaryGIDs[0]
				u.SecondaryGIDs = u.SecondaryGIDs[1:]
			} else {
				u.PrimaryGID = NoGroupID
			}
		} else {
			u.SecondaryGIDs = slices.DeleteFunc(u.SecondaryGIDs, func(g GroupID) bool { return g == gid })
		}
		delete(u.GadminGIDs, gid)
		return nil
	})
}

// ResetGIDs clears all group membership and gadmin scopes.
func (c *UserCache) ResetGIDs(name string) error {
	return c.apply(name, true, []string{"primaryGid", "secondaryGids", "gadminGids"}, func(u *UserProfile) error {
		u.PrimaryGID = NoGroupID
		u.SecondaryGIDs = nil
		u.GadminGIDs = make(map[GroupID]struct{})
		return nil
	})
}

// ToggleGadminGID flips gadmin scope over gid, reporting whether it was
// added.
func (c *UserCache) ToggleGadminGID(name string, gid GroupID) (bool, error) {
	added := false
	err := c.apply(name, true, []string{"gadminGids"}, func(u *UserProfile) error {
		if _, ok := u.GadminGIDs[gid]; ok {
			delete(u.GadminGIDs, gid)
		} else {
			u.GadminGIDs[gid] = struct{}{}
			added = true
		}
		return nil
	})
	return added, err
}

func (c *UserCache) refreshMasks(name string) {
	c.mu.Lock()
	u, ok := c.byName[name]
	var id UserID
	var masks []string
	if ok {
		id = u.ID
		masks = slices.Clone(u.IPMasks)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.ipMu.Lock()
	c.ipMasks[id] = masks
	c.ipMu.Unlock()
}

// AddIPMask appends a mask, returning any existing masks it renders
// redundant (those are removed). Exact duplicates and masks already
// covered by a broader existing mask are rejected.
func (c *UserCache) AddIPMask(name, mask string) ([]string, error) {
	newMask, err := parseIPMask(mask)
	if err != nil {
		return nil, err
	}
	var redundant []string
	err = c.apply(name, true, []string{"ipMasks"}, func(u *UserProfile) error {
		redundant = redundant[:0]
		kept := u.IPMasks[:0:0]
		for _, existing := range u.IPMasks {
			if existing == mask {
				return ftperr.Runtime("mask %s already exists", mask)
			}
			old, err := parseIPMask(existing)
			if err == nil && old.subsumes(newMask) {
				return ftperr.Runtime("mask %s is already covered by %s", mask, existing)
			}
			if err == nil && newMask.subsumes(old) {
				redundant = append(redundant, existing)
				continue
			}
			kept = append(kept, existing)
		}
		u.IPMasks = append(kept, mask)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.refreshMasks(name)
	return redundant, nil
}

// DelIPMask removes the mask at a 1-based index, returning it.
func (c *UserCache) DelIPMask(name string, index int) (string, error) {
	var deleted string
	err := c.apply(name, true, []string{"ipMasks"}, func(u *UserProfile) error {
		if index < 1 || index > len(u.IPMasks) {
			return ftperr.Runtime("ip mask index out of range")
		}
		deleted = u.IPMasks[index-1]
		u.IPMasks = append(u.IPMasks[:index-1], u.IPMasks[index:]...)
		return nil
	})
	if err != nil {
		return "", err
	}
	c.refreshMasks(name)
	return deleted, nil
}

// DelAllIPMasks clears the mask list, returning what was removed.
func (c *UserCache) DelAllIPMasks(name string) ([]string, error) {
	var deleted []string
	err := c.apply(name, true, []string{"ipMasks"}, func(u *UserProfile) error {
		deleted = u.IPMasks
		u.IPMasks = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.refreshMasks(name)
	return deleted, nil
}

// ListIPMasks returns the ordered mask list.
func (c *UserCache) ListIPMasks(name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byName[name]
	if !ok {
		return nil, ftperr.Runtime("user %s doesn't exist", name)
	}
	return slices.Clone(u.IPMasks), nil
}

// IPAllowed reports whether any user at all accepts this ident@addr peer.
// Used before USER to refuse unknown hosts early.
func (c *UserCache) IPAllowed(identAddr string) bool {
	c.ipMu.RLock()
	defer c.ipMu.RUnlock()
	for _, masks := range c.ipMasks {
		for _, m := range masks {
			if MaskMatch(m, identAddr) {
				return true
			}
		}
	}
	return false
}

// IdentIPAllowed reports whether the given user accepts this peer.
func (c *UserCache) IdentIPAllowed(uid UserID, identAddr string) bool {
	c.ipMu.RLock()
	defer c.ipMu.RUnlock()
	for _, m := range c.ipMasks[uid] {
		if MaskMatch(m, identAddr) {
			return true
		}
	}
	return false
}

// Count returns the number of users, optionally including soft-deleted.
func (c *UserCache) Count(includeDeleted bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if includeDeleted {
		return len(c.byID)
	}
	n := 0
	for _, u := range c.byID {
		if !u.Deleted {
			n++
		}
	}
	return n
}

// User returns a snapshot by name (deleted records included, so admin
// verbs can inspect them).
func (c *UserCache) User(name string) (UserSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byName[name]
	if !ok {
		return UserSnapshot{}, ftperr.Runtime("user %s doesn't exist", name)
	}
	return u.snapshot(), nil
}

// UserByID returns a snapshot by id.
func (c *UserCache) UserByID(uid UserID) (UserSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byID[uid]
	if !ok {
		return UserSnapshot{}, ftperr.Runtime("uid %d doesn't exist", uid)
	}
	return u.snapshot(), nil
}

// Users returns snapshots of every record, deleted included.
func (c *UserCache) Users() []UserSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]UserSnapshot, 0, len(c.byID))
	for _, u := range c.byID {
		out = append(out, u.snapshot())
	}
	slices.SortFunc(out, func(a, b UserSnapshot) int { return int(a.ID) - int(b.ID) })
	return out
}

// NameToUID resolves a name, NoUserID when absent.
func (c *UserCache) NameToUID(name string) UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.byName[name]; ok {
		return u.ID
	}
	return NoUserID
}

// UIDToName resolves an id, "" when absent.
func (c *UserCache) UIDToName(uid UserID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.byID[uid]; ok {
		return u.Name
	}
	return ""
}

// PrimaryGID returns the primary group of uid, NoGroupID when absent.
func (c *UserCache) PrimaryGID(uid UserID) GroupID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.byID[uid]; ok {
		return u.PrimaryGID
	}
	return NoGroupID
}

// HasGID reports group membership by name.
func (c *UserCache) HasGID(name string, gid GroupID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byName[name]
	return ok && u.hasGID(gid)
}

// VerifyPassword checks a login attempt against the stored salted hash.
// Deleted users always fail.
func (c *UserCache) VerifyPassword(name, password string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byName[name]
	return ok && !u.Deleted && u.VerifyPassword(password)
}

// IncrLoggedIn bumps the login counter and stamps the last login.
func (c *UserCache) IncrLoggedIn(uid UserID) error {
	return c.applyUID(uid, []string{"loggedIn", "lastLogin"}, func(u *UserProfile) error {
		u.LoggedIn++
		now := time.Now().UTC()
		u.LastLogin = &now
		return nil
	})
}

// SetTagline updates the tagline after validation.
func (c *UserCache) SetTagline(name, tagline string) error {
	if err := ValidateTagline(tagline); err != nil {
		return err
	}
	return c.apply(name, true, []string{"tagline"}, func(u *UserProfile) error {
		u.Tagline = tagline
		return nil
	})
}

// SetRatio sets the upload ratio for one section; 0 is leech.
func (c *UserCache) SetRatio(name, section string, ratio int) error {
	if ratio < 0 {
		return ftperr.Validation("ratio must not be negative")
	}
	return c.apply(name, true, []string{"ratio"}, func(u *UserProfile) error {
		u.Ratio[section] = ratio
		return nil
	})
}

// SetNumLogins caps total simultaneous logins; -1 is unlimited.
func (c *UserCache) SetNumLogins(name string, numLogins int) error {
	return c.apply(name, true, []string{"numLogins"}, func(u *UserProfile) error {
		u.NumLogins = numLogins
		return nil
	})
}

// SetMaxSimUp caps concurrent uploads; -1 unlimited, 0 forbidden.
func (c *UserCache) SetMaxSimUp(name string, slots int) error {
	return c.apply(name, true, []string{"maxSimUp"}, func(u *UserProfile) error {
		u.MaxSimUp = slots
		return nil
	})
}

// SetMaxSimDown caps concurrent downloads; -1 unlimited, 0 forbidden.
func (c *UserCache) SetMaxSimDown(name string, slots int) error {
	return c.apply(name, true, []string{"maxSimDown"}, func(u *UserProfile) error {
		u.MaxSimDown = slots
		return nil
	})
}

// SetMaxUpSpeed caps upload speed in bytes/sec; 0 is unlimited.
func (c *UserCache) SetMaxUpSpeed(name string, bytesPerSec int64) error {
	return c.apply(name, true, []string{"maxUpSpeed"}, func(u *UserProfile) error {
		u.MaxUpSpeed = bytesPerSec
		return nil
	})
}

// SetMaxDownSpeed caps download speed in bytes/sec; 0 is unlimited.
func (c *UserCache) SetMaxDownSpeed(name string, bytesPerSec int64) error {
	return c.apply(name, true, []string{"maxDownSpeed"}, func(u *UserProfile) error {
		u.MaxDownSpeed = bytesPerSec
		return nil
	})
}

// SetIdleTime sets the idle timeout in seconds; -1 uses the server
// default.
func (c *UserCache) SetIdleTime(name string, seconds int) error {
	return c.apply(name, true, []string{"idleTime"}, func(u *UserProfile) error {
		u.IdleTime = seconds
		return nil
	})
}

// SetWeeklyAllotment sets the weekly credit allotment in kBytes.
func (c *UserCache) SetWeeklyAllotment(name string, kBytes int64) error {
	return c.apply(name, true, []string{"weeklyAllotment"}, func(u *UserProfile) error {
		u.WeeklyAllotment = kBytes
		return nil
	})
}

// SetHomeDir sets the virtual directory a session starts in.
func (c *UserCache) SetHomeDir(name, dir string) error {
	return c.apply(name, true, []string{"homeDir"}, func(u *UserProfile) error {
		u.HomeDir = dir
		return nil
	})
}

// SetComment sets the free-form comment line.
func (c *UserCache) SetComment(name, comment string) error {
	return c.apply(name, true, []string{"comment"}, func(u *UserProfile) error {
		u.Comment = comment
		return nil
	})
}

// SetExpires sets the account expiry; nil clears it.
func (c *UserCache) SetExpires(name string, when *time.Time) error {
	return c.apply(name, true, []string{"expires"}, func(u *UserProfile) error {
		u.Expires = when
		return nil
	})
}

// IncrCredits adds kBytes to the section credit balance.
func (c *UserCache) IncrCredits(uid UserID, section string, kBytes int64) error {
	return c.applyUID(uid, []string{"credits"}, func(u *UserProfile) error {
		u.incrCredits(section, kBytes)
		return nil
	})
}

// DecrCredits subtracts kBytes. Without force the balance cannot go
// negative; ok reports whether the debit happened.
func (c *UserCache) DecrCredits(uid UserID, section string, kBytes int64, force bool) (bool, error) {
	ok := false
	err := c.applyUID(uid, []string{"credits"}, func(u *UserProfile) error {
		ok = u.decrCredits(section, kBytes, force)
		return nil
	})
	return ok, err
}

// Replicate drains records modified since the last drain and pushes the
// diffs to every peer. The replication clock only advances when all peers
// accept; on failure the diffs are requeued for the next tick.
func (c *UserCache) Replicate(peers []store.Peer) error {
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
