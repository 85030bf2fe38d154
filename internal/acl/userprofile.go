package acl

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"slices"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength     = 16
	pbkdf2Rounds   = 4096
	pbkdf2KeyBytes = 32
)

// UserProfile is the mutable account record. Instances are owned by the
// UserCache and must never leave it; callers receive UserSnapshot copies.
type UserProfile struct {
	ID      UserID    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Creator UserID    `json:"creator"`

	Salt     []byte `json:"salt"`
	Password []byte `json:"password"`
	Flags    string `json:"flags"`

	PrimaryGID    GroupID              `json:"primaryGid"`
	SecondaryGIDs []GroupID            `json:"secondaryGids"`
	GadminGIDs    map[GroupID]struct{} `json:"gadminGids"`

	IPMasks []string `json:"ipMasks"`

	WeeklyAllotment int64      `json:"weeklyAllotment"`
	HomeDir         string     `json:"homeDir"`
	IdleTime        int        `json:"idleTime"`
	Expires         *time.Time `json:"expires,omitempty"`
	NumLogins       int        `json:"numLogins"`

	Comment string `json:"comment"`
	Tagline string `json:"tagline"`

	MaxDownSpeed int64 `json:"maxDownSpeed"`
	MaxUpSpeed   int64 `json:"maxUpSpeed"`
	MaxSimDown   int   `json:"maxSimDown"`
	MaxSimUp     int   `json:"maxSimUp"`

	LoggedIn  int              `json:"loggedIn"`
	LastLogin *time.Time       `json:"lastLogin,omitempty"`
	Ratio     map[string]int   `json:"ratio"`
	Credits   map[string]int64 `json:"credits"`

	Deleted bool `json:"deleted"`

	// Modified is a UTC microsecond timestamp, strictly monotonic per
	// record. It drives replication and last-writer-wins conflict
	// resolution.
	Modified int64 `json:"modified"`
}

func newUserProfile(id UserID, name, password string, flags string, creator UserID) *UserProfile {
	u := &UserProfile{
		ID:         id,
		Name:       name,
		Created:    time.Now().UTC(),
		Creator:    creator,
		Flags:      flags,
		PrimaryGID: NoGroupID,
		GadminGIDs: make(map[GroupID]struct{}),
		IdleTime:   -1,
		NumLogins:  -1,
		MaxSimDown: -1,
		MaxSimUp:   -1,
		Ratio:      map[string]int{"": 3},
		Credits:    map[string]int64{"": 0},
	}
	u.setPassword(password)
	u.touch()
	return u
}

// touch bumps Modified, keeping it strictly monotonic even when the clock
// does not advance between writes.
func (u *UserProfile) touch() {
	now := time.Now().UTC().UnixMicro()
	if now <= u.Modified {
		now = u.Modified + 1
	}
	u.Modified = now
}

func (u *UserProfile) setPassword(password string) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		panic("acl: crypto/rand failure: " + err.Error())
	}
	u.Salt = salt
	u.Password = pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, pbkdf2KeyBytes, sha256.New)
}

// VerifyPassword checks password against the stored salted hash in
// constant time.
func (u *UserProfile) VerifyPassword(password string) bool {
	if len(u.Salt) == 0 {
		return false
	}
	sum := pbkdf2.Key([]byte(password), u.Salt, pbkdf2Rounds, pbkdf2KeyBytes, sha256.New)
	return subtle.ConstantTimeCompare(sum, u.Password) == 1
}

func (u *UserProfile) hasSecondaryGID(gid GroupID) bool {
	return slices.Contains(u.SecondaryGIDs, gid)
}

func (u *UserProfile) hasGID(gid GroupID) bool {
	return u.PrimaryGID == gid || u.hasSecondaryGID(gid)
}

func (u *UserProfile) expired(now time.Time) bool {
	return u.Expires != nil && now.After(*u.Expires)
}

func (u *UserProfile) sectionRatio(section string) int {
	if r, ok := u.Ratio[section]; ok {
		return r
	}
	return u.Ratio[""]
}

func (u *UserProfile) sectionCredits(section string) int64 {
	return u.Credits[section]
}

func (u *UserProfile) incrCredits(section string, kBytes int64) {
	u.Credits[section] += kBytes
}

// decrCredits subtracts kBytes from the section balance. Unless force is
// set, the balance is never allowed below zero and false is returned when
// it would be.
func (u *UserProfile) decrCredits(section string, kBytes int64, force bool) bool {
	if !force && u.Credits[section]-kBytes < 0 {
		return false
	}
	u.Credits[section] -= kBytes
	return true
}

// UserSnapshot is an immutable value copy of a profile, handed to sessions
// and command handlers. Mutation goes through the UserCache only.
type UserSnapshot struct {
	ID      UserID
	Name    string
	Created time.Time
	Creator UserID

	Flags string

	PrimaryGID    GroupID
	SecondaryGIDs []GroupID
	GadminGIDs    []GroupID

	IPMasks []string

	WeeklyAllotment int64
	HomeDir         string
	IdleTime        int
	Expires         *time.Time
	NumLogins       int

	Comment string
	Tagline string

	MaxDownSpeed int64
	MaxUpSpeed   int64
	MaxSimDown   int
	MaxSimUp     int

	LoggedIn  int
	LastLogin *time.Time
	Ratio     map[string]int
	Credits   map[string]int64

	Deleted  bool
	Modified int64
}

func (u *UserProfile) snapshot() UserSnapshot {
	s := UserSnapshot{
		ID:              u.ID,
		Name:            u.Name,
		Created:         u.Created,
		Creator:         u.Creator,
		Flags:           u.Flags,
		PrimaryGID:      u.PrimaryGID,
		SecondaryGIDs:   slices.Clone(u.SecondaryGIDs),
		IPMasks:         slices.Clone(u.IPMasks),
		WeeklyAllotment: u.WeeklyAllotment,
		HomeDir:         u.HomeDir,
		IdleTime:        u.IdleTime,
		NumLogins:       u.NumLogins,
		Comment:         u.Comment,
		Tagline:         u.Tagline,
		MaxDownSpeed:    u.MaxDownSpeed,
		MaxUpSpeed:      u.MaxUpSpeed,
		MaxSimDown:      u.MaxSimDown,
		MaxSimUp:        u.MaxSimUp,
		LoggedIn:        u.LoggedIn,
		Deleted:         u.Deleted,
		Modified:        u.Modified,
		Ratio:           make(map[string]int, len(u.Ratio)),
		Credits:         make(map[string]int64, len(u.Credits)),
	}
	for gid := range u.GadminGIDs {
		s.GadminGIDs = append(s.GadminGIDs, gid)
	}
	slices.Sort(s.GadminGIDs)
	for k, v := range u.Ratio {
		s.Ratio[k] = v
	}
	for k, v := range u.Credits {
		s.Credits[k] = v
	}
	if u.Expires != nil {
		e := *u.Expires
		s.Expires = &e
	}
	if u.LastLogin != nil {
		l := *u.LastLogin
		s.LastLogin = &l
	}
	return s
}

// CheckFlags reports whether every flag in want is set on the user.
func (s UserSnapshot) CheckFlags(want string) bool { return CheckFlags(s.Flags, want) }

// CheckFlag reports whether a single flag is set.
func (s UserSnapshot) CheckFlag(flag rune) bool { return CheckFlags(s.Flags, string(flag)) }

// HasGID reports primary or secondary membership in gid.
func (s UserSnapshot) HasGID(gid GroupID) bool {
	return s.PrimaryGID == gid || slices.Contains(s.SecondaryGIDs, gid)
}

// HasGadminGID reports whether the user administers gid.
func (s UserSnapshot) HasGadminGID(gid GroupID) bool {
	return slices.Contains(s.GadminGIDs, gid)
}

// SectionRatio returns the upload ratio for section, falling back to the
// default section. Zero means leech.
func (s UserSnapshot) SectionRatio(section string) int {
	if r, ok := s.Ratio[section]; ok {
		return r
	}
	return s.Ratio[""]
}

// SectionCredits returns the credit balance for section in kBytes.
func (s UserSnapshot) SectionCredits(section string) int64 { return s.Credits[section] }

// Expired reports whether the account expiry has passed.
func (s UserSnapshot) Expired(now time.Time) bool {
	return s.Expires != nil && now.After(*s.Expires)
}
