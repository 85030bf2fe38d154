package acl

import "time"

// GroupProfile is the mutable group record, owned by the GroupCache.
// Membership is stored on the user side.
type GroupProfile struct {
	ID          GroupID `json:"id"`
	Name        string  `json:"name"`
	Flags       string  `json:"flags"`
	Comment     string  `json:"comment"`
	Description string  `json:"description"`
	Slots       int     `json:"slots"`
	Deleted     bool    `json:"deleted"`
	Modified    int64   `json:"modified"`
}

func newGroupProfile(id GroupID, name string) *GroupProfile {
	g := &GroupProfile{ID: id, Name: name, Slots: -1}
	g.touch()
	return g
}

func (g *GroupProfile) touch() {
	now := time.Now().UTC().UnixMicro()
	if now <= g.Modified {
		now = g.Modified + 1
	}
	g.Modified = now
}

// GroupSnapshot is an immutable value copy of a group record.
type GroupSnapshot struct {
	ID          GroupID
	Name        string
	Flags       string
	Comment     string
	Description string
	Slots       int
	Deleted     bool
	Modified    int64
}

func (g *GroupProfile) snapshot() GroupSnapshot {
	return GroupSnapshot{
		ID:          g.ID,
		Name:        g.Name,
		Flags:       g.Flags,
		Comment:     g.Comment,
		Description: g.Description,
		Slots:       g.Slots,
		Deleted:     g.Deleted,
		Modified:    g.Modified,
	}
}

// CheckFlags reports whether every flag in want is set on the group.
func (g GroupSnapshot) CheckFlags(want string) bool { return CheckFlags(g.Flags, want) }
