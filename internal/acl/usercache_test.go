package acl

import (
	"slices"
	"testing"

	"github.com/gonzalop/ftpd/internal/store"
)

func newTestUserCache(t *testing.T) *UserCache {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	c := NewUserCache(store.NewProxy(db, "users"))
	// Initialize on an empty store creates the default siteop; that is
	// exercised separately.
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInitializeCreatesDefaultSiteop(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if !c.Exists("sitegod") {
		t.Fatal("default siteop not created")
	}
	u, err := c.User("sitegod")
	if err != nil {
		t.Fatal(err)
	}
	if !u.CheckFlag(FlagSiteop) {
		t.Errorf("default user flags = %q, want siteop flag", u.Flags)
	}
	if !c.IdentIPAllowed(u.ID, "*@10.0.0.1") {
		t.Error("default user should accept any address")
	}
}

func TestCreateDeletePurgeReadd(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)

	snap, err := c.Create("alice", "secret", "3", NoUserID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID == NoUserID {
		t.Fatal("no uid assigned")
	}
	if !c.Exists("alice") {
		t.Fatal("created user should exist")
	}

	if _, err := c.Create("alice", "other", "", NoUserID); err == nil {
		t.Error("duplicate create should fail")
	}

	if err := c.Delete("alice"); err != nil {
		t.Fatal(err)
	}
	if c.Exists("alice") {
		t.Error("deleted user should not count as existing")
	}
	if !c.ExistsUID(snap.ID) {
		t.Error("deleted user should retain its record until purge")
	}

	// A deleted user blocks re-creation under the same name.
	if _, err := c.Create("alice", "x", "", NoUserID); err == nil {
		t.Error("create over deleted name should fail")
	}

	if err := c.Readd("alice"); err != nil {
		t.Fatal(err)
	}
	if !c.Exists("alice") {
		t.Error("readded user should exist")
	}

	// Purge requires a prior delete.
	if err := c.Purge("alice"); err == nil {
		t.Error("purge of a live user should fail")
	}
	if err := c.Delete("alice"); err != nil {
		t.Fatal(err)
	}
	if err := c.Purge("alice"); err != nil {
		t.Fatal(err)
	}
	if c.ExistsUID(snap.ID) {
		t.Error("purged user should be gone")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("bob", "hunter2", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	if !c.VerifyPassword("bob", "hunter2") {
		t.Error("correct password rejected")
	}
	if c.VerifyPassword("bob", "hunter3") {
		t.Error("wrong password accepted")
	}
	if err := c.SetPassword("bob", "correct horse"); err != nil {
		t.Fatal(err)
	}
	if c.VerifyPassword("bob", "hunter2") {
		t.Error("old password still accepted after change")
	}
	if !c.VerifyPassword("bob", "correct horse") {
		t.Error("new password rejected")
	}
}

func TestCheckFlagsSubset(t *testing.T) {
	t.Parallel()
	u := UserSnapshot{Flags: "1A3V"}
	if !u.CheckFlags("1V") {
		t.Error(`CheckFlags("1V") on "1A3V" should be true`)
	}
	if u.CheckFlags("G") {
		t.Error(`CheckFlags("G") on "1A3V" should be false`)
	}
	if !u.CheckFlags("") {
		t.Error("empty flag subset should always match")
	}
}

func TestFlagMutations(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("carol", "pw", "1", NoUserID); err != nil {
		t.Fatal(err)
	}
	if err := c.AddFlags("carol", "A3"); err != nil {
		t.Fatal(err)
	}
	u, _ := c.User("carol")
	if u.Flags != "1A3" {
		t.Errorf("flags = %q, want 1A3", u.Flags)
	}
	if err := c.AddFlags("carol", "A"); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("carol")
	if u.Flags != "1A3" {
		t.Errorf("adding an existing flag should not duplicate, got %q", u.Flags)
	}
	if err := c.DelFlags("carol", "1"); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("carol")
	if u.Flags != "A3" {
		t.Errorf("flags = %q, want A3", u.Flags)
	}
	if err := c.SetFlags("carol", "Z"); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("carol")
	if u.Flags != "Z" {
		t.Errorf("flags = %q, want Z", u.Flags)
	}
	if err := c.SetFlags("carol", "!@"); err == nil {
		t.Error("non-alphanumeric flags should be rejected")
	}
}

func TestGroupMembershipInvariant(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("dave", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}

	// First group becomes primary.
	if err := c.AddGID("dave", 10); err != nil {
		t.Fatal(err)
	}
	u, _ := c.User("dave")
	if u.PrimaryGID != 10 || len(u.SecondaryGIDs) != 0 {
		t.Fatalf("primary = %d secondaries = %v", u.PrimaryGID, u.SecondaryGIDs)
	}

	if err := c.AddGID("dave", 20); err != nil {
		t.Fatal(err)
	}
	if err := c.AddGID("dave", 20); err == nil {
		t.Error("duplicate membership should fail")
	}

	// Promoting a secondary keeps the sets disjoint.
	oldGID, err := c.SetPrimaryGID("dave", 20)
	if err != nil {
		t.Fatal(err)
	}
	if oldGID != 10 {
		t.Errorf("oldGID = %d, want 10", oldGID)
	}
	u, _ = c.User("dave")
	if u.PrimaryGID != 20 {
		t.Errorf("primary = %d, want 20", u.PrimaryGID)
	}
	if slices.Contains(u.SecondaryGIDs, u.PrimaryGID) {
		t.Error("primary must not appear among secondaries")
	}
	if !slices.Contains(u.SecondaryGIDs, 10) {
		t.Error("previous primary should be retained as secondary")
	}

	// Removing the primary promotes a secondary.
	if err := c.DelGID("dave", 20); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("dave")
	if u.PrimaryGID != 10 {
		t.Errorf("primary after removal = %d, want 10", u.PrimaryGID)
	}

	if err := c.ResetGIDs("dave"); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("dave")
	if u.PrimaryGID != NoGroupID || len(u.SecondaryGIDs) != 0 {
		t.Error("reset should clear all membership")
	}
}

func TestSetPrimaryGIDNoPriorGroup(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("erin", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	oldGID, err := c.SetPrimaryGID("erin", 7)
	if err != nil {
		t.Fatal(err)
	}
	if oldGID != NoGroupID {
		t.Errorf("oldGID = %d, want NoGroupID when the user had no primary", oldGID)
	}
}

func TestToggleGadminGID(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("frank", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	added, err := c.ToggleGadminGID("frank", 5)
	if err != nil || !added {
		t.Fatalf("first toggle: added=%v err=%v", added, err)
	}
	u, _ := c.User("frank")
	if !u.HasGadminGID(5) {
		t.Error("gadmin gid not recorded")
	}
	added, err = c.ToggleGadminGID("frank", 5)
	if err != nil || added {
		t.Fatalf("second toggle: added=%v err=%v", added, err)
	}
	u, _ = c.User("frank")
	if u.HasGadminGID(5) {
		t.Error("gadmin gid should have been removed")
	}
}

func TestNameUIDRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	for _, name := range []string{"u1", "u2", "u3"} {
		if _, err := c.Create(name, "pw", "", NoUserID); err != nil {
			t.Fatal(err)
		}
	}
	for _, u := range c.Users() {
		if got := c.NameToUID(c.UIDToName(u.ID)); got != u.ID {
			t.Errorf("NameToUID(UIDToName(%d)) = %d", u.ID, got)
		}
	}
	if c.NameToUID("nobody") != NoUserID {
		t.Error("unknown name should resolve to NoUserID")
	}
}

func TestRename(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	snap, err := c.Create("old", "pw", "", NoUserID)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Rename("old", "new"); err != nil {
		t.Fatal(err)
	}
	if c.Exists("old") || !c.Exists("new") {
		t.Error("rename did not move the name index")
	}
	if c.NameToUID("new") != snap.ID {
		t.Error("rename must not change the uid")
	}
}

func TestIPMasks(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("bob", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}

	if _, err := c.AddIPMask("bob", "*@192.168.1.5"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddIPMask("bob", "*@192.168.1.5"); err == nil {
		t.Error("duplicate mask should be rejected")
	}

	// A broader CIDR mask subsumes the literal IP.
	redundant, err := c.AddIPMask("bob", "*@192.168.1.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(redundant, "*@192.168.1.5") {
		t.Errorf("redundant = %v, want to contain *@192.168.1.5", redundant)
	}
	masks, err := c.ListIPMasks("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(masks, "*@192.168.1.0/24") || slices.Contains(masks, "*@192.168.1.5") {
		t.Errorf("masks = %v", masks)
	}

	uid := c.NameToUID("bob")
	if !c.IdentIPAllowed(uid, "ident@192.168.1.77") {
		t.Error("address inside the CIDR should be allowed")
	}
	if c.IdentIPAllowed(uid, "ident@10.0.0.1") {
		t.Error("address outside the CIDR should be refused")
	}
	if !c.IPAllowed("someone@192.168.1.200") {
		t.Error("IPAllowed should consider all users' masks")
	}

	// Deletion by 1-based index round-trips.
	deleted, err := c.DelIPMask("bob", 1)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != "*@192.168.1.0/24" {
		t.Errorf("deleted = %q", deleted)
	}
	if c.IdentIPAllowed(uid, "ident@192.168.1.77") {
		t.Error("mask submap should be refreshed after deletion")
	}
	if _, err := c.DelIPMask("bob", 1); err == nil {
		t.Error("index out of range should fail")
	}
}

func TestIdentMaskMatching(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("gina", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddIPMask("gina", "ftp@10.1.*"); err != nil {
		t.Fatal(err)
	}
	uid := c.NameToUID("gina")
	if !c.IdentIPAllowed(uid, "ftp@10.1.2.3") {
		t.Error("matching ident and host glob should be allowed")
	}
	if c.IdentIPAllowed(uid, "other@10.1.2.3") {
		t.Error("explicit ident must match")
	}
	if c.IdentIPAllowed(uid, "ftp@10.2.0.1") {
		t.Error("host glob must match")
	}
}

func TestCredits(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	snap, err := c.Create("heidi", "pw", "", NoUserID)
	if err != nil {
		t.Fatal(err)
	}
	uid := snap.ID

	if err := c.IncrCredits(uid, "", 1000); err != nil {
		t.Fatal(err)
	}
	u, _ := c.User("heidi")
	if u.SectionCredits("") != 1000 {
		t.Fatalf("credits = %d, want 1000", u.SectionCredits(""))
	}

	// Non-forced decrement never goes negative.
	ok, err := c.DecrCredits(uid, "", 1500, false)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("overdraft should have been refused")
	}
	u, _ = c.User("heidi")
	if u.SectionCredits("") != 1000 {
		t.Error("refused decrement must not change the balance")
	}

	ok, err = c.DecrCredits(uid, "", 400, false)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	u, _ = c.User("heidi")
	if u.SectionCredits("") != 600 {
		t.Errorf("credits = %d, want 600", u.SectionCredits(""))
	}

	// Forced decrement may go negative.
	if _, err := c.DecrCredits(uid, "", 1000, true); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("heidi")
	if u.SectionCredits("") != -400 {
		t.Errorf("credits = %d, want -400", u.SectionCredits(""))
	}

	// Section buckets are independent.
	if err := c.IncrCredits(uid, "APPS", 50); err != nil {
		t.Fatal(err)
	}
	u, _ = c.User("heidi")
	if u.SectionCredits("APPS") != 50 || u.SectionCredits("") != -400 {
		t.Error("section credits must not leak across buckets")
	}
}

func TestModifiedMonotonic(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("ivan", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	var last int64
	for i := 0; i < 10; i++ {
		if err := c.AddFlags("ivan", "A"); err != nil {
			t.Fatal(err)
		}
		if err := c.DelFlags("ivan", "A"); err != nil {
			t.Fatal(err)
		}
		u, _ := c.User("ivan")
		if u.Modified <= last {
			t.Fatalf("modified did not advance: %d -> %d", last, u.Modified)
		}
		last = u.Modified
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("judy", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddIPMask("judy", "*@1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	snap, _ := c.User("judy")
	snap.IPMasks[0] = "tampered"
	snap.Credits[""] = 999999

	fresh, _ := c.User("judy")
	if fresh.IPMasks[0] != "*@1.2.3.4" || fresh.Credits[""] != 0 {
		t.Error("mutating a snapshot must not affect the cache")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	if _, err := c.Create("", "pw", "", NoUserID); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := c.Create("9starts-with-digit", "pw", "", NoUserID); err == nil {
		t.Error("leading digit should be rejected")
	}
	if _, err := c.Create("has space", "pw", "", NoUserID); err == nil {
		t.Error("space should be rejected")
	}
	if _, err := c.Create("this-name-is-far-too-long-to-be-acceptable", "pw", "", NoUserID); err == nil {
		t.Error("overlong name should be rejected")
	}
	if _, err := c.Create("fine_name-1", "pw", "", NoUserID); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}

	if err := ValidateTagline("all printable :)"); err != nil {
		t.Errorf("printable tagline rejected: %v", err)
	}
	if err := ValidateTagline("has\r\nnewline"); err == nil {
		t.Error("CR/LF in tagline should be rejected")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	proxy := store.NewProxy(db, "users")

	first := NewUserCache(proxy)
	if err := first.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Create("mallory", "pw", "3A", NoUserID); err != nil {
		t.Fatal(err)
	}
	if _, err := first.AddIPMask("mallory", "*@10.*"); err != nil {
		t.Fatal(err)
	}
	if err := first.AddGID("mallory", 4); err != nil {
		t.Fatal(err)
	}
	if err := first.AddGID("mallory", 9); err != nil {
		t.Fatal(err)
	}
	if _, err := first.ToggleGadminGID("mallory", 9); err != nil {
		t.Fatal(err)
	}
	uid := first.NameToUID("mallory")
	if err := first.IncrCredits(uid, "APPS", 123); err != nil {
		t.Fatal(err)
	}
	want, _ := first.User("mallory")

	// A fresh cache over the same store sees an equal profile.
	second := NewUserCache(proxy)
	if err := second.Initialize(); err != nil {
		t.Fatal(err)
	}
	got, err := second.User("mallory")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Name != want.Name || got.Flags != want.Flags ||
		got.PrimaryGID != want.PrimaryGID ||
		!slices.Equal(got.SecondaryGIDs, want.SecondaryGIDs) ||
		!slices.Equal(got.GadminGIDs, want.GadminGIDs) ||
		!slices.Equal(got.IPMasks, want.IPMasks) ||
		got.Credits["APPS"] != want.Credits["APPS"] ||
		got.Modified != want.Modified {
		t.Errorf("reloaded profile differs:\n got %+v\nwant %+v", got, want)
	}
	if !second.VerifyPassword("mallory", "pw") {
		t.Error("credentials must survive a reload")
	}
	if !second.IdentIPAllowed(got.ID, "*@10.1.1.1") {
		t.Error("ip masks must be rebuilt on load")
	}
}

func TestCountAndLogin(t *testing.T) {
	t.Parallel()
	c := newTestUserCache(t)
	base := c.Count(false)
	if _, err := c.Create("kate", "pw", "", NoUserID); err != nil {
		t.Fatal(err)
	}
	if c.Count(false) != base+1 {
		t.Error("count should grow on create")
	}
	if err := c.Delete("kate"); err != nil {
		t.Fatal(err)
	}
	if c.Count(false) != base {
		t.Error("live count should drop on delete")
	}
	if c.Count(true) != base+1 {
		t.Error("includeDeleted count should retain the record")
	}

	uid := c.NameToUID("kate")
	if err := c.Readd("kate"); err != nil {
		t.Fatal(err)
	}
	if err := c.IncrLoggedIn(uid); err != nil {
		t.Fatal(err)
	}
	u, _ := c.User("kate")
	if u.LoggedIn != 1 || u.LastLogin == nil {
		t.Error("login counter or timestamp not recorded")
	}
}
