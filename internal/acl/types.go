// Package acl holds the account model: user and group profiles, the
// process-wide caches that own them, IP-mask evaluation, flag sets, and
// the permission checks used by SITE commands and the transfer engine.
package acl

import (
	"regexp"

	"github.com/gonzalop/ftpd/internal/ftperr"
)

// UserID identifies a user. NoUserID is the absent/sentinel value.
type UserID int32

// GroupID identifies a group. NoGroupID is the absent/sentinel value.
type GroupID int32

const (
	NoUserID  UserID  = -1
	NoGroupID GroupID = -1
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*$`)
	taglineRe = regexp.MustCompile(`^[\x20-\x7e]*$`)
)

// ValidateUsername enforces the account-name rules: 1-32 chars from
// [A-Za-z0-9_-], no leading digit.
func ValidateUsername(name string) error {
	if name == "" || len(name) > 32 {
		return ftperr.Validation("username must be between 1 and 32 characters")
	}
	if !nameRe.MatchString(name) {
		return ftperr.Validation("username contains invalid characters")
	}
	return nil
}

// ValidateGroupname applies the same rules as usernames.
func ValidateGroupname(name string) error {
	if name == "" || len(name) > 32 {
		return ftperr.Validation("groupname must be between 1 and 32 characters")
	}
	if !nameRe.MatchString(name) {
		return ftperr.Validation("groupname contains invalid characters")
	}
	return nil
}

// ValidateTagline rejects anything outside 7-bit printable, including CR/LF.
func ValidateTagline(tagline string) error {
	if !taglineRe.MatchString(tagline) {
		return ftperr.Validation("tagline contains invalid characters")
	}
	return nil
}
