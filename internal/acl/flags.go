package acl

import (
	"strings"

	"github.com/gonzalop/ftpd/internal/ftperr"
)

// Well-known flag characters. Flags are single alphanumeric characters;
// a user's flag string is an unordered set.
const (
	FlagSiteop = '1'
	FlagGadmin = '2'
	FlagExempt = 'E'
	FlagDeleted = '6'
)

// ValidFlags reports whether every character is an allowed flag.
func ValidFlags(flags string) error {
	for _, c := range flags {
		ok := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if !ok {
			return ftperr.Validation("invalid flag %q", string(c))
		}
	}
	return nil
}

// CheckFlags reports whether every flag in want is present in have.
func CheckFlags(have, want string) bool {
	for _, c := range want {
		if !strings.ContainsRune(have, c) {
			return false
		}
	}
	return true
}

// addFlags returns have with the flags in add merged in, preserving the
// order of first appearance.
func addFlags(have, add string) string {
	var b strings.Builder
	b.WriteString(have)
	for _, c := range add {
		if !strings.ContainsRune(b.String(), c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// delFlags returns have with every flag in del removed.
func delFlags(have, del string) string {
	var b strings.Builder
	for _, c := range have {
		if !strings.ContainsRune(del, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
