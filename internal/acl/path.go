package acl

import (
	"strings"

	"github.com/tidwall/match"

	"github.com/gonzalop/ftpd/internal/ftperr"
)

// Capability names a per-path permission evaluated by FileAllowed.
type Capability string

const (
	// Hideowner hides uploader identity in dupe messages.
	Hideowner Capability = "hideowner"
	// Nostats excludes a path from section stats accounting.
	Nostats Capability = "nostats"
)

// PathRule grants a capability on paths matching Mask to users matching
// the Who ACL expression.
type PathRule struct {
	Mask string `yaml:"mask"`
	Who  string `yaml:"who"`
}

// FileAllowed reports whether any rule grants the capability for vpath.
// Rules are evaluated in order; the first rule whose mask matches the
// path decides by its Who expression.
func FileAllowed(user UserSnapshot, vpath string, rules []PathRule, groups GroupNamer) bool {
	for _, r := range rules {
		if !match.Match(vpath, r.Mask) {
			continue
		}
		return matchWho(user, r.Who, groups)
	}
	return false
}

// Filter validates an upload basename against the configured positive
// character class. An empty class admits everything.
func Filter(basename, allowedChars string) error {
	if allowedChars == "" {
		return nil
	}
	for _, c := range basename {
		if !strings.ContainsRune(allowedChars, c) {
			return ftperr.Validation("file name contains one or more invalid characters")
		}
	}
	return nil
}
