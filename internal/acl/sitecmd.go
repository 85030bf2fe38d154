package acl

import "strings"

// SiteRule is one entry in the ordered SITE-command permission list.
// Who is an ACL expression: space-separated tokens, each "*" (anyone),
// "!..." (negated), "-user", "=group", or a flag string. First matching
// rule wins; no match means deny.
type SiteRule struct {
	Keyword string `yaml:"keyword"`
	Allow   bool   `yaml:"allow"`
	Who     string `yaml:"who"`
}

// GroupNamer resolves group ids to names for "=group" tokens.
type GroupNamer interface {
	GIDToName(gid GroupID) string
}

func matchWho(user UserSnapshot, who string, groups GroupNamer) bool {
	for _, tok := range strings.Fields(who) {
		want := true
		if strings.HasPrefix(tok, "!") {
			want = false
			tok = tok[1:]
		}
		var hit bool
		switch {
		case tok == "*":
			hit = true
		case strings.HasPrefix(tok, "-"):
			hit = user.Name == tok[1:]
		case strings.HasPrefix(tok, "="):
			name := tok[1:]
			hit = false
			if groups != nil {
				if user.PrimaryGID != NoGroupID && groups.GIDToName(user.PrimaryGID) == name {
					hit = true
				}
				for _, gid := range user.SecondaryGIDs {
					if groups.GIDToName(gid) == name {
						hit = true
						break
					}
				}
			}
		default:
			hit = user.CheckFlags(tok)
		}
		if hit {
			return want
		}
	}
	return false
}

// AllowSiteCmd evaluates the ordered rule list for one keyword against a
// user. Rules for other keywords are skipped ("*" covers every keyword);
// the first rule whose Who expression matches decides; the default is
// deny.
func AllowSiteCmd(user UserSnapshot, keyword string, rules []SiteRule, groups GroupNamer) bool {
	for _, r := range rules {
		if r.Keyword != "*" && !strings.EqualFold(r.Keyword, keyword) {
			continue
		}
		if matchWho(user, r.Who, groups) {
			return r.Allow
		}
	}
	return false
}
