package acl

import (
	"net"
	"strings"

	"github.com/tidwall/match"

	"github.com/gonzalop/ftpd/internal/ftperr"
)

// An IP mask is a glob of the form ident@host. The host portion may be a
// hostname glob, an IP glob, or a CIDR block. Masks are matched against
// connecting peers formatted the same way; an unknown ident is "*".

type ipMask struct {
	ident string
	host  string
}

func parseIPMask(mask string) (ipMask, error) {
	at := strings.IndexByte(mask, '@')
	if at < 0 {
		return ipMask{}, ftperr.Validation("mask %q must be of the form ident@host", mask)
	}
	m := ipMask{ident: mask[:at], host: mask[at+1:]}
	if m.ident == "" || m.host == "" {
		return ipMask{}, ftperr.Validation("mask %q must be of the form ident@host", mask)
	}
	return m, nil
}

func (m ipMask) String() string { return m.ident + "@" + m.host }

// matches tests a concrete ident@addr peer against the mask.
func (m ipMask) matches(identAddr string) bool {
	peer, err := parseIPMask(identAddr)
	if err != nil {
		return false
	}
	if !match.Match(peer.ident, m.ident) {
		return false
	}
	if _, cidr, err := net.ParseCIDR(m.host); err == nil {
		ip := net.ParseIP(peer.host)
		return ip != nil && cidr.Contains(ip)
	}
	return match.Match(peer.host, m.host)
}

// subsumes reports whether m renders other redundant: every peer other can
// match is also matched by m. Glob-on-glob containment is approximated by
// treating the narrower mask's components as literals, which covers the
// operator-visible cases (literal IPs and idents under a broader glob or
// CIDR).
func (m ipMask) subsumes(other ipMask) bool {
	if !match.Match(other.ident, m.ident) {
		return false
	}
	if _, cidr, err := net.ParseCIDR(m.host); err == nil {
		ip := net.ParseIP(other.host)
		return ip != nil && cidr.Contains(ip)
	}
	return match.Match(other.host, m.host)
}

// MaskMatch tests one mask against a concrete ident@addr peer string.
func MaskMatch(mask, identAddr string) bool {
	m, err := parseIPMask(mask)
	if err != nil {
		return false
	}
	return m.matches(identAddr)
}
