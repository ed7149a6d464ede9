// Package parse splits raw addresses into the parts the probe needs:
// a local part for RCPT TO and role detection, and an ASCII domain for
// DNS and SMTP.
package parse

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// Email is a parsed address.
type Email struct {
	Raw           string // trimmed input
	Local         string // part before the last @
	Domain        string // ASCII/Punycode, lowercase
	DomainUnicode string // display form
	Valid         bool
}

// Address is the canonical form used as RCPT TO argument and store key.
func (e Email) Address() string {
	if !e.Valid {
		return e.Raw
	}
	return e.Local + "@" + e.Domain
}

// Mailbox returns the lowercase local part without a +tag, used to match
// role accounts ("Postmaster+x" matches "postmaster").
func (e Email) Mailbox() string {
	local := strings.ToLower(strings.Trim(e.Local, `"`))
	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	return local
}

// IsRole reports whether the mailbox is one of roles.
func (e Email) IsRole(roles []string) bool {
	if !e.Valid {
		return false
	}
	box := e.Mailbox()
	for _, r := range roles {
		if strings.EqualFold(box, r) {
			return true
		}
	}
	return false
}

// NewEmail parses raw. Parsing never fails: Valid is false and Raw is set
// when raw is not an address. RFC 6531 local parts and IDNA2008 domains
// are accepted.
func NewEmail(raw string) Email {
	raw = strings.TrimSpace(raw)

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		addr, err = mail.ParseAddress("<" + raw + ">")
	}
	if err != nil {
		// net/mail rejects UTF-8 local parts; split on the last @ instead.
		at := strings.LastIndex(raw, "@")
		if at < 1 || at >= len(raw)-1 || strings.ContainsAny(raw, "\r\n\x00") {
			return Email{Raw: raw}
		}
		return build(raw, raw[:at], raw[at+1:])
	}

	at := strings.LastIndex(addr.Address, "@")
	if at < 1 || at >= len(addr.Address)-1 {
		return Email{Raw: raw}
	}
	return build(raw, addr.Address[:at], addr.Address[at+1:])
}

// Domain returns the ASCII form of the domain part of raw, or "" if raw
// has none. Cheaper than NewEmail for grouping work by domain.
func Domain(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 || at >= len(raw)-1 {
		return ""
	}
	ascii, _, ok := convertDomain(strings.ToLower(strings.TrimSpace(raw[at+1:])))
	if !ok {
		return ""
	}
	return ascii
}

func build(raw, local, domain string) Email {
	ascii, display, ok := convertDomain(strings.ToLower(domain))
	if !ok {
		return Email{Raw: raw}
	}
	return Email{
		Raw:           raw,
		Local:         local,
		Domain:        ascii,
		DomainUnicode: display,
		Valid:         true,
	}
}

// convertDomain returns the ASCII and Unicode forms of domain. Non-ASCII
// input that fails IDNA2008 validation is rejected.
func convertDomain(domain string) (ascii, display string, ok bool) {
	domain = strings.TrimSuffix(domain, ".")
	for _, r := range domain {
		if r > 127 {
			a, err := idna.Lookup.ToASCII(domain)
			if err != nil {
				return "", "", false
			}
			return a, domain, true
		}
	}
	u, err := idna.Display.ToUnicode(domain)
	if err != nil {
		u = domain
	}
	return domain, u, true
}
