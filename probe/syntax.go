package probe

import (
	"strings"
	"unicode"

	"github.com/optimode/verifyengine/internal/parse"
)

// CheckSyntax validates an address according to RFC 5321/5322 with
// RFC 6531 (SMTPUTF8) and IDNA2008 support. It returns "" when the
// address is well-formed, otherwise the reason it is not.
func CheckSyntax(email parse.Email) string {
	if strings.TrimSpace(email.Raw) == "" {
		return "empty email address"
	}
	// Line breaks would end the RCPT command early.
	if strings.ContainsAny(email.Raw, "\r\n\x00") || strings.ContainsAny(email.Local, "\r\n\x00") {
		return "address contains control character"
	}
	if !email.Valid {
		return "invalid email syntax"
	}

	// RFC 5321 length limits
	if len(email.Raw) > 254 {
		return "email address exceeds 254 characters"
	}
	if len(email.Local) > 64 {
		return "local part exceeds 64 characters"
	}

	// net/mail.ParseAddress strips quotes, so look at the raw input.
	if quoted, ok := quotedLocal(email.Raw); ok {
		if msg := validateQuotedLocal(quoted); msg != "" {
			return msg
		}
	} else if msg := validateLocal(email.Local); msg != "" {
		return msg
	}

	return validateDomain(email.DomainUnicode)
}

// quotedLocal returns the text between the quotes of a quoted local part.
func quotedLocal(raw string) (string, bool) {
	at := strings.LastIndex(raw, "@")
	if at < 2 {
		return "", false
	}
	local := raw[:at]
	if !strings.HasPrefix(local, `"`) || !strings.HasSuffix(local, `"`) {
		return "", false
	}
	return local[1 : len(local)-1], true
}

// validateQuotedLocal accepts RFC 5321 qtextSMTP and quoted-pairSMTP, plus
// non-ASCII text under RFC 6531.
func validateQuotedLocal(q string) string {
	if q == "" {
		return "quoted local part is empty"
	}
	escaped := false
	for _, ch := range q {
		switch {
		case escaped:
			if ch < 32 || ch > 126 {
				return "invalid quoted pair in local part"
			}
			escaped = false
		case ch == '\\':
			escaped = true
		case ch > 127:
			if unicode.IsControl(ch) {
				return "local part contains control character"
			}
		case ch == '"' || ch < 32 || ch == 127:
			return "local part contains invalid character in quoted string"
		}
	}
	if escaped {
		return "unterminated quoted pair in local part"
	}
	return ""
}

const localSpecials = "!#$%&'*+/=?^_`{|}~-."

func validateLocal(local string) string {
	if local == "" {
		return "local part is empty"
	}

	for _, ch := range local {
		switch {
		case ch > 127:
			if unicode.IsControl(ch) {
				return "local part contains control character"
			}
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case strings.ContainsRune(localSpecials, ch):
		default:
			return "local part contains invalid character: " + string(ch)
		}
	}

	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return "local part cannot start or end with a dot"
	}
	if strings.Contains(local, "..") {
		return "local part cannot contain consecutive dots"
	}
	return ""
}

func validateDomain(domain string) string {
	if domain == "" {
		return "domain is empty"
	}
	// Address literals cannot be resolved to an exchanger.
	if strings.HasPrefix(domain, "[") {
		return "address literals are not verifiable"
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "domain must have at least two labels"
	}
	for _, label := range labels {
		switch {
		case label == "":
			return "domain contains empty label"
		case len(label) > 63:
			return "domain label exceeds 63 characters"
		case strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-"):
			return "domain label cannot start or end with a hyphen"
		}
		for _, ch := range label {
			if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '-' {
				return "domain label contains invalid character: " + string(ch)
			}
		}
	}

	tld := labels[len(labels)-1]
	if strings.IndexFunc(tld, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return "TLD cannot be all digits"
	}
	return ""
}
