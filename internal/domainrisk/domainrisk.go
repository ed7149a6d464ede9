// Package domainrisk flags recipient domains whose mailboxes are
// throwaway by construction.
package domainrisk

import (
	_ "embed"
	"strings"
)

//go:embed disposable.txt
var rawDisposable string

var disposable = load(rawDisposable)

func load(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line != "" && !strings.HasPrefix(line, "#") {
			set[line] = struct{}{}
		}
	}
	return set
}

// IsDisposable reports whether domain or any parent domain is a known
// disposable provider ("x.mailinator.com" matches "mailinator.com").
func IsDisposable(domain string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	for d != "" {
		if _, ok := disposable[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			return false
		}
		d = d[i+1:]
	}
	return false
}
