package provider

import "strings"

// Allowlist restricts sign-in to specific emails or email domains.
type Allowlist struct {
	domains map[string]struct{}
	emails  map[string]struct{}
}

// NewAllowlist builds an Allowlist. Entries are matched case-insensitively.
func NewAllowlist(domains, emails []string) *Allowlist {
	return &Allowlist{
		domains: toSet(domains),
		emails:  toSet(emails),
	}
}

// Allows reports whether email may sign in. An empty allowlist allows everyone.
func (a *Allowlist) Allows(email string) bool {
	if a == nil || a.Empty() {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))

	if _, ok := a.emails[email]; ok {
		return true
	}

	_, domain, found := strings.Cut(email, "@")
	if !found || strings.Contains(domain, "@") {
		return false
	}
	_, ok := a.domains[domain]
	return ok
}

// Empty reports whether no restrictions are configured.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.domains) == 0 && len(a.emails) == 0)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
