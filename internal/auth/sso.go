package auth

import (
	"fmt"
	"net/url"
	"strings"
)

// SSOAllowList validates SSO logout/redirect targets against a fixed set of
// exact origins, configured per tenant at deploy time. Unlike a CORS
// allow-list (which can tolerate wildcard subdomain patterns for browser
// calls), redirect targets here must match an allow-listed origin exactly:
// a redirect is a navigation an attacker can induce, so pattern matching
// would reopen the open-redirect hole the allow-list exists to close.
type SSOAllowList struct {
	originsByTenant map[string]map[string]bool
}

// NewSSOAllowList builds an allow-list from a tenant -> origins mapping.
// Origins are scheme+host[:port], e.g. "https://app.example.com".
func NewSSOAllowList(origins map[string][]string) *SSOAllowList {
	l := &SSOAllowList{originsByTenant: make(map[string]map[string]bool, len(origins))}
	for tenantID, list := range origins {
		set := make(map[string]bool, len(list))
		for _, o := range list {
			set[strings.TrimRight(o, "/")] = true
		}
		l.originsByTenant[tenantID] = set
	}
	return l
}

// Validate parses redirectURI and confirms its origin is on tenantID's
// allow-list, returning the parsed URL for the caller to redirect to.
func (l *SSOAllowList) Validate(tenantID, redirectURI string) (*url.URL, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("auth: redirect_uri is not an absolute URL")
	}
	origin := u.Scheme + "://" + u.Host
	set, ok := l.originsByTenant[tenantID]
	if !ok || !set[origin] {
		return nil, fmt.Errorf("auth: redirect_uri origin %q is not allow-listed for this tenant", origin)
	}
	return u, nil
}
