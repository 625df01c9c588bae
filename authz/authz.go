// Package authz decides whether a resolved identity may access a resource.
// The policy is default-deny in the authentication sense: any resource
// without an explicit rule requires an authenticated identity. Decisions
// are computed per request and never persisted.
package authz

import (
	"strings"

	"github.com/ggoodman/authgate-go/auth"
)

// Decision is the tri-state outcome of a policy evaluation.
type Decision int

const (
	// Allow admits the request to the protected handler.
	Allow Decision = iota
	// Deny rejects the request outright; it is terminal and must not
	// trigger a login redirect.
	Deny
	// Challenge means no valid identity is present and the caller should
	// be sent into the login flow. It is not an error.
	Challenge
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Challenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// rule is a resource-prefix rule. Exactly one of anonymous or a claim
// requirement is set.
type rule struct {
	prefix    string
	anonymous bool
	claim     string
	value     string
}

// Option adds a rule to a Policy under construction.
type Option func(*Policy)

// AllowAnonymous exempts resources under prefix from the authentication
// requirement (home pages, health checks, static assets).
func AllowAnonymous(prefix string) Option {
	return func(p *Policy) {
		p.rules = append(p.rules, rule{prefix: prefix, anonymous: true})
	}
}

// RequireClaim requires authenticated callers of resources under prefix to
// carry the given claim with the given value. Identities lacking it are
// denied, not challenged: re-authenticating would not help.
func RequireClaim(prefix, claim, value string) Option {
	return func(p *Policy) {
		p.rules = append(p.rules, rule{prefix: prefix, claim: claim, value: value})
	}
}

// Policy evaluates access decisions. The zero value (no rules) requires
// authentication everywhere, which is the fallback policy.
type Policy struct {
	rules []rule
}

// New builds a Policy from the given rules.
func New(opts ...Option) *Policy {
	p := &Policy{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide evaluates the policy for a resource. identity is nil when no
// valid identity was resolved for the request.
func (p *Policy) Decide(identity *auth.Identity, resource string) Decision {
	r := p.match(resource)

	if r != nil && r.anonymous {
		return Allow
	}
	if identity == nil {
		return Challenge
	}
	if r == nil {
		// Fallback policy: authenticated is sufficient.
		return Allow
	}
	if v, ok := identity.Claim(r.claim); ok && v == r.value {
		return Allow
	}
	return Deny
}

// match returns the most specific (longest-prefix) rule covering resource,
// or nil when no rule applies.
func (p *Policy) match(resource string) *rule {
	var best *rule
	for i := range p.rules {
		r := &p.rules[i]
		if !prefixMatch(r.prefix, resource) {
			continue
		}
		if best == nil || len(r.prefix) > len(best.prefix) {
			best = r
		}
	}
	return best
}

// prefixMatch matches on path-segment boundaries so a rule for "/admin"
// does not cover "/administrator".
func prefixMatch(prefix, resource string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return resource == prefix || strings.HasPrefix(resource, prefix+"/")
}
