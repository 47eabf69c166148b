package lawbook

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const allowlistModel = `
[request_definition]
r = env, target

[policy_definition]
p = env, target

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.env == p.env && r.target == p.target
`

// Allowlist answers "may this environment's target be mutated". Policies
// come from the lawbook snapshot; an empty or absent snapshot denies
// everything.
type Allowlist struct {
	enforcer *casbin.Enforcer
}

// NewAllowlist builds the enforcer from a snapshot. Allowlist entries
// keyed by an unrecognized environment are a configuration error.
func NewAllowlist(snap *Snapshot) (*Allowlist, error) {
	m, err := model.NewModelFromString(allowlistModel)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		for env, targets := range snap.Doc.Allowlists {
			canon, err := CanonicalEnv(env)
			if err != nil {
				return nil, fmt.Errorf("allowlist env %q: %w", env, err)
			}
			for _, target := range targets {
				target = strings.TrimSpace(target)
				if target == "" {
					continue
				}
				if _, err := enforcer.AddPolicy(canon, target); err != nil {
					return nil, err
				}
			}
		}
	}
	return &Allowlist{enforcer: enforcer}, nil
}

// IsAllowed checks an env-scoped target such as "cluster/service" or
// "owner/repo". Deny-by-default: unknown environments, missing policies
// and enforcement errors all answer false.
func (a *Allowlist) IsAllowed(env, target string) bool {
	if a == nil || a.enforcer == nil {
		return false
	}
	canon, err := CanonicalEnv(env)
	if err != nil {
		return false
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	ok, err := a.enforcer.Enforce(canon, target)
	return err == nil && ok
}

// ResolveALB maps a load-balancer identifier to its cluster/service pair.
func (s *Snapshot) ResolveALB(alb string) (ALBMapping, bool) {
	if s == nil {
		return ALBMapping{}, false
	}
	alb = strings.TrimSpace(alb)
	for _, m := range s.Doc.ALBMappings {
		if strings.EqualFold(strings.TrimSpace(m.ALB), alb) {
			return m, true
		}
	}
	return ALBMapping{}, false
}
