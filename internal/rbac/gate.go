// Package rbac decides whether a role may invoke a capability.
//
// The policy is compiled once into an immutable lookup table, so
// Authorize takes no locks and is safe for any number of concurrent turns.
package rbac

import (
	"fmt"
	"sort"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

const wildcard = "*"

// ReasonUnknownRole is returned for roles absent from the policy.
const ReasonUnknownRole = "unknown role"

// Policy is the on-disk role table:
//
//	roles:
//	  security: [retrieval, logs, web]
//	  sales: [retrieval, web]
//	  admin: ["*"]
type Policy struct {
	Roles map[string][]string `yaml:"roles" json:"roles"`
}

// DefaultPolicy only lets security and engineering query authentication logs.
func DefaultPolicy() Policy {
	return Policy{Roles: map[string][]string{
		"security":    {"retrieval", "logs", "web"},
		"engineering": {"retrieval", "logs", "web"},
		"sales":       {"retrieval", "web"},
		"support":     {"retrieval", "web"},
		"viewer":      {"retrieval"},
	}}
}

// LoadPolicy reads a policy file, falling back to DefaultPolicy when the
// path is empty or missing.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	found, err := config.LoadYAML(path, &p)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	if !found {
		return DefaultPolicy(), nil
	}
	return p, nil
}

// Gate is the compiled, read-only permission table.
type Gate struct {
	roles map[string]models.CapabilityFlags
}

// NewGate compiles p. Unknown capability names are rejected.
func NewGate(p Policy) (*Gate, error) {
	g := &Gate{roles: make(map[string]models.CapabilityFlags, len(p.Roles))}
	for role, caps := range p.Roles {
		var flags models.CapabilityFlags
		for _, name := range caps {
			if name == wildcard {
				flags = models.FlagsOf(models.AllCapabilities...)
				continue
			}
			c, err := models.ParseCapability(name)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role, err)
			}
			flags = flags.With(c)
		}
		g.roles[role] = flags
	}
	log.Info().Int("roles", len(g.roles)).Msg("Permission policy compiled")
	return g, nil
}

// Authorize decides whether role may invoke capability. Denial is a value,
// never an error.
func (g *Gate) Authorize(role string, capability models.Capability) models.PermissionDecision {
	d := models.PermissionDecision{Role: role, Capability: capability}
	flags, ok := g.roles[role]
	switch {
	case !ok:
		d.Reason = ReasonUnknownRole
	case !capability.Valid():
		d.Reason = fmt.Sprintf("unknown capability %q", capability)
	case !flags.Has(capability):
		d.Reason = fmt.Sprintf("permission denied: role %q may not use %s", role, capability.Label())
	default:
		d.Allowed = true
		d.Reason = "allowed"
	}
	return d
}

// Allowed lists the capabilities granted to role in declaration order.
func (g *Gate) Allowed(role string) []models.Capability {
	return g.roles[role].Capabilities()
}

// Roles returns the configured role names, sorted.
func (g *Gate) Roles() []string {
	out := make([]string, 0, len(g.roles))
	for r := range g.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
