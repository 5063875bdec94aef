// Package auth is the access-control gate in front of the directory
// engines. Authorization is decided from the configuration snapshot alone;
// a denied call never reaches a cluster.
package auth

import (
	"crypto/subtle"

	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/config"
)

// Gate checks caller privileges against the active configuration snapshot.
type Gate struct {
	registry *config.Registry
	logger   hclog.Logger
}

func NewGate(registry *config.Registry, logger hclog.Logger) *Gate {
	return &Gate{registry: registry, logger: logger.Named("auth")}
}

// LookupToken resolves a bearer token to its principal. Token comparison is
// constant-time.
func (g *Gate) LookupToken(token string) (*config.Principal, bool) {
	if token == "" {
		return nil, false
	}
	for _, p := range g.registry.Current().Principals {
		if subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) == 1 {
			return p, true
		}
	}
	return nil, false
}

// Allowed reports whether the principal may perform the operation kind on
// the cluster. A grant against cluster "*" applies everywhere. Write grants
// imply read.
func (g *Gate) Allowed(p *config.Principal, cluster string, op config.OperationKind) bool {
	if p == nil {
		return false
	}
	for _, key := range []string{cluster, "*"} {
		for _, granted := range p.Grants[key] {
			if granted == op || (op == config.OpRead && granted == config.OpWrite) {
				return true
			}
		}
	}
	g.logger.Debug("denied", "principal", p.Name, "cluster", cluster, "op", string(op))
	return false
}
