package auth

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirfleet/dircp/internal/config"
)

func testGate(principals ...*config.Principal) *Gate {
	registry := config.NewRegistryFromConfig(&config.Config{
		Clusters: []*config.ClusterConfig{
			{Name: "corp"},
			{Name: "lab"},
		},
		Principals: principals,
	})
	return NewGate(registry, hclog.NewNullLogger())
}

func TestLookupToken(t *testing.T) {
	gate := testGate(
		&config.Principal{Name: "ops", Token: "tok-ops"},
		&config.Principal{Name: "viewer", Token: "tok-viewer"},
	)

	p, ok := gate.LookupToken("tok-viewer")
	require.True(t, ok)
	assert.Equal(t, "viewer", p.Name)

	_, ok = gate.LookupToken("tok-stolen")
	assert.False(t, ok)

	_, ok = gate.LookupToken("")
	assert.False(t, ok)
}

func TestAllowed(t *testing.T) {
	ops := &config.Principal{
		Name:  "ops",
		Token: "tok-ops",
		Grants: map[string][]config.OperationKind{
			"*": {config.OpWrite},
		},
	}
	viewer := &config.Principal{
		Name:  "viewer",
		Token: "tok-viewer",
		Grants: map[string][]config.OperationKind{
			"corp": {config.OpRead},
		},
	}
	gate := testGate(ops, viewer)

	tests := []struct {
		name      string
		principal *config.Principal
		cluster   string
		op        config.OperationKind
		want      bool
	}{
		{"wildcard write grant", ops, "corp", config.OpWrite, true},
		{"wildcard covers every cluster", ops, "lab", config.OpWrite, true},
		{"write implies read", ops, "corp", config.OpRead, true},
		{"scoped read grant", viewer, "corp", config.OpRead, true},
		{"read does not imply write", viewer, "corp", config.OpWrite, false},
		{"no grant on other cluster", viewer, "lab", config.OpRead, false},
		{"nil principal", nil, "corp", config.OpRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gate.Allowed(tt.principal, tt.cluster, tt.op))
		})
	}
}
