package ldap

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/dirfleet/dircp/internal/config"
)

// Conn is the subset of the go-ldap connection the control plane uses.
// *ldap.Conn satisfies it; tests substitute an in-memory fake.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	SetTimeout(d time.Duration)
	IsClosing() bool
	Close() error
}

// DialFunc opens an unauthenticated connection to a cluster endpoint.
type DialFunc func(ctx context.Context, cc *config.ClusterConfig) (Conn, error)

// ConnState tracks a pooled connection through its lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateInUse
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// PooledConnection is one live, authenticated session bound to exactly one
// cluster. A Broken connection is never returned to the pool.
type PooledConnection struct {
	conn     Conn
	state    ConnState
	lastUsed time.Time
	boundAt  time.Time
}

// Conn exposes the underlying connection for protocol calls.
func (pc *PooledConnection) Conn() Conn { return pc.conn }

// State returns the connection's current lifecycle state.
func (pc *PooledConnection) State() ConnState { return pc.state }

// LastUsed returns the time the connection last served an operation.
func (pc *PooledConnection) LastUsed() time.Time { return pc.lastUsed }

// Entry is a snapshot of one directory node: a DN, its object classes, and
// an attribute-name to value-set mapping. Mutating it client-side does not
// affect the server until a mutation call succeeds.
type Entry struct {
	DN            string              `json:"dn"`
	ObjectClasses []string            `json:"objectClasses"`
	Attributes    map[string][]string `json:"attributes"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := &Entry{
		DN:            e.DN,
		ObjectClasses: append([]string(nil), e.ObjectClasses...),
		Attributes:    make(map[string][]string, len(e.Attributes)),
	}
	for name, values := range e.Attributes {
		out.Attributes[name] = append([]string(nil), values...)
	}
	return out
}

// ModifyOp is the kind of one attribute change.
type ModifyOp string

const (
	ModifyAdd     ModifyOp = "add"
	ModifyReplace ModifyOp = "replace"
	ModifyDelete  ModifyOp = "delete"
)

// AttributeChange is one element of a modify change list.
type AttributeChange struct {
	Attribute string   `json:"attribute"`
	Op        ModifyOp `json:"op"`
	Values    []string `json:"values,omitempty"`
}

// Page is one page of a paged search, plus the cursor resuming the next
// page. An empty cursor means the chain is exhausted.
type Page struct {
	Entries []*Entry `json:"entries"`
	Cursor  string   `json:"cursor,omitempty"`
}

// PoolStats is a point-in-time view of one cluster's pool.
type PoolStats struct {
	Idle      int   `json:"idle"`
	InUse     int   `json:"in_use"`
	Capacity  int   `json:"capacity"`
	Created   int64 `json:"created"`
	Broken    int64 `json:"broken"`
	Reachable bool  `json:"reachable"`
}
