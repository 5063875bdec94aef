package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Mutator applies schema-checked add, modify and delete operations. Writes
// are never retried: a timed-out mutation may have been applied, and
// replaying it risks duplicating the change.
type Mutator struct {
	pools  *Pools
	schema *SchemaCache
	search *SearchEngine
	logger hclog.Logger
}

func NewMutator(pools *Pools, schema *SchemaCache, search *SearchEngine, logger hclog.Logger) *Mutator {
	return &Mutator{
		pools:  pools,
		schema: schema,
		search: search,
		logger: logger.Named("mutate"),
	}
}

// Add creates the entry. Schema validation runs first; an entry that fails
// it is rejected without touching the directory.
func (m *Mutator) Add(ctx context.Context, cluster string, entry *Entry) (*OperationResult, error) {
	normDN, err := NormalizeDN(entry.DN)
	if err != nil {
		return nil, fmt.Errorf("invalid DN: %w", err)
	}

	violations, err := m.schema.Validate(ctx, cluster, entry)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return &OperationResult{
			Kind:       KindSchemaViolation,
			DN:         normDN,
			Message:    "entry does not satisfy the directory schema",
			Violations: violations,
		}, nil
	}

	req := ldap.NewAddRequest(normDN, nil)
	req.Attribute("objectClass", entry.ObjectClasses)
	for name, values := range entry.Attributes {
		if strings.EqualFold(name, "objectClass") {
			continue
		}
		req.Attribute(name, values)
	}

	pool, pc, err := m.poolConn(ctx, cluster)
	if err != nil {
		return nil, err
	}
	addErr := pc.conn.Add(req)
	pool.Release(pc, addErr)
	return m.outcome(cluster, normDN, "add", addErr), nil
}

// Modify applies the change list. The existing entry is fetched, the changes
// are projected onto it, and the projection is schema-validated before any
// modify request goes on the wire.
func (m *Mutator) Modify(ctx context.Context, cluster, dn string, changes []AttributeChange) (*OperationResult, error) {
	normDN, err := NormalizeDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN: %w", err)
	}

	existing, err := m.search.GetEntry(ctx, cluster, normDN)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return &OperationResult{
				Kind:    KindNotFound,
				DN:      normDN,
				Message: "entry does not exist",
			}, nil
		}
		return nil, err
	}

	projected, err := projectChanges(existing, changes)
	if err != nil {
		return nil, err
	}
	violations, err := m.schema.Validate(ctx, cluster, projected)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return &OperationResult{
			Kind:       KindSchemaViolation,
			DN:         normDN,
			Message:    "modified entry would not satisfy the directory schema",
			Violations: violations,
		}, nil
	}

	req := ldap.NewModifyRequest(normDN, nil)
	for _, change := range changes {
		switch change.Op {
		case ModifyAdd:
			req.Add(change.Attribute, change.Values)
		case ModifyReplace:
			req.Replace(change.Attribute, change.Values)
		case ModifyDelete:
			req.Delete(change.Attribute, change.Values)
		}
	}

	pool, pc, err := m.poolConn(ctx, cluster)
	if err != nil {
		return nil, err
	}
	modErr := pc.conn.Modify(req)
	pool.Release(pc, modErr)
	return m.outcome(cluster, normDN, "modify", modErr), nil
}

// Delete removes the entry. Deleting an entry that does not exist reports
// NotFound, so a repeated delete never reports success twice.
func (m *Mutator) Delete(ctx context.Context, cluster, dn string) (*OperationResult, error) {
	normDN, err := NormalizeDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN: %w", err)
	}

	pool, pc, err := m.poolConn(ctx, cluster)
	if err != nil {
		return nil, err
	}
	delErr := pc.conn.Del(ldap.NewDelRequest(normDN, nil))
	pool.Release(pc, delErr)
	return m.outcome(cluster, normDN, "delete", delErr), nil
}

// poolConn resolves the cluster's pool and acquires from it. The pool is
// returned so the release lands on the pool that handed out the connection;
// re-resolving by name after a configuration reload would adopt a
// stale-configured connection into the rebuilt pool.
func (m *Mutator) poolConn(ctx context.Context, cluster string) (*Pool, *PooledConnection, error) {
	pool, err := m.pools.ForCluster(cluster)
	if err != nil {
		return nil, nil, err
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pool, pc, nil
}

// outcome translates an operation error into a result. A server-side schema
// rejection means the cached schema is behind the directory, so the snapshot
// is marked stale for re-fetch on next use.
func (m *Mutator) outcome(cluster, dn, op string, opErr error) *OperationResult {
	if opErr == nil {
		m.logger.Info("mutation applied", "cluster", cluster, "dn", dn, "op", op)
		return &OperationResult{Kind: KindSuccess, DN: dn}
	}
	result := ResultFromError(dn, opErr)
	if result.Kind == KindSchemaViolation {
		m.schema.MarkStale(cluster)
	}
	m.logger.Warn("mutation rejected",
		"cluster", cluster, "dn", dn, "op", op, "kind", string(result.Kind))
	return result
}

// projectChanges applies the change list to a copy of the current entry so
// the result can be validated before transmission.
func projectChanges(existing *Entry, changes []AttributeChange) (*Entry, error) {
	projected := existing.Clone()
	for _, change := range changes {
		name := change.Attribute
		if strings.EqualFold(name, "objectClass") {
			switch change.Op {
			case ModifyReplace:
				projected.ObjectClasses = append([]string(nil), change.Values...)
			case ModifyAdd:
				projected.ObjectClasses = append(projected.ObjectClasses, change.Values...)
			case ModifyDelete:
				projected.ObjectClasses = removeValues(projected.ObjectClasses, change.Values)
			}
			continue
		}
		switch change.Op {
		case ModifyAdd:
			projected.Attributes[name] = append(projected.Attributes[name], change.Values...)
		case ModifyReplace:
			if len(change.Values) == 0 {
				delete(projected.Attributes, name)
			} else {
				projected.Attributes[name] = append([]string(nil), change.Values...)
			}
		case ModifyDelete:
			if len(change.Values) == 0 {
				delete(projected.Attributes, name)
			} else {
				remaining := removeValues(projected.Attributes[name], change.Values)
				if len(remaining) == 0 {
					delete(projected.Attributes, name)
				} else {
					projected.Attributes[name] = remaining
				}
			}
		default:
			return nil, fmt.Errorf("unsupported modify operation %q on %s", change.Op, name)
		}
	}
	return projected, nil
}

func removeValues(values, remove []string) []string {
	kept := values[:0:0]
	for _, v := range values {
		drop := false
		for _, r := range remove {
			if strings.EqualFold(v, r) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, v)
		}
	}
	return kept
}
