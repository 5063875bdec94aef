package ldap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// ObjectClass is one parsed object-class definition from the subschema.
type ObjectClass struct {
	OID   string
	Names []string
	Sup   []string
	Kind  string // ABSTRACT, STRUCTURAL or AUXILIARY
	Must  []string
	May   []string
}

// Name returns the class's primary name.
func (oc *ObjectClass) Name() string {
	if len(oc.Names) > 0 {
		return oc.Names[0]
	}
	return oc.OID
}

// AttributeType is one parsed attribute-type definition.
type AttributeType struct {
	OID         string
	Names       []string
	Sup         string
	SingleValue bool
	NoUserMod   bool
}

// Name returns the attribute type's primary name.
func (at *AttributeType) Name() string {
	if len(at.Names) > 0 {
		return at.Names[0]
	}
	return at.OID
}

// AttributeSchema is one cluster's parsed schema snapshot. It is never
// mutated in place; refresh builds a new snapshot and swaps it atomically.
type AttributeSchema struct {
	classes    map[string]*ObjectClass   // keyed by lowercased name/alias
	attributes map[string]*AttributeType // keyed by lowercased name/alias
	FetchedAt  time.Time
}

// Class looks up an object class by any of its names, case-insensitively.
func (s *AttributeSchema) Class(name string) (*ObjectClass, bool) {
	oc, ok := s.classes[strings.ToLower(name)]
	return oc, ok
}

// Attribute looks up an attribute type by any of its names.
func (s *AttributeSchema) Attribute(name string) (*AttributeType, bool) {
	at, ok := s.attributes[strings.ToLower(name)]
	return at, ok
}

// canonicalAttr maps an attribute name to its schema-primary spelling, or a
// lowercased form when the schema does not know it.
func (s *AttributeSchema) canonicalAttr(name string) string {
	if at, ok := s.Attribute(name); ok {
		return strings.ToLower(at.Name())
	}
	return strings.ToLower(name)
}

// Validate checks an entry against the snapshot: every required attribute of
// every object class must be present, every present attribute must be
// permitted by at least one class, and single-valued attributes may carry at
// most one value. Returns a structured violation list, not a boolean.
func (s *AttributeSchema) Validate(entry *Entry) []Violation {
	var violations []Violation

	if len(entry.ObjectClasses) == 0 {
		return []Violation{{
			Attribute: "objectClass",
			Reason:    "entry must carry at least one object class",
		}}
	}

	must := make(map[string]string) // canonical -> declared spelling
	may := make(map[string]bool)
	for _, className := range entry.ObjectClasses {
		resolved := s.resolveClassChain(className)
		if resolved == nil {
			violations = append(violations, Violation{
				Attribute: "objectClass",
				Reason:    fmt.Sprintf("object class %q is not defined in the directory schema", className),
			})
			continue
		}
		for _, oc := range resolved {
			for _, attr := range oc.Must {
				must[s.canonicalAttr(attr)] = attr
			}
			for _, attr := range oc.May {
				may[s.canonicalAttr(attr)] = true
			}
		}
	}

	present := make(map[string][]string, len(entry.Attributes)+1)
	// Object classes live on the entry itself, not in the attribute map.
	present[s.canonicalAttr("objectClass")] = entry.ObjectClasses
	for name, values := range entry.Attributes {
		present[s.canonicalAttr(name)] = values
	}

	for canonical, declared := range must {
		values, ok := present[canonical]
		if !ok || len(values) == 0 {
			violations = append(violations, Violation{
				Attribute: declared,
				Reason:    "required attribute is missing",
			})
		}
	}

	for name, values := range entry.Attributes {
		canonical := s.canonicalAttr(name)
		if canonical == "objectclass" {
			continue
		}
		if _, isMust := must[canonical]; !isMust && !may[canonical] {
			violations = append(violations, Violation{
				Attribute: name,
				Reason:    "attribute is not permitted by any of the entry's object classes",
			})
		}
		if at, ok := s.Attribute(name); ok && at.SingleValue && len(values) > 1 {
			violations = append(violations, Violation{
				Attribute: name,
				Reason:    "single-valued attribute carries more than one value",
			})
		}
	}

	return violations
}

// resolveClassChain walks a class and its superiors. Returns nil when the
// class itself is unknown; unknown superiors end the walk silently since the
// subschema may omit operational ancestors.
func (s *AttributeSchema) resolveClassChain(name string) []*ObjectClass {
	root, ok := s.Class(name)
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []*ObjectClass
	queue := []*ObjectClass{root}
	for len(queue) > 0 {
		oc := queue[0]
		queue = queue[1:]
		key := strings.ToLower(oc.Name())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, oc)
		for _, sup := range oc.Sup {
			if parent, ok := s.Class(sup); ok {
				queue = append(queue, parent)
			}
		}
	}
	return out
}

// SchemaCache discovers and caches each cluster's schema. Snapshots are
// read-mostly: refresh builds a complete replacement and swaps the pointer.
type SchemaCache struct {
	pools   *Pools
	logger  hclog.Logger
	refresh time.Duration

	mu    sync.Mutex
	snaps map[string]*atomic.Pointer[AttributeSchema]
	stale map[string]bool
}

// NewSchemaCache builds the cache. refresh is the periodic re-discovery
// interval used by Run.
func NewSchemaCache(pools *Pools, logger hclog.Logger, refresh time.Duration) *SchemaCache {
	return &SchemaCache{
		pools:   pools,
		logger:  logger.Named("schema"),
		refresh: refresh,
		snaps:   make(map[string]*atomic.Pointer[AttributeSchema]),
		stale:   make(map[string]bool),
	}
}

func (c *SchemaCache) slot(cluster string) *atomic.Pointer[AttributeSchema] {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.snaps[cluster]
	if !ok {
		p = &atomic.Pointer[AttributeSchema]{}
		c.snaps[cluster] = p
	}
	return p
}

// Snapshot returns the current schema for a cluster, nil if never fetched.
func (c *SchemaCache) Snapshot(cluster string) *AttributeSchema {
	return c.slot(cluster).Load()
}

// MarkStale flags a cluster's schema for re-discovery before its next use.
// Called after the directory rejects a write the local schema accepted: the
// server's schema may have changed out-of-band.
func (c *SchemaCache) MarkStale(cluster string) {
	c.mu.Lock()
	c.stale[cluster] = true
	c.mu.Unlock()
}

func (c *SchemaCache) isStale(cluster string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[cluster]
}

// Refresh queries the cluster's subschema subentry, parses the object-class
// and attribute-type definitions, and atomically replaces the snapshot.
func (c *SchemaCache) Refresh(ctx context.Context, cluster string) error {
	pool, err := c.pools.ForCluster(cluster)
	if err != nil {
		return err
	}

	var snap *AttributeSchema
	err = retryRead(ctx, pool.cfg, func() error {
		pc, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		var opErr error
		defer func() { pool.Release(pc, opErr) }()

		subschemaDN, err := discoverSubschemaDN(pc.Conn())
		if err != nil {
			opErr = err
			return err
		}

		req := ldap.NewSearchRequest(
			subschemaDN,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			0, 0, false,
			"(objectClass=subschema)",
			[]string{"objectClasses", "attributeTypes"},
			nil,
		)
		result, err := pc.Conn().Search(req)
		if err != nil {
			opErr = err
			return err
		}
		if len(result.Entries) == 0 {
			return NewResultError(KindUnavailable, "",
				fmt.Sprintf("cluster %s exposes no subschema at %s", cluster, subschemaDN), nil)
		}

		entry := result.Entries[0]
		snap = buildSchema(
			entry.GetAttributeValues("objectClasses"),
			entry.GetAttributeValues("attributeTypes"),
		)
		return nil
	})
	if err != nil {
		return err
	}

	c.slot(cluster).Store(snap)
	c.mu.Lock()
	delete(c.stale, cluster)
	c.mu.Unlock()

	c.logger.Debug("schema refreshed",
		"cluster", cluster,
		"object_classes", len(snap.classes),
		"attribute_types", len(snap.attributes))
	return nil
}

// Validate ensures a current snapshot exists and checks the entry against
// it. A missing or stale snapshot triggers a refresh first.
func (c *SchemaCache) Validate(ctx context.Context, cluster string, entry *Entry) ([]Violation, error) {
	if c.Snapshot(cluster) == nil || c.isStale(cluster) {
		if err := c.Refresh(ctx, cluster); err != nil {
			return nil, err
		}
	}
	return c.Snapshot(cluster).Validate(entry), nil
}

// Run refreshes every configured cluster on a fixed interval until the
// context is cancelled.
func (c *SchemaCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cc := range c.pools.registry.ListClusters() {
				if err := c.Refresh(ctx, cc.Name); err != nil {
					c.logger.Warn("periodic schema refresh failed",
						"cluster", cc.Name, "error", err.Error())
				}
			}
		}
	}
}

// discoverSubschemaDN reads the root DSE for the subschema subentry DN.
func discoverSubschemaDN(conn Conn) (string, error) {
	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"subschemaSubentry"},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return "", err
	}
	if len(result.Entries) > 0 {
		if dn := result.Entries[0].GetAttributeValue("subschemaSubentry"); dn != "" {
			return dn, nil
		}
	}
	// OpenLDAP's conventional location.
	return "cn=Subschema", nil
}

// buildSchema parses raw definitions into a snapshot. Unparseable
// definitions are skipped; a directory with exotic syntax extensions should
// not make the whole cluster unusable.
func buildSchema(objectClasses, attributeTypes []string) *AttributeSchema {
	snap := &AttributeSchema{
		classes:    make(map[string]*ObjectClass, len(objectClasses)),
		attributes: make(map[string]*AttributeType, len(attributeTypes)),
		FetchedAt:  time.Now(),
	}
	for _, def := range attributeTypes {
		at, err := parseAttributeType(def)
		if err != nil {
			continue
		}
		for _, name := range at.Names {
			snap.attributes[strings.ToLower(name)] = at
		}
		snap.attributes[strings.ToLower(at.OID)] = at
	}
	for _, def := range objectClasses {
		oc, err := parseObjectClass(def)
		if err != nil {
			continue
		}
		for _, name := range oc.Names {
			snap.classes[strings.ToLower(name)] = oc
		}
		snap.classes[strings.ToLower(oc.OID)] = oc
	}
	return snap
}

// parseObjectClass parses one RFC 4512 object-class definition, e.g.
//
//	( 2.5.6.6 NAME 'person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY ( ... ) )
func parseObjectClass(def string) (*ObjectClass, error) {
	tokens, err := tokenizeDefinition(def)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty object class definition")
	}

	oc := &ObjectClass{OID: tokens[0], Kind: "STRUCTURAL"}
	i := 1
	for i < len(tokens) {
		switch strings.ToUpper(tokens[i]) {
		case "NAME":
			oc.Names, i = parseNameList(tokens, i+1)
		case "SUP":
			oc.Sup, i = parseOIDList(tokens, i+1)
		case "MUST":
			oc.Must, i = parseOIDList(tokens, i+1)
		case "MAY":
			oc.May, i = parseOIDList(tokens, i+1)
		case "ABSTRACT", "STRUCTURAL", "AUXILIARY":
			oc.Kind = strings.ToUpper(tokens[i])
			i++
		case "DESC":
			i += 2 // keyword plus quoted string
		case "OBSOLETE":
			i++
		default:
			i++
		}
	}
	if len(oc.Names) == 0 && oc.OID == "" {
		return nil, fmt.Errorf("object class definition has no identity")
	}
	return oc, nil
}

// parseAttributeType parses one RFC 4512 attribute-type definition, e.g.
//
//	( 2.5.4.4 NAME ( 'sn' 'surname' ) SUP name SINGLE-VALUE )
func parseAttributeType(def string) (*AttributeType, error) {
	tokens, err := tokenizeDefinition(def)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty attribute type definition")
	}

	at := &AttributeType{OID: tokens[0]}
	i := 1
	for i < len(tokens) {
		switch strings.ToUpper(tokens[i]) {
		case "NAME":
			at.Names, i = parseNameList(tokens, i+1)
		case "SUP":
			if i+1 < len(tokens) {
				at.Sup = tokens[i+1]
			}
			i += 2
		case "SINGLE-VALUE":
			at.SingleValue = true
			i++
		case "NO-USER-MODIFICATION":
			at.NoUserMod = true
			i++
		case "DESC", "EQUALITY", "ORDERING", "SUBSTR", "SYNTAX", "USAGE":
			i += 2
		case "OBSOLETE", "COLLECTIVE":
			i++
		default:
			i++
		}
	}
	if len(at.Names) == 0 && at.OID == "" {
		return nil, fmt.Errorf("attribute type definition has no identity")
	}
	return at, nil
}

// parseNameList consumes either one quoted name or a parenthesized list of
// quoted names, returning the names and the next token index.
func parseNameList(tokens []string, i int) ([]string, int) {
	if i >= len(tokens) {
		return nil, i
	}
	if tokens[i] != "(" {
		return []string{tokens[i]}, i + 1
	}
	var names []string
	i++
	for i < len(tokens) && tokens[i] != ")" {
		names = append(names, tokens[i])
		i++
	}
	return names, i + 1
}

// parseOIDList consumes either one OID or a parenthesized $-separated list.
func parseOIDList(tokens []string, i int) ([]string, int) {
	if i >= len(tokens) {
		return nil, i
	}
	if tokens[i] != "(" {
		return []string{tokens[i]}, i + 1
	}
	var oids []string
	i++
	for i < len(tokens) && tokens[i] != ")" {
		if tokens[i] != "$" {
			oids = append(oids, tokens[i])
		}
		i++
	}
	return oids, i + 1
}

// tokenizeDefinition splits a schema definition into tokens: bare words,
// quoted strings (quotes stripped), parentheses and dollar signs. The outer
// wrapping parentheses are dropped.
func tokenizeDefinition(def string) ([]string, error) {
	def = strings.TrimSpace(def)
	if strings.HasPrefix(def, "(") && strings.HasSuffix(def, ")") {
		def = strings.TrimSpace(def[1 : len(def)-1])
	}

	var tokens []string
	i := 0
	for i < len(def) {
		switch {
		case def[i] == ' ' || def[i] == '\t':
			i++
		case def[i] == '(' || def[i] == ')' || def[i] == '$':
			tokens = append(tokens, string(def[i]))
			i++
		case def[i] == '\'':
			end := strings.IndexByte(def[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted string in definition")
			}
			tokens = append(tokens, def[i+1:i+1+end])
			i += end + 2
		default:
			start := i
			for i < len(def) && !strings.ContainsRune(" \t()$'", rune(def[i])) {
				i++
			}
			tokens = append(tokens, def[start:i])
		}
	}
	return tokens, nil
}
