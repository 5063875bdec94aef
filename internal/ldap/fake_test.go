package ldap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/config"
)

// fakeConn is an in-memory stand-in for a bound directory connection.
// Handlers default to benign no-ops; tests script the behavior they need.
type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	bindErr  error
	binds    int
	searches int
	adds     int
	mods     int
	dels     int

	searchFn func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	addFn    func(req *ldap.AddRequest) error
	modifyFn func(req *ldap.ModifyRequest) error
	delFn    func(req *ldap.DelRequest) error
}

func (c *fakeConn) Bind(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds++
	return c.bindErr
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.mu.Lock()
	c.searches++
	fn := c.searchFn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &ldap.SearchResult{}, nil
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	c.mu.Lock()
	c.adds++
	fn := c.addFn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	c.mu.Lock()
	c.mods++
	fn := c.modifyFn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (c *fakeConn) Del(req *ldap.DelRequest) error {
	c.mu.Lock()
	c.dels++
	fn := c.delFn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (c *fakeConn) SetTimeout(time.Duration) {}

func (c *fakeConn) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) searchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searches
}

func (c *fakeConn) addCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds
}

// fakeDialer hands out fakeConns and counts dials. A non-nil err fails every
// dial attempt.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	conns []*fakeConn

	// make builds each new connection; defaults to a plain fakeConn.
	make func() *fakeConn
}

func (d *fakeDialer) dial(context.Context, *config.ClusterConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	var c *fakeConn
	if d.make != nil {
		c = d.make()
	} else {
		c = &fakeConn{}
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// newLDAPError wraps a directory result code the way go-ldap reports it.
func newLDAPError(t *testing.T, code uint16) error {
	t.Helper()
	return ldap.NewError(code, errors.New(ldap.LDAPResultCodeMap[code]))
}

// testClusterConfig returns a cluster tuned for fast tests: tiny backoffs,
// small pool.
func testClusterConfig(name string) *config.ClusterConfig {
	return &config.ClusterConfig{
		Name:           name,
		Host:           "ldap.test.invalid",
		Port:           389,
		BaseDN:         "dc=example,dc=com",
		TLS:            config.TLSModeNone,
		MaxConnections: 4,
		MaxIdleTime:    config.Duration(time.Minute),
		Timeout:        config.Duration(5 * time.Second),
		MaxRetries:     2,
		InitialBackoff: config.Duration(time.Millisecond),
		MaxBackoff:     config.Duration(5 * time.Millisecond),
		BackoffFactor:  2.0,
	}
}

// testRegistry wraps clusters in a registry without touching the filesystem.
func testRegistry(clusters ...*config.ClusterConfig) *config.Registry {
	return config.NewRegistryFromConfig(&config.Config{
		HealthInterval:    config.Duration(time.Minute),
		SchemaRefresh:     config.Duration(time.Minute),
		CursorIdleTimeout: config.Duration(time.Minute),
		UnreachableAfter:  3,
		Clusters:          clusters,
	})
}

// directoryEntry builds a go-ldap entry for fake search responses.
func directoryEntry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

// subschemaHandler answers root DSE and subschema searches the way a real
// server would, from the given definition lists.
func subschemaHandler(objectClasses, attributeTypes []string) func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		switch req.BaseDN {
		case "":
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				directoryEntry("", map[string][]string{
					"subschemaSubentry": {"cn=Subschema"},
				}),
			}}, nil
		case "cn=Subschema":
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				directoryEntry("cn=Subschema", map[string][]string{
					"objectClasses":  objectClasses,
					"attributeTypes": attributeTypes,
				}),
			}}, nil
		default:
			return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
		}
	}
}

// testSchemaDefs is a minimal but realistic subschema: top/person with a
// required surname, an organizationalUnit, and a single-valued displayName.
func testSchemaDefs() (objectClasses, attributeTypes []string) {
	objectClasses = []string{
		"( 2.5.6.0 NAME 'top' ABSTRACT MUST objectClass )",
		"( 2.5.6.6 NAME 'person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY ( userPassword $ telephoneNumber $ description $ displayName ) )",
		"( 2.5.6.5 NAME 'organizationalUnit' SUP top STRUCTURAL MUST ou MAY ( description $ telephoneNumber ) )",
	}
	attributeTypes = []string{
		"( 2.5.4.0 NAME 'objectClass' EQUALITY objectIdentifierMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 )",
		"( 2.5.4.3 NAME ( 'cn' 'commonName' ) SUP name )",
		"( 2.5.4.4 NAME ( 'sn' 'surname' ) SUP name )",
		"( 2.5.4.11 NAME 'ou' SUP name )",
		"( 2.5.4.13 NAME 'description' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )",
		"( 2.5.4.20 NAME 'telephoneNumber' SYNTAX 1.3.6.1.4.1.1466.115.121.1.50 )",
		"( 2.5.4.35 NAME 'userPassword' SYNTAX 1.3.6.1.4.1.1466.115.121.1.40 )",
		"( 2.16.840.1.113730.3.1.241 NAME 'displayName' SINGLE-VALUE SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )",
	}
	return objectClasses, attributeTypes
}

// pagingHandler scripts a paged subtree search over a fixed entry set. The
// cookie encodes the next offset; an exhausted chain returns no cookie.
// Served DNs are appended to *served so tests can assert exactly-once
// delivery.
func pagingHandler(entries []*ldap.Entry, served *[]string, mu *sync.Mutex) func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		paging, _ := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if paging == nil {
			return nil, fmt.Errorf("expected paging control on request")
		}
		offset := 0
		if len(paging.Cookie) > 0 {
			n, err := strconv.Atoi(string(paging.Cookie))
			if err != nil {
				return nil, ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("bad cookie"))
			}
			offset = n
		}
		end := offset + int(paging.PagingSize)
		if end > len(entries) {
			end = len(entries)
		}
		page := entries[offset:end]

		mu.Lock()
		for _, e := range page {
			*served = append(*served, e.DN)
		}
		mu.Unlock()

		resp := ldap.NewControlPaging(paging.PagingSize)
		if end < len(entries) {
			resp.SetCookie([]byte(strconv.Itoa(end)))
		}
		return &ldap.SearchResult{
			Entries:  page,
			Controls: []ldap.Control{resp},
		}, nil
	}
}
