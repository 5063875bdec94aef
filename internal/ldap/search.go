package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ErrInvalidPageSize rejects non-positive page sizes before any network
// call is made.
var ErrInvalidPageSize = errors.New("page size must be positive")

// browseSession is the server-side state behind one opaque cursor. A cursor
// is valid only against the cluster, base DN and filter it was issued for.
type browseSession struct {
	id       string
	cluster  string
	baseDN   string
	filter   string
	pageSize int
	cookie   []byte
	lastUsed time.Time
}

// SearchEngine executes bounded, cursor-resumable subtree searches using the
// simple paged-results control (RFC 2696).
type SearchEngine struct {
	pools       *Pools
	logger      hclog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*browseSession
}

// NewSearchEngine builds the engine. Sessions idle longer than idleTimeout
// are dropped; their cursors subsequently fail closed with NotFound.
func NewSearchEngine(pools *Pools, logger hclog.Logger, idleTimeout time.Duration) *SearchEngine {
	return &SearchEngine{
		pools:       pools,
		logger:      logger.Named("search"),
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*browseSession),
	}
}

// Search runs one page of a subtree browse. An empty cursor starts a new
// chain; a non-empty cursor resumes one. The returned page carries the next
// cursor, empty once the chain is exhausted.
func (e *SearchEngine) Search(ctx context.Context, cluster, baseDN, filter string, pageSize int, cursor string) (*Page, error) {
	if cursor == "" && pageSize <= 0 {
		return nil, ErrInvalidPageSize
	}
	if filter == "" {
		filter = "(objectClass=*)"
	}
	if _, err := ldap.CompileFilter(filter); err != nil {
		return nil, NewResultError(KindInvalidFilter, "",
			fmt.Sprintf("malformed filter %q", filter), err)
	}
	normBase, err := NormalizeDN(baseDN)
	if err != nil {
		return nil, fmt.Errorf("invalid base DN: %w", err)
	}

	e.evictIdle()

	var session *browseSession
	if cursor != "" {
		session, err = e.resumeSession(cursor, cluster, normBase, filter)
		if err != nil {
			return nil, err
		}
	} else {
		session = &browseSession{
			id:       uuid.NewString(),
			cluster:  cluster,
			baseDN:   normBase,
			filter:   filter,
			pageSize: pageSize,
		}
	}

	pool, err := e.pools.ForCluster(cluster)
	if err != nil {
		return nil, err
	}

	paging := ldap.NewControlPaging(uint32(session.pageSize))
	if len(session.cookie) > 0 {
		paging.SetCookie(session.cookie)
	}
	req := ldap.NewSearchRequest(
		session.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(pool.cfg.Timeout.Std().Seconds()),
		false,
		session.filter,
		[]string{"*"},
		[]ldap.Control{paging},
	)

	var result *ldap.SearchResult
	err = retryRead(ctx, pool.cfg, func() error {
		pc, acquireErr := pool.Acquire(ctx)
		if acquireErr != nil {
			return acquireErr
		}
		var searchErr error
		result, searchErr = pc.Conn().Search(req)
		pool.Release(pc, searchErr)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Entries: make([]*Entry, 0, len(result.Entries))}
	for _, raw := range result.Entries {
		page.Entries = append(page.Entries, entryFromLDAP(raw))
	}

	// Within one cursor chain entries arrive in server order; nothing is
	// promised across chains or clusters.
	if ctrl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok && len(ctrl.Cookie) > 0 {
		session.cookie = ctrl.Cookie
		session.lastUsed = e.now()
		e.mu.Lock()
		e.sessions[session.id] = session
		e.mu.Unlock()
		page.Cursor = session.id
	} else {
		e.dropSession(session.id)
	}

	e.logger.Debug("page served",
		"cluster", cluster,
		"base_dn", session.baseDN,
		"entries", len(page.Entries),
		"more", page.Cursor != "")
	return page, nil
}

// GetEntry fetches a single entry by DN via a base-scope search.
func (e *SearchEngine) GetEntry(ctx context.Context, cluster, dn string) (*Entry, error) {
	normDN, err := NormalizeDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN: %w", err)
	}
	pool, err := e.pools.ForCluster(cluster)
	if err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		normDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(pool.cfg.Timeout.Std().Seconds()),
		false,
		"(objectClass=*)",
		[]string{"*"},
		nil,
	)

	var result *ldap.SearchResult
	err = retryRead(ctx, pool.cfg, func() error {
		pc, acquireErr := pool.Acquire(ctx)
		if acquireErr != nil {
			return acquireErr
		}
		var searchErr error
		result, searchErr = pc.Conn().Search(req)
		pool.Release(pc, searchErr)
		return searchErr
	})
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, NewResultError(KindNotFound, normDN, "entry does not exist", err)
		}
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, NewResultError(KindNotFound, normDN, "entry does not exist", nil)
	}
	return entryFromLDAP(result.Entries[0]), nil
}

// resumeSession validates that a cursor belongs to this cluster, base DN and
// filter. Anything else fails closed rather than silently restarting. A
// matched session is removed from the table, so the caller owns it
// exclusively until it is reinserted after a successful page; a cursor that
// failed mid-page is spent and a retry fails closed.
func (e *SearchEngine) resumeSession(cursor, cluster, normBase, filter string) (*browseSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[cursor]
	if !ok {
		return nil, NewResultError(KindNotFound, "", "unknown or expired cursor", nil)
	}
	if session.cluster != cluster ||
		!strings.EqualFold(session.baseDN, normBase) ||
		session.filter != filter {
		return nil, NewResultError(KindNotFound, "",
			"cursor does not match this cluster, base DN and filter", nil)
	}
	delete(e.sessions, cursor)
	return session, nil
}

func (e *SearchEngine) dropSession(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// evictIdle drops browse sessions idle beyond the configured timeout.
func (e *SearchEngine) evictIdle() {
	cutoff := e.now().Add(-e.idleTimeout)
	e.mu.Lock()
	for id, session := range e.sessions {
		if session.lastUsed.Before(cutoff) {
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()
}

// Run evicts idle sessions periodically until the context is cancelled.
func (e *SearchEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictIdle()
		}
	}
}
