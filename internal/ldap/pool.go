package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/config"
)

// MaxPoolLimit caps per-cluster pool sizes. Directory servers commonly allow
// far more concurrent connections, but the control plane has no business
// holding hundreds of bound sessions per cluster.
const MaxPoolLimit = 100

// Pool owns the connections for one cluster. Acquire hands out a bound,
// liveness-checked connection; Release reclaims it or discards it as Broken.
type Pool struct {
	cfg    *config.ClusterConfig
	dial   DialFunc
	logger hclog.Logger

	mu     sync.Mutex
	idle   []*PooledConnection
	inUse  int
	closed bool

	// Reachability, consumed by the health monitor. consecFailures counts
	// bind/dial failures since the last successful bind.
	consecFailures   int64
	unreachableAfter int64
	lastBindOK       atomic.Int64 // unix nanos, 0 = never

	created atomic.Int64
	broken  atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer overrides the network dialer (used by tests).
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(logger hclog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithUnreachableAfter sets how many consecutive bind failures mark the
// cluster unreachable.
func WithUnreachableAfter(n int) PoolOption {
	return func(p *Pool) { p.unreachableAfter = int64(n) }
}

// NewPool builds a pool for one cluster.
func NewPool(cc *config.ClusterConfig, opts ...PoolOption) (*Pool, error) {
	if cc.MaxConnections <= 0 {
		return nil, fmt.Errorf("cluster %q: max_connections must be positive", cc.Name)
	}
	if cc.MaxConnections > MaxPoolLimit {
		return nil, fmt.Errorf("cluster %q: max_connections too high (max %d)", cc.Name, MaxPoolLimit)
	}
	p := &Pool{
		cfg:              cc,
		dial:             dialCluster,
		logger:           hclog.NewNullLogger(),
		unreachableAfter: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool").With("cluster", cc.Name)
	return p, nil
}

// Acquire returns an Idle connection, dialing and binding a fresh one when
// none is pooled. Dial and bind failures are retried with capped exponential
// backoff; exhausting the retries yields an Unavailable error.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, NewResultError(KindUnavailable, "", "connection pool is closed", nil)
		}
		var pc *PooledConnection
		if n := len(p.idle); n > 0 {
			pc = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		if pc == nil {
			p.inUse++ // reserve the slot before dialing
			p.mu.Unlock()
			break
		}
		if p.healthy(pc) {
			pc.state = StateInUse
			pc.lastUsed = time.Now()
			p.inUse++
			p.mu.Unlock()
			return pc, nil
		}
		p.mu.Unlock()
		p.discard(pc)
	}

	pc, err := p.connectWithRetry(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, err
	}
	return pc, nil
}

// Release returns a connection after an operation. A protocol-level failure
// marks it Broken and discards it; the slot is refilled by the next Acquire.
func (p *Pool) Release(pc *PooledConnection, opErr error) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	p.inUse--
	if p.closed || isConnFatal(opErr) || pc.conn.IsClosing() {
		pc.state = StateBroken
		p.mu.Unlock()
		p.discard(pc)
		return
	}
	if len(p.idle)+p.inUse >= p.cfg.MaxConnections {
		p.mu.Unlock()
		p.close(pc)
		return
	}
	pc.state = StateIdle
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// connectWithRetry dials and binds a new connection, retrying transient
// failures with exponential backoff up to the configured attempt budget.
func (p *Pool) connectWithRetry(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.cfg.InitialBackoff.Std()

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewResultError(KindUnavailable, "", "connect cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*p.cfg.BackoffFactor), p.cfg.MaxBackoff.Std())
		}

		pc, err := p.connect(ctx)
		if err == nil {
			atomic.StoreInt64(&p.consecFailures, 0)
			p.lastBindOK.Store(time.Now().UnixNano())
			p.created.Add(1)
			return pc, nil
		}
		lastErr = err
		failures := atomic.AddInt64(&p.consecFailures, 1)
		p.logger.Warn("connect attempt failed",
			"attempt", attempt+1,
			"consecutive_failures", failures,
			"error", err.Error())
		if !isRetryable(err) {
			break
		}
	}

	return nil, NewResultError(KindUnavailable, "",
		fmt.Sprintf("cluster %s unavailable", p.cfg.Name), lastErr)
}

// connect dials and binds a single connection.
func (p *Pool) connect(ctx context.Context) (*PooledConnection, error) {
	conn, err := p.dial(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(p.cfg.Timeout.Std())

	if err := p.bind(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	now := time.Now()
	return &PooledConnection{
		conn:     conn,
		state:    StateInUse,
		lastUsed: now,
		boundAt:  now,
	}, nil
}

// bind authenticates the connection with the cluster's configured identity.
func (p *Pool) bind(conn Conn) error {
	if p.cfg.KerberosRealm != "" {
		return kerberosBind(conn, p.cfg)
	}
	if p.cfg.BindDN == "" {
		// Anonymous bind.
		return conn.Bind("", "")
	}
	return conn.Bind(p.cfg.BindDN, p.cfg.BindPassword)
}

// healthy is the lightweight liveness check applied before reusing an idle
// connection. Must be cheap: no network round trip.
func (p *Pool) healthy(pc *PooledConnection) bool {
	if pc.conn == nil || pc.conn.IsClosing() {
		return false
	}
	return time.Since(pc.lastUsed) <= p.cfg.MaxIdleTime.Std()
}

func (p *Pool) discard(pc *PooledConnection) {
	p.broken.Add(1)
	p.close(pc)
}

func (p *Pool) close(pc *PooledConnection) {
	if pc != nil && pc.conn != nil {
		_ = pc.conn.Close()
	}
}

// Reachable reports whether the cluster answered a bind recently enough.
func (p *Pool) Reachable() bool {
	if atomic.LoadInt64(&p.consecFailures) >= p.unreachableAfter {
		return false
	}
	return true
}

// LastBindOK returns the time of the last successful bind, zero if none.
func (p *Pool) LastBindOK() time.Time {
	n := p.lastBindOK.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Capacity:  p.cfg.MaxConnections,
		Created:   p.created.Load(),
		Broken:    p.broken.Load(),
		Reachable: p.Reachable(),
	}
}

// Close shuts down the pool and every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, pc := range idle {
		p.close(pc)
	}
}

// dialCluster is the production dialer: DialURL plus optional StartTLS.
func dialCluster(_ context.Context, cc *config.ClusterConfig) (Conn, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cc.Host,
		InsecureSkipVerify: cc.TLSSkipVerify,
	}

	var conn *ldap.Conn
	var err error
	if cc.TLS == config.TLSModeLDAPS {
		conn, err = ldap.DialURL(cc.URL(), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(cc.URL())
		if err == nil && cc.TLS == config.TLSModeStartTLS {
			if tlsErr := conn.StartTLS(tlsConfig); tlsErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("starttls with %s: %w", cc.Address(), tlsErr)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cc.Address(), err)
	}
	return conn, nil
}

// retryRead re-runs a read operation on transient failures with capped
// exponential backoff. Mutations never go through this path; retrying an
// ambiguous write could duplicate it.
func retryRead(ctx context.Context, cc *config.ClusterConfig, fn func() error) error {
	var lastErr error
	backoff := cc.InitialBackoff.Std()
	for attempt := 0; attempt <= cc.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewResultError(KindUnavailable, "", "operation cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*cc.BackoffFactor), cc.MaxBackoff.Std())
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

// Pools maps cluster names to their pools, creating them on first use from
// the registry's current snapshot.
type Pools struct {
	registry *config.Registry
	logger   hclog.Logger
	dial     DialFunc

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewPools builds the multi-cluster pool set.
func NewPools(registry *config.Registry, logger hclog.Logger) *Pools {
	return &Pools{
		registry: registry,
		logger:   logger,
		pools:    make(map[string]*Pool),
	}
}

// WithPoolDialer sets the dialer used for pools created by this set.
func (ps *Pools) WithPoolDialer(dial DialFunc) *Pools {
	ps.dial = dial
	return ps
}

// ForCluster returns the pool for the named cluster, creating it if needed.
// Unknown clusters yield NotFound.
func (ps *Pools) ForCluster(name string) (*Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pool, ok := ps.pools[name]; ok {
		return pool, nil
	}
	cc, err := ps.registry.Get(name)
	if err != nil {
		return nil, NewResultError(KindNotFound, "", err.Error(), err)
	}
	opts := []PoolOption{
		WithPoolLogger(ps.logger),
		WithUnreachableAfter(ps.registry.Current().UnreachableAfter),
	}
	if ps.dial != nil {
		opts = append(opts, WithDialer(ps.dial))
	}
	pool, err := NewPool(cc, opts...)
	if err != nil {
		return nil, err
	}
	ps.pools[name] = pool
	return pool, nil
}

// Reset closes every pool so the next acquire rebuilds them against the
// registry's current snapshot. Called after a configuration reload.
func (ps *Pools) Reset() {
	ps.mu.Lock()
	old := ps.pools
	ps.pools = make(map[string]*Pool)
	ps.mu.Unlock()
	for _, pool := range old {
		pool.Close()
	}
}

// Close shuts down every pool.
func (ps *Pools) Close() {
	ps.Reset()
}
