package ldap

import (
	"context"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/config"
)

// HealthState classifies a cluster's observed condition.
type HealthState string

const (
	StateHealthy     HealthState = "Healthy"
	StateDegraded    HealthState = "Degraded"
	StateUnreachable HealthState = "Unreachable"
)

// ClusterHealth is the published status of one cluster at a point in time.
type ClusterHealth struct {
	Cluster     string      `json:"cluster"`
	State       HealthState `json:"state"`
	LastChecked time.Time   `json:"last_checked"`
	LastBindOK  time.Time   `json:"last_bind_ok,omitempty"`
	Pool        PoolStats   `json:"pool"`
	// ReachableRatio is live pool connections over capacity, zero when the
	// cluster is not answering binds.
	ReachableRatio float64 `json:"reachable_ratio"`
	Message        string  `json:"message,omitempty"`
}

// HealthMonitor probes every configured cluster on an interval and publishes
// a status snapshot. The snapshot is replaced wholesale on each sweep so
// readers never see a half-updated view.
type HealthMonitor struct {
	pools    *Pools
	registry *config.Registry
	logger   hclog.Logger
	interval time.Duration

	mu       sync.RWMutex
	snapshot map[string]*ClusterHealth
}

func NewHealthMonitor(pools *Pools, registry *config.Registry, logger hclog.Logger, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		pools:    pools,
		registry: registry,
		logger:   logger.Named("health"),
		interval: interval,
		snapshot: make(map[string]*ClusterHealth),
	}
}

// Status returns the last published view of every cluster. It is a pure
// read of the snapshot and never touches the network, so it stays fast even
// when a cluster is down.
func (m *HealthMonitor) Status() []*ClusterHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ClusterHealth, 0, len(m.snapshot))
	for _, cc := range m.registry.ListClusters() {
		if h, ok := m.snapshot[cc.Name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// StatusFor returns the last published view of one cluster, nil if it has
// not been probed yet.
func (m *HealthMonitor) StatusFor(cluster string) *ClusterHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot[cluster]
}

// Run probes immediately and then on every interval tick until the context
// is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Sweep(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every configured cluster and swaps in a fresh snapshot.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	clusters := m.registry.ListClusters()
	next := make(map[string]*ClusterHealth, len(clusters))

	var wg sync.WaitGroup
	var nextMu sync.Mutex
	for _, cc := range clusters {
		wg.Add(1)
		go func(cc *config.ClusterConfig) {
			defer wg.Done()
			h := m.probe(ctx, cc)
			nextMu.Lock()
			next[cc.Name] = h
			nextMu.Unlock()
		}(cc)
	}
	wg.Wait()

	m.mu.Lock()
	m.snapshot = next
	m.mu.Unlock()

	for _, h := range next {
		if h.State != StateHealthy {
			m.logger.Warn("cluster not healthy",
				"cluster", h.Cluster, "state", string(h.State), "message", h.Message)
		}
	}
}

// probe checks one cluster: a pooled bind, a root DSE read, and, when the
// cluster exposes one, a monitoring-subtree read. A replicated cluster whose
// bind works but whose monitor subtree fails is degraded, not unreachable;
// its peers may still be serving.
func (m *HealthMonitor) probe(ctx context.Context, cc *config.ClusterConfig) *ClusterHealth {
	h := &ClusterHealth{
		Cluster:     cc.Name,
		State:       StateHealthy,
		LastChecked: time.Now(),
	}

	pool, err := m.pools.ForCluster(cc.Name)
	if err != nil {
		h.State = StateUnreachable
		h.Message = err.Error()
		return h
	}
	defer func() {
		h.Pool = pool.Stats()
		h.LastBindOK = pool.LastBindOK()
		if h.Pool.Reachable && h.Pool.Capacity > 0 {
			h.ReachableRatio = float64(h.Pool.Idle+h.Pool.InUse) / float64(h.Pool.Capacity)
		}
	}()

	pc, err := pool.Acquire(ctx)
	if err != nil {
		if pool.Reachable() {
			h.State = StateDegraded
		} else {
			h.State = StateUnreachable
		}
		h.Message = safeMessage(err)
		return h
	}

	rootErr := m.readBase(pc, "", cc)
	if rootErr != nil {
		pool.Release(pc, rootErr)
		h.State = StateUnreachable
		h.Message = "root DSE read failed: " + safeMessage(rootErr)
		return h
	}

	if cc.MonitorBaseDN != "" {
		if monErr := m.readBase(pc, cc.MonitorBaseDN, cc); monErr != nil {
			pool.Release(pc, monErr)
			// Absent monitor backends answer NoSuchObject; that is not a
			// health signal.
			if KindOf(monErr) != KindNotFound {
				h.State = StateDegraded
				h.Message = "monitor subtree read failed: " + safeMessage(monErr)
				if !cc.Replicated && isConnFatal(monErr) {
					h.State = StateUnreachable
				}
			}
			return h
		}
	}

	pool.Release(pc, nil)
	return h
}

// readBase performs a minimal base-scope read against the given DN. An empty
// DN reads the root DSE.
func (m *HealthMonitor) readBase(pc *PooledConnection, baseDN string, cc *config.ClusterConfig) error {
	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(cc.Timeout.Std().Seconds()),
		false,
		"(objectClass=*)",
		[]string{"1.1"},
		nil,
	)
	_, err := pc.Conn().Search(req)
	return err
}
