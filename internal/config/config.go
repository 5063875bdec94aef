// Package config loads the static cluster descriptor and exposes it as an
// atomically swappable registry. In-flight operations always observe one
// consistent snapshot; reload replaces the whole snapshot, never a field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so descriptors can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TLSMode selects the transport security for a cluster endpoint.
type TLSMode string

const (
	TLSModeNone     TLSMode = "none"
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeLDAPS    TLSMode = "ldaps"
)

// OperationKind partitions the admin API surface for authorization purposes.
type OperationKind string

const (
	OpRead  OperationKind = "read"
	OpWrite OperationKind = "write"
)

// ClusterConfig holds the static connection parameters for one directory
// cluster. Immutable after load.
type ClusterConfig struct {
	Name          string  `yaml:"name"`
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port" default:"636"`
	BindDN        string  `yaml:"bind_dn"`
	BindPassword  string  `yaml:"bind_password"`
	BaseDN        string  `yaml:"base_dn"`
	TLS           TLSMode `yaml:"tls" default:"ldaps"`
	TLSSkipVerify bool    `yaml:"tls_skip_verify"`

	// Replicated marks clusters whose nodes replicate among themselves.
	// The health monitor tolerates brief monitor-subtree staleness on them.
	Replicated bool `yaml:"replicated"`

	// MonitorBaseDN is the server's monitoring subtree, if exposed.
	MonitorBaseDN string `yaml:"monitor_base_dn" default:"cn=Monitor"`

	// Kerberos bind settings. When Realm is set the pool performs a GSSAPI
	// bind instead of a simple bind.
	KerberosRealm  string `yaml:"kerberos_realm"`
	KerberosKeytab string `yaml:"kerberos_keytab"`
	KerberosConfig string `yaml:"kerberos_config"`

	// Pool and retry tuning.
	MaxConnections int      `yaml:"max_connections" default:"8"`
	MaxIdleTime    Duration `yaml:"max_idle_time"`
	Timeout        Duration `yaml:"timeout"`
	MaxRetries     int      `yaml:"max_retries" default:"3"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	BackoffFactor  float64  `yaml:"backoff_factor" default:"2.0"`
}

// Address returns the host:port endpoint of the cluster.
func (c *ClusterConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL returns the ldap:// or ldaps:// URL for the cluster endpoint.
func (c *ClusterConfig) URL() string {
	scheme := "ldap"
	if c.TLS == TLSModeLDAPS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// EntryForm describes one entry-editing form: where new entries live, which
// attribute names them, and which object classes they may carry.
type EntryForm struct {
	Name          string   `yaml:"name"`
	Cluster       string   `yaml:"cluster"`
	BaseDN        string   `yaml:"base_dn"`
	RDNAttribute  string   `yaml:"rdn_attribute"`
	ObjectClasses []string `yaml:"object_classes"`
}

// Principal is a configured caller identity with per-cluster privileges.
// Grants maps cluster name to the operation kinds allowed there; the cluster
// name "*" grants against every cluster.
type Principal struct {
	Name   string                     `yaml:"name"`
	Token  string                     `yaml:"token"`
	Grants map[string][]OperationKind `yaml:"grants"`
}

// AuditConfig selects audit sinks. Both may be active at once.
type AuditConfig struct {
	Log         bool   `yaml:"log" default:"true"`
	NATS        string `yaml:"nats"` // server URL, empty disables
	NATSSubject string `yaml:"nats_subject" default:"dircp.audit"`
}

// Config is the full static descriptor.
type Config struct {
	ListenAddr        string   `yaml:"listen_addr" default:":8389"`
	HealthInterval    Duration `yaml:"health_interval"`
	SchemaRefresh     Duration `yaml:"schema_refresh"`
	CursorIdleTimeout Duration `yaml:"cursor_idle_timeout"`
	UnreachableAfter  int      `yaml:"unreachable_after" default:"3"`

	Clusters   []*ClusterConfig `yaml:"clusters"`
	Forms      []*EntryForm     `yaml:"forms"`
	Principals []*Principal     `yaml:"principals"`
	Audit      AuditConfig      `yaml:"audit"`
}

// Load reads and validates a descriptor file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a descriptor.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	cfg.applyDurationDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDurationDefaults() {
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = Duration(30 * time.Second)
	}
	if cfg.SchemaRefresh == 0 {
		cfg.SchemaRefresh = Duration(10 * time.Minute)
	}
	if cfg.CursorIdleTimeout == 0 {
		cfg.CursorIdleTimeout = Duration(5 * time.Minute)
	}
	for _, cc := range cfg.Clusters {
		if cc.MaxIdleTime == 0 {
			cc.MaxIdleTime = Duration(5 * time.Minute)
		}
		if cc.Timeout == 0 {
			cc.Timeout = Duration(30 * time.Second)
		}
		if cc.InitialBackoff == 0 {
			cc.InitialBackoff = Duration(500 * time.Millisecond)
		}
		if cc.MaxBackoff == 0 {
			cc.MaxBackoff = Duration(30 * time.Second)
		}
	}
}

// Validate checks the descriptor for internal consistency.
func (cfg *Config) Validate() error {
	if len(cfg.Clusters) == 0 {
		return fmt.Errorf("at least one cluster must be configured")
	}
	seen := make(map[string]bool, len(cfg.Clusters))
	for _, cc := range cfg.Clusters {
		if cc.Name == "" {
			return fmt.Errorf("cluster name is required")
		}
		if seen[cc.Name] {
			return fmt.Errorf("duplicate cluster name %q", cc.Name)
		}
		seen[cc.Name] = true
		if cc.Host == "" {
			return fmt.Errorf("cluster %q: host is required", cc.Name)
		}
		if cc.Port <= 0 || cc.Port > 65535 {
			return fmt.Errorf("cluster %q: invalid port %d", cc.Name, cc.Port)
		}
		switch cc.TLS {
		case TLSModeNone, TLSModeStartTLS, TLSModeLDAPS:
		default:
			return fmt.Errorf("cluster %q: unknown tls mode %q", cc.Name, cc.TLS)
		}
		if cc.MaxConnections <= 0 {
			return fmt.Errorf("cluster %q: max_connections must be positive", cc.Name)
		}
		if cc.MaxRetries < 0 {
			return fmt.Errorf("cluster %q: max_retries cannot be negative", cc.Name)
		}
		if cc.BackoffFactor <= 1.0 {
			return fmt.Errorf("cluster %q: backoff_factor must be greater than 1.0", cc.Name)
		}
	}
	for _, f := range cfg.Forms {
		if f.Cluster != "" && !seen[f.Cluster] {
			return fmt.Errorf("form %q references unknown cluster %q", f.Name, f.Cluster)
		}
		if f.RDNAttribute == "" {
			return fmt.Errorf("form %q: rdn_attribute is required", f.Name)
		}
	}
	for _, p := range cfg.Principals {
		if p.Name == "" || p.Token == "" {
			return fmt.Errorf("principal name and token are required")
		}
		for cluster := range p.Grants {
			if cluster != "*" && !seen[cluster] {
				return fmt.Errorf("principal %q grants against unknown cluster %q", p.Name, cluster)
			}
		}
	}
	return nil
}

// Registry is the single source of truth for configured clusters. The whole
// snapshot is swapped on reload so readers never see a partial update.
type Registry struct {
	current atomic.Pointer[Config]
	path    string
}

// NewRegistry loads the descriptor at path and returns a registry over it.
func NewRegistry(path string) (*Registry, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.current.Store(cfg)
	return r, nil
}

// NewRegistryFromConfig wraps an already-parsed descriptor. Reload keeps the
// same snapshot for registries constructed this way.
func NewRegistryFromConfig(cfg *Config) *Registry {
	r := &Registry{}
	r.current.Store(cfg)
	return r
}

// Current returns the active snapshot.
func (r *Registry) Current() *Config {
	return r.current.Load()
}

// ListClusters returns every configured cluster in insertion order.
func (r *Registry) ListClusters() []*ClusterConfig {
	return r.current.Load().Clusters
}

// Get returns the named cluster.
func (r *Registry) Get(name string) (*ClusterConfig, error) {
	for _, cc := range r.current.Load().Clusters {
		if cc.Name == name {
			return cc, nil
		}
	}
	return nil, fmt.Errorf("cluster %q is not configured", name)
}

// Reload re-reads the descriptor and atomically swaps the snapshot. A failed
// reload leaves the previous snapshot in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	cfg, err := Load(r.path)
	if err != nil {
		return err
	}
	r.current.Store(cfg)
	return nil
}
