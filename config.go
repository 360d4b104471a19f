package permit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the serializable configuration: engine options plus the policy
// and hierarchy definitions to seed the stores with.
type Config struct {
	Version   int                        `json:"version" yaml:"version"`
	Engine    EngineConfig               `json:"engine" yaml:"engine"`
	Policies  []*Policy                  `json:"policies" yaml:"policies"`
	Hierarchy []*PermissionHierarchyNode `json:"hierarchy" yaml:"hierarchy"`
	Subjects  []*Subject                 `json:"subjects,omitempty" yaml:"subjects,omitempty"`
}

// EngineConfig is the wire form of Options; durations are milliseconds.
type EngineConfig struct {
	EnableCaching        *bool `json:"enable_caching,omitempty" yaml:"enable_caching,omitempty"`
	CacheTTLMs           int64 `json:"cache_ttl_ms,omitempty" yaml:"cache_ttl_ms,omitempty"`
	CacheCleanupMs       int64 `json:"cache_cleanup_ms,omitempty" yaml:"cache_cleanup_ms,omitempty"`
	EnableAuditLogging   *bool `json:"enable_audit_logging,omitempty" yaml:"enable_audit_logging,omitempty"`
	AuditLogCapacity     int   `json:"audit_log_capacity,omitempty" yaml:"audit_log_capacity,omitempty"`
	EnableInsights       *bool `json:"enable_insights,omitempty" yaml:"enable_insights,omitempty"`
	InsightIntervalMs    int64 `json:"insight_interval_ms,omitempty" yaml:"insight_interval_ms,omitempty"`
	HighFreqThreshold    int   `json:"high_freq_threshold,omitempty" yaml:"high_freq_threshold,omitempty"`
	RequireAll           *bool `json:"require_all,omitempty" yaml:"require_all,omitempty"`
	Strict               *bool `json:"strict,omitempty" yaml:"strict,omitempty"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer      int64 `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// Options folds the wire config over a base option set.
func (c EngineConfig) Options(base Options) Options {
	if c.EnableCaching != nil {
		base.EnableCaching = *c.EnableCaching
	}
	if c.CacheTTLMs > 0 {
		base.CacheTTL = time.Duration(c.CacheTTLMs) * time.Millisecond
	}
	if c.CacheCleanupMs > 0 {
		base.CacheCleanupInterval = time.Duration(c.CacheCleanupMs) * time.Millisecond
	}
	if c.EnableAuditLogging != nil {
		base.EnableAuditLogging = *c.EnableAuditLogging
	}
	if c.AuditLogCapacity > 0 {
		base.AuditLogCapacity = c.AuditLogCapacity
	}
	if c.EnableInsights != nil {
		base.EnableInsights = *c.EnableInsights
	}
	if c.InsightIntervalMs > 0 {
		base.InsightInterval = time.Duration(c.InsightIntervalMs) * time.Millisecond
	}
	if c.HighFreqThreshold > 0 {
		base.HighFreqThreshold = c.HighFreqThreshold
	}
	if c.RequireAll != nil {
		base.RequireAll = *c.RequireAll
	}
	if c.Strict != nil {
		base.Strict = *c.Strict
	}
	return base
}

// ConfigLoader parses configuration documents.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports the config.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every policy in the config.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Policies {
		if err := ValidatePolicy(p); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy id %s", p.ID)
		}
		seen[p.ID] = true
	}
	for _, n := range c.Hierarchy {
		if n.Permission == "" {
			return fmt.Errorf("hierarchy node without permission identifier")
		}
	}
	return nil
}

// HierarchyUpserter is implemented by hierarchy stores that accept seeding.
type HierarchyUpserter interface {
	UpsertNode(node *PermissionHierarchyNode)
}

// SubjectUpserter is implemented by subject stores that accept seeding.
type SubjectUpserter interface {
	UpsertSubject(ctx context.Context, sub *Subject) error
}

// ApplyConfig upserts the config's policies into the engine's policy store
// and, where the stores support it, seeds hierarchy nodes and subjects. The
// result cache is invalidated once at the end.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config, hierarchyStore HierarchyUpserter, subjectStore SubjectUpserter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	for _, p := range cfg.Policies {
		if _, err := e.policies.GetPolicy(ctx, p.ID); err != nil {
			if err := e.policies.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", p.ID, err)
			}
		} else {
			if err := e.policies.UpdatePolicy(ctx, p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
		}
	}

	if hierarchyStore != nil {
		for _, n := range cfg.Hierarchy {
			hierarchyStore.UpsertNode(n)
		}
	}
	if subjectStore != nil {
		for _, s := range cfg.Subjects {
			if err := subjectStore.UpsertSubject(ctx, s); err != nil {
				return fmt.Errorf("upsert subject %s: %w", s.ID, err)
			}
		}
	}

	e.ClearCache()
	return nil
}
