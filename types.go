package permit

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Subject is the authenticated principal requesting access. Permissions holds
// the materialized permission strings derived from the subject's role
// assignments; when empty the engine asks its SubjectStore (if any) to
// resolve them.
type Subject struct {
	ID          string         `json:"id" yaml:"id"`
	Roles       []string       `json:"roles" yaml:"roles"`
	Permissions []string       `json:"permissions" yaml:"permissions"`
	Attrs       map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// HasRole reports whether the subject carries the given role.
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PermissionHierarchyNode describes the static relationships of one
// permission. Inherits lists permissions whose holders also receive this one;
// Implies lists permissions a holder of this one receives; Excludes lists
// permissions a holder of this one is barred from. The relation is assumed
// acyclic and is only ever traversed one hop.
type PermissionHierarchyNode struct {
	Permission string   `json:"permission" yaml:"permission"`
	Inherits   []string `json:"inherits,omitempty" yaml:"inherits,omitempty"`
	Implies    []string `json:"implies,omitempty" yaml:"implies,omitempty"`
	Excludes   []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	Level      int      `json:"level" yaml:"level"`
	Category   string   `json:"category,omitempty" yaml:"category,omitempty"`
}

// PolicyType classifies a policy.
type PolicyType string

const (
	PolicyAllow       PolicyType = "allow"
	PolicyDeny        PolicyType = "deny"
	PolicyConditional PolicyType = "conditional"
)

// PolicyEffect is the outcome a matched policy produces.
type PolicyEffect string

const (
	EffectGrant PolicyEffect = "grant"
	EffectDeny  PolicyEffect = "deny"
	EffectAudit PolicyEffect = "audit"
)

// TimeRange bounds a policy scope in time. Start and End accept any format
// github.com/oarkflow/date understands, plus bare "HH:MM" clock times which
// are compared against the wall clock of the evaluation.
type TimeRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// PolicyScope narrows which requests a policy applies to. Every populated
// list must overlap the request; a scope with nothing populated matches
// nothing.
type PolicyScope struct {
	Resources []string   `json:"resources,omitempty" yaml:"resources,omitempty"`
	Actions   []string   `json:"actions,omitempty" yaml:"actions,omitempty"`
	Users     []string   `json:"users,omitempty" yaml:"users,omitempty"`
	Roles     []string   `json:"roles,omitempty" yaml:"roles,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty" yaml:"time_range,omitempty"`
}

// IsEmpty reports whether no scope dimension is populated.
func (s PolicyScope) IsEmpty() bool {
	return len(s.Resources) == 0 && len(s.Actions) == 0 &&
		len(s.Users) == 0 && len(s.Roles) == 0 && s.TimeRange == nil
}

// Policy is a dynamic, context-conditional rule. Immutable once loaded.
type Policy struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Type       PolicyType        `json:"type" yaml:"type"`
	Priority   int               `json:"priority" yaml:"priority"`
	Conditions []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Effect     PolicyEffect      `json:"effect" yaml:"effect"`
	Scope      PolicyScope       `json:"scope" yaml:"scope"`
	IsActive   bool              `json:"is_active" yaml:"is_active"`
	CreatedAt  time.Time         `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// EvaluationContext carries the request facts a policy condition may inspect.
// Conditions is consulted first for a condition field, Metadata second.
type EvaluationContext struct {
	ResourceID     string         `json:"resource_id,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	OwnerID        string         `json:"owner_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	ProjectID      string         `json:"project_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Fact looks up a condition field, preferring Conditions over Metadata.
func (c *EvaluationContext) Fact(field string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.Conditions[field]; ok {
		return v, true
	}
	if v, ok := c.Metadata[field]; ok {
		return v, true
	}
	return nil, false
}

// EvaluationResult is the outcome of one permission check. EvaluationPath is
// an ordered trace of the decision stages taken.
type EvaluationResult struct {
	HasPermission      bool     `json:"has_permission"`
	Reason             string   `json:"reason"`
	MatchedPermissions []string `json:"matched_permissions,omitempty"`
	FailedConditions   []string `json:"failed_conditions,omitempty"`
	EvaluationTimeMs   float64  `json:"evaluation_time_ms"`
	CacheHit           bool     `json:"cache_hit"`
	EvaluationPath     []string `json:"evaluation_path,omitempty"`
}

// AuditOutcome is the recorded result of an evaluation.
type AuditOutcome string

const (
	OutcomeGranted AuditOutcome = "granted"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// AuditEvent is an immutable record of one evaluation outcome.
type AuditEvent struct {
	ID               string         `json:"id"`
	SubjectID        string         `json:"subject_id"`
	Permission       string         `json:"permission"`
	Resource         string         `json:"resource,omitempty"`
	Action           string         `json:"action,omitempty"`
	Result           AuditOutcome   `json:"result"`
	Reason           string         `json:"reason"`
	Context          map[string]any `json:"context,omitempty"`
	EvaluationTimeMs float64        `json:"evaluation_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
}

// AuditEventInput is the caller-supplied part of an AuditEvent; the recorder
// assigns ID and Timestamp.
type AuditEventInput struct {
	SubjectID        string
	Permission       string
	Resource         string
	Action           string
	Result           AuditOutcome
	Reason           string
	Context          map[string]any
	EvaluationTimeMs float64
}

// AccessPattern aggregates audit events for one (subject, permission,
// resource) triple. Recomputed from the audit log, never mutated directly.
type AccessPattern struct {
	SubjectID       string        `json:"subject_id"`
	Permission      string        `json:"permission"`
	Resource        string        `json:"resource,omitempty"`
	Frequency       int           `json:"frequency"`
	LastAccessed    time.Time     `json:"last_accessed"`
	AverageInterval time.Duration `json:"average_interval"`
	RiskFlags       []string      `json:"risk_flags,omitempty"`
	AnomalyScore    float64       `json:"anomaly_score"`
}

// InsightType classifies a derived observation.
type InsightType string

const (
	InsightUsagePattern InsightType = "usage_pattern"
	InsightRiskAlert    InsightType = "risk_alert"
	InsightOptimization InsightType = "optimization"
	InsightCompliance   InsightType = "compliance"
	InsightAnomaly      InsightType = "anomaly"
)

// PermissionInsight is a human-readable observation derived from access
// patterns.
type PermissionInsight struct {
	Type                InsightType `json:"type"`
	Severity            string      `json:"severity"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	Recommendation      string      `json:"recommendation"`
	AffectedPermissions []string    `json:"affected_permissions,omitempty"`
	Impact              string      `json:"impact,omitempty"`
	Timestamp           time.Time   `json:"timestamp"`
}

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// PolicyStore supplies the active policy set. Implementations may be backed
// by memory, SQL, or a remote service; fetches may block on I/O.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]*Policy, error)
}

// SubjectStore resolves held permission sets from role assignments.
type SubjectStore interface {
	GetSubject(ctx context.Context, id string) (*Subject, error)
	ListSubjects(ctx context.Context) ([]*Subject, error)
}

// HierarchySource yields permission hierarchy nodes.
type HierarchySource interface {
	Node(permission string) (*PermissionHierarchyNode, bool)
}

// AuditSink receives forwarded audit events for durable storage. Sink
// failures never affect evaluation results.
type AuditSink interface {
	Write(ctx context.Context, event *AuditEvent) error
}
