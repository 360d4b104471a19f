package permit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/permit/logger"
	"github.com/oarkflow/permit/utils"
)

// ReasonAuthenticationRequired is returned when no subject is present.
const ReasonAuthenticationRequired = "authentication_required"

// Options is the engine configuration surface.
type Options struct {
	EnableCaching        bool          `json:"enable_caching" yaml:"enable_caching"`
	CacheTTL             time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheCleanupInterval time.Duration `json:"cache_cleanup_interval" yaml:"cache_cleanup_interval"`
	EnableAuditLogging   bool          `json:"enable_audit_logging" yaml:"enable_audit_logging"`
	AuditLogCapacity     int           `json:"audit_log_capacity" yaml:"audit_log_capacity"`
	EnableInsights       bool          `json:"enable_insights" yaml:"enable_insights"`
	InsightInterval      time.Duration `json:"insight_interval" yaml:"insight_interval"`
	HighFreqThreshold    int           `json:"high_freq_threshold" yaml:"high_freq_threshold"`
	// RequireAll makes multi-permission checks demand every requested
	// permission; false grants on any.
	RequireAll bool `json:"require_all" yaml:"require_all"`
	// Strict disables the hierarchy fallback: only an explicit grant policy
	// can allow access.
	Strict bool `json:"strict" yaml:"strict"`
}

// DefaultOptions mirrors the reference defaults: 5m cache TTL, 60s cleanup,
// 1000 audit entries, 30s insight refresh, threshold 100, requireAll on.
func DefaultOptions() Options {
	return Options{
		EnableCaching:        true,
		CacheTTL:             5 * time.Minute,
		CacheCleanupInterval: time.Minute,
		EnableAuditLogging:   true,
		AuditLogCapacity:     defaultAuditCapacity,
		EnableInsights:       true,
		InsightInterval:      30 * time.Second,
		HighFreqThreshold:    defaultHighFrequencyThreshold,
		RequireAll:           true,
	}
}

type inflightCall struct {
	done   chan struct{}
	result *EvaluationResult
}

// Engine evaluates permission checks against policies, falling back to the
// static hierarchy, with a TTL result cache, a bounded audit trail, and
// usage analytics. Construct with NewEngine, then Start; Close stops the
// background loops.
type Engine struct {
	opts      Options
	policies  PolicyStore
	subjects  SubjectStore
	hierarchy *Hierarchy
	cache     ResultCache
	recorder  *Recorder
	analyzer  *Analyzer
	log       logger.Logger

	predMu     sync.RWMutex
	predicates map[string]CustomPredicate

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// EngineOption tweaks construction.
type EngineOption func(*Engine)

// WithLogger replaces the default phuslu logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithResultCache swaps the cache backend (e.g. RistrettoResultCache).
func WithResultCache(c ResultCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// NewEngine wires an engine from its collaborators. subjects and sink may be
// nil; hierarchy may be nil for flat permission models.
func NewEngine(policies PolicyStore, subjects SubjectStore, hierarchy HierarchySource, sink AuditSink, opts Options, options ...EngineOption) *Engine {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheCleanupInterval <= 0 {
		opts.CacheCleanupInterval = time.Minute
	}
	if opts.InsightInterval <= 0 {
		opts.InsightInterval = 30 * time.Second
	}
	e := &Engine{
		opts:       opts,
		policies:   policies,
		subjects:   subjects,
		hierarchy:  NewHierarchy(hierarchy),
		log:        logger.NewPhusluLogger(),
		predicates: make(map[string]CustomPredicate),
		inflight:   make(map[string]*inflightCall),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewMemoryResultCache()
	}
	e.recorder = NewRecorder(opts.AuditLogCapacity, sink, e.log)
	e.analyzer = NewAnalyzer(e.recorder, subjects, opts.HighFreqThreshold, e.log)
	return e
}

// Start launches the cache cleanup and insight refresh loops. Safe to skip
// for short-lived engines; evaluation works without it.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if e.opts.EnableCaching {
			e.wg.Add(1)
			go e.cacheCleanupLoop()
		}
		if e.opts.EnableInsights {
			e.wg.Add(1)
			go e.insightLoop()
		}
	})
}

// Close stops background loops and the audit sink worker.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.recorder.Close()
	})
}

func (e *Engine) cacheCleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CacheCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			if removed := e.cache.Purge(now); removed > 0 {
				e.log.Debug("evaluation cache purged", "removed", removed)
			}
		}
	}
}

func (e *Engine) insightLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.InsightInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if _, err := e.analyzer.ComputeInsights(context.Background()); err != nil {
				e.log.Error("insight pass failed", "error", err.Error())
			}
		}
	}
}

// RegisterPredicate installs a named predicate for OpCustom conditions.
func (e *Engine) RegisterPredicate(name string, fn CustomPredicate) {
	e.predMu.Lock()
	e.predicates[name] = fn
	e.predMu.Unlock()
}

func (e *Engine) predicateSnapshot() map[string]CustomPredicate {
	e.predMu.RLock()
	defer e.predMu.RUnlock()
	out := make(map[string]CustomPredicate, len(e.predicates))
	for k, v := range e.predicates {
		out[k] = v
	}
	return out
}

// ClearCache drops every cached result. Call after upstream permission or
// policy changes the engine cannot observe itself.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// RefreshPermissions is the invalidation hook for role/permission edits; it
// clears the cache so the next check re-reads the stores.
func (e *Engine) RefreshPermissions() {
	e.ClearCache()
}

// Recorder exposes the audit trail for collaborators (read-only usage).
func (e *Engine) Recorder() *Recorder { return e.recorder }

// AnalyzeAccessPatterns aggregates audit events for one subject.
func (e *Engine) AnalyzeAccessPatterns(subjectID string) []AccessPattern {
	return e.analyzer.AnalyzeAccessPatterns(subjectID)
}

// Insights returns the most recently computed insight set, computing one on
// demand if no batch pass has run yet.
func (e *Engine) Insights(ctx context.Context) []PermissionInsight {
	if got := e.analyzer.Insights(); len(got) > 0 {
		return got
	}
	insights, err := e.analyzer.ComputeInsights(ctx)
	if err != nil {
		e.log.Error("insight pass failed", "error", err.Error())
		return nil
	}
	return insights
}

// ============================================================================
// EVALUATION
// ============================================================================

// CheckPermission evaluates one permission for the subject. See
// CheckPermissions for multi-permission semantics.
func (e *Engine) CheckPermission(ctx context.Context, subject *Subject, permission string, ec *EvaluationContext) *EvaluationResult {
	return e.CheckPermissions(ctx, subject, []string{permission}, ec)
}

// CheckPermissions evaluates a permission set: cache lookup, authentication
// gate, policy matching with deny-overrides-grant, hierarchy fallback, cache
// write-through, audit. It never panics or returns an error; every failure
// normalizes to a denied result.
func (e *Engine) CheckPermissions(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext) *EvaluationResult {
	return e.check(ctx, subject, permissions, ec, false)
}

// Explain evaluates without consulting the cache so the evaluation path is
// always complete.
func (e *Engine) Explain(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext) *EvaluationResult {
	return e.check(ctx, subject, permissions, ec, true)
}

// CheckRequest is one unit of a batch evaluation.
type CheckRequest struct {
	Subject     *Subject
	Permissions []string
	Context     *EvaluationContext
}

// BatchCheck evaluates requests in order. Results align with requests.
func (e *Engine) BatchCheck(ctx context.Context, requests []CheckRequest) []*EvaluationResult {
	results := make([]*EvaluationResult, len(requests))
	for i, req := range requests {
		results[i] = e.CheckPermissions(ctx, req.Subject, req.Permissions, req.Context)
	}
	return results
}

func (e *Engine) check(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext, skipCache bool) *EvaluationResult {
	start := time.Now()
	key := e.buildCacheKey(subject, permissions, ec)

	if e.opts.EnableCaching && !skipCache {
		if cached, ok := e.cache.Get(key); ok {
			hit := *cached
			hit.CacheHit = true
			hit.EvaluationPath = append([]string{"cache_hit"}, cached.EvaluationPath...)
			return &hit
		}
	}

	// Coalesce concurrent identical requests into one computation.
	e.inflightMu.Lock()
	if call, ok := e.inflight[key]; ok {
		e.inflightMu.Unlock()
		select {
		case <-call.done:
			shared := *call.result
			return &shared
		case <-ctx.Done():
			return e.failClosed(start, ctx.Err())
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	e.inflight[key] = call
	e.inflightMu.Unlock()

	result, evalErr := e.evaluateSafely(ctx, subject, permissions, ec, start)

	// A failure caused by the evaluating caller's own cancellation is that
	// caller's outcome only: caching or auditing it would leak a transient
	// denial to callers with healthy contexts.
	canceled := errors.Is(evalErr, context.Canceled) || errors.Is(evalErr, context.DeadlineExceeded)
	if e.opts.EnableCaching && !canceled {
		e.cache.Set(key, result, e.opts.CacheTTL)
	}
	if !canceled {
		e.audit(subject, permissions, ec, result)
	}

	call.result = result
	close(call.done)
	e.inflightMu.Lock()
	delete(e.inflight, key)
	e.inflightMu.Unlock()

	return result
}

// evaluateSafely is the fail-closed boundary: internal helpers may return
// errors or panic, and everything converts to a denied result here.
func (e *Engine) evaluateSafely(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext, start time.Time) (result *EvaluationResult, evalErr error) {
	defer func() {
		if r := recover(); r != nil {
			evalErr = fmt.Errorf("%v", r)
			result = e.failClosed(start, evalErr)
		}
	}()
	res, err := e.evaluate(ctx, subject, permissions, ec)
	if err != nil {
		return e.failClosed(start, err), err
	}
	res.EvaluationTimeMs = durationMs(time.Since(start))
	return res, nil
}

func (e *Engine) failClosed(start time.Time, err error) *EvaluationResult {
	return &EvaluationResult{
		HasPermission:    false,
		Reason:           fmt.Sprintf("Error evaluating permission: %v", err),
		EvaluationTimeMs: durationMs(time.Since(start)),
		EvaluationPath:   []string{"evaluation_error"},
	}
}

func (e *Engine) evaluate(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext) (*EvaluationResult, error) {
	result := &EvaluationResult{EvaluationPath: []string{"cache_miss"}}

	result.EvaluationPath = append(result.EvaluationPath, "authentication_check")
	if subject == nil || subject.ID == "" {
		result.Reason = ReasonAuthenticationRequired
		return result, nil
	}

	subject, err := e.resolveSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	held := subject.Permissions
	result.EvaluationPath = append(result.EvaluationPath, "resolve_held_permissions")

	now := evaluationTime(ec)
	matched, err := e.matchPolicies(ctx, subject, permissions, ec, now, result)
	if err != nil {
		return nil, err
	}

	// Ascending priority determines which matched policy gets cited; it does
	// not override deny-over-grant precedence.
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority < matched[j].Priority })

	for _, p := range matched {
		if p.Effect == EffectDeny {
			result.EvaluationPath = append(result.EvaluationPath, "policy_deny policy="+p.ID)
			result.Reason = fmt.Sprintf("denied by policy %q (%s)", p.Name, p.ID)
			return result, nil
		}
	}
	for _, p := range matched {
		if p.Effect == EffectGrant {
			result.EvaluationPath = append(result.EvaluationPath, "policy_grant policy="+p.ID)
			result.HasPermission = true
			result.Reason = fmt.Sprintf("granted by policy %q (%s)", p.Name, p.ID)
			return result, nil
		}
	}

	if e.opts.Strict {
		result.EvaluationPath = append(result.EvaluationPath, "strict_no_policy")
		result.Reason = "no matching grant policy"
		return result, nil
	}

	result.EvaluationPath = append(result.EvaluationPath, "hierarchy_fallback")
	satisfied := 0
	for _, perm := range permissions {
		ok, via := e.hierarchy.Satisfies(perm, held)
		if ok {
			satisfied++
			result.MatchedPermissions = appendUnique(result.MatchedPermissions, via)
			result.EvaluationPath = append(result.EvaluationPath, "hierarchy_match permission="+perm+" via="+via)
		} else {
			result.EvaluationPath = append(result.EvaluationPath, "hierarchy_miss permission="+perm)
		}
	}

	if e.opts.RequireAll {
		result.HasPermission = satisfied == len(permissions)
	} else {
		result.HasPermission = satisfied > 0
	}
	if result.HasPermission {
		result.Reason = "granted by permission hierarchy"
	} else {
		result.Reason = "no matching policy or hierarchy grant"
		result.MatchedPermissions = nil
	}
	return result, nil
}

// matchPolicies filters the active policy set to those whose scope covers
// the request and whose conditions all hold. EffectAudit policies are
// recorded on the path but produce no decision.
func (e *Engine) matchPolicies(ctx context.Context, subject *Subject, permissions []string, ec *EvaluationContext, now time.Time, result *EvaluationResult) ([]*Policy, error) {
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	result.EvaluationPath = append(result.EvaluationPath, "policy_filter")

	predicates := e.predicateSnapshot()
	matched := make([]*Policy, 0)
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		if !scopeMatches(p.Scope, subject, permissions, ec, now) {
			if p.Scope.IsEmpty() {
				e.log.Debug("policy has empty scope, skipped", "policy", p.ID)
			}
			continue
		}
		allHold := true
		for _, cond := range p.Conditions {
			ok, err := evaluateCondition(cond, ec, predicates)
			if err != nil {
				return nil, fmt.Errorf("policy %s condition %s: %w", p.ID, cond.Field, err)
			}
			if !ok {
				allHold = false
				result.FailedConditions = append(result.FailedConditions, fmt.Sprintf("policy %s: %s", p.ID, cond.String()))
				break
			}
		}
		if !allHold {
			continue
		}
		if p.Effect == EffectAudit {
			result.EvaluationPath = append(result.EvaluationPath, "policy_audit policy="+p.ID)
			continue
		}
		result.EvaluationPath = append(result.EvaluationPath, "policy_match policy="+p.ID)
		matched = append(matched, p)
	}
	return matched, nil
}

// resolveSubject returns the subject evaluation operates on. When the caller
// supplies no permissions and a subject store is wired, the store's roles and
// permissions are folded into a copy; the caller's struct is never written,
// so concurrent checks sharing one Subject do not interfere.
func (e *Engine) resolveSubject(ctx context.Context, subject *Subject) (*Subject, error) {
	if len(subject.Permissions) > 0 || e.subjects == nil {
		return subject, nil
	}
	stored, err := e.subjects.GetSubject(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve subject %s: %w", subject.ID, err)
	}
	if stored == nil {
		return subject, nil
	}
	resolved := *subject
	resolved.Permissions = stored.Permissions
	if len(resolved.Roles) == 0 {
		resolved.Roles = stored.Roles
	}
	return &resolved, nil
}

func (e *Engine) audit(subject *Subject, permissions []string, ec *EvaluationContext, result *EvaluationResult) {
	if !e.opts.EnableAuditLogging {
		return
	}
	subjectID := ""
	if subject != nil {
		subjectID = subject.ID
	}
	permission := strings.Join(permissions, ",")
	resource := ""
	action := ""
	if len(permissions) > 0 {
		resource, action = utils.SplitPermission(permissions[0])
	}
	if ec != nil && ec.ResourceID != "" {
		resource = ec.ResourceID
	}

	outcome := OutcomeDenied
	switch {
	case result.HasPermission:
		outcome = OutcomeGranted
	case strings.HasPrefix(result.Reason, "Error evaluating permission"):
		outcome = OutcomeError
	}

	var eventCtx map[string]any
	if ec != nil && (len(ec.Conditions) > 0 || len(ec.Metadata) > 0) {
		eventCtx = map[string]any{}
		for k, v := range ec.Conditions {
			eventCtx[k] = v
		}
		for k, v := range ec.Metadata {
			if _, exists := eventCtx[k]; !exists {
				eventCtx[k] = v
			}
		}
	}

	e.recorder.Record(AuditEventInput{
		SubjectID:        subjectID,
		Permission:       permission,
		Resource:         resource,
		Action:           action,
		Result:           outcome,
		Reason:           result.Reason,
		Context:          eventCtx,
		EvaluationTimeMs: result.EvaluationTimeMs,
	})

	e.log.Info("permission decision",
		"subject", subjectID,
		"permission", permission,
		"resource", resource,
		"granted", result.HasPermission,
		"reason", result.Reason,
	)
}

// buildCacheKey derives a deterministic key from subject, sorted permission
// set, and serialized context.
func (e *Engine) buildCacheKey(subject *Subject, permissions []string, ec *EvaluationContext) string {
	subjectID := ""
	if subject != nil {
		subjectID = subject.ID
	}
	sorted := make([]string, len(permissions))
	copy(sorted, permissions)
	sort.Strings(sorted)

	ctxJSON := ""
	if ec != nil {
		// json.Marshal emits map keys in sorted order, so the serialization
		// is stable for equal contexts
		if b, err := json.Marshal(ec); err == nil {
			ctxJSON = string(b)
		}
	}
	return subjectID + "|" + strings.Join(sorted, ",") + "|" + ctxJSON
}

// ============================================================================
// POLICY OPERATIONS
// ============================================================================

// ValidatePolicy rejects structurally unusable policies.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	if p.ID == "" {
		return fmt.Errorf("policy ID is required")
	}
	switch p.Effect {
	case EffectGrant, EffectDeny, EffectAudit:
	default:
		return fmt.Errorf("policy %s: unknown effect %q", p.ID, p.Effect)
	}
	for _, cond := range p.Conditions {
		switch cond.Operator {
		case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpContains, OpRegex:
		case OpCustom:
			if cond.Predicate == "" {
				return fmt.Errorf("policy %s: custom condition needs a predicate name", p.ID)
			}
		default:
			return fmt.Errorf("policy %s: unknown operator %q", p.ID, cond.Operator)
		}
	}
	return nil
}

// CreatePolicy validates, stores, and invalidates the result cache.
func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return err
	}
	e.ClearCache()
	return nil
}

// UpdatePolicy validates, stores, and invalidates the result cache.
func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	e.ClearCache()
	return nil
}

// DeletePolicy removes a policy and invalidates the result cache.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.policies.DeletePolicy(ctx, id); err != nil {
		return err
	}
	e.ClearCache()
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

func evaluationTime(ec *EvaluationContext) time.Time {
	if ec != nil && !ec.Timestamp.IsZero() {
		return ec.Timestamp
	}
	return time.Now()
}

func durationMs(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
