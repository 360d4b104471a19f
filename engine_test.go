package permit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts Options, policies ...*Policy) (*Engine, *fakePolicyStore) {
	t.Helper()
	store := newFakePolicyStore(policies...)
	hierarchy := fakeHierarchy{
		"admin": {Permission: "admin", Implies: []string{"read", "write", "delete", "manage"}, Level: 100},
		"write": {Permission: "write", Inherits: []string{"manage", "admin"}, Level: 20},
		"read":  {Permission: "read", Inherits: []string{"write", "manage", "admin"}, Level: 10},
	}
	eng := NewEngine(store, nil, hierarchy, nil, opts)
	t.Cleanup(eng.Close)
	return eng, store
}

func TestCheckPermissionUnauthenticated(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())

	res := eng.CheckPermission(context.Background(), nil, "catalog:read", nil)
	if res.HasPermission {
		t.Fatalf("expected deny without a subject")
	}
	if res.Reason != ReasonAuthenticationRequired {
		t.Fatalf("expected reason %q, got %q", ReasonAuthenticationRequired, res.Reason)
	}
	// The unauthenticated result is audited like any other.
	if eng.Recorder().Len() != 1 {
		t.Fatalf("expected 1 audit event, got %d", eng.Recorder().Len())
	}
}

func TestConditionalDenyPolicy(t *testing.T) {
	deny := NewPolicy("p-hours", "deny sensitive in business hours").
		Deny().
		Priority(2).
		ForActions("sensitive_operation").
		When(GreaterThan("current_hour", 8)).
		When(LessThan("current_hour", 18)).
		Build()
	eng, _ := newTestEngine(t, DefaultOptions(), deny)

	subject := &Subject{ID: "bob", Permissions: []string{"sensitive_operation"}}
	res := eng.CheckPermission(context.Background(), subject, "sensitive_operation", &EvaluationContext{
		Conditions: map[string]any{"current_hour": 10},
	})
	if res.HasPermission {
		t.Fatalf("expected deny during business hours, path=%v", res.EvaluationPath)
	}
	if !strings.Contains(res.Reason, "p-hours") {
		t.Fatalf("expected reason to cite the deny policy, got %q", res.Reason)
	}

	// Outside the window the policy's conditions fail and the direct grant
	// falls through the hierarchy.
	res = eng.CheckPermission(context.Background(), subject, "sensitive_operation", &EvaluationContext{
		Conditions: map[string]any{"current_hour": 20},
	})
	if !res.HasPermission {
		t.Fatalf("expected grant outside business hours, reason=%q", res.Reason)
	}
}

func TestDenyOverridesGrant(t *testing.T) {
	grant := NewPolicy("p-grant", "grant exports").Grant().Priority(1).ForActions("export").Build()
	deny := NewPolicy("p-deny", "deny exports").Deny().Priority(10).ForActions("export").Build()
	eng, _ := newTestEngine(t, DefaultOptions(), grant, deny)

	res := eng.CheckPermission(context.Background(), &Subject{ID: "carol"}, "export", nil)
	if res.HasPermission {
		t.Fatalf("expected deny to override grant")
	}
	// Deny wins even though its priority sorts after the grant.
	if !strings.Contains(res.Reason, "p-deny") {
		t.Fatalf("expected the deny policy to be cited, got %q", res.Reason)
	}
}

func TestPriorityOrdersCitedPolicy(t *testing.T) {
	first := NewPolicy("p-first", "first deny").Deny().Priority(1).ForActions("export").Build()
	second := NewPolicy("p-second", "second deny").Deny().Priority(5).ForActions("export").Build()
	eng, _ := newTestEngine(t, DefaultOptions(), second, first)

	res := eng.CheckPermission(context.Background(), &Subject{ID: "carol"}, "export", nil)
	if !strings.Contains(res.Reason, "p-first") {
		t.Fatalf("expected lowest-priority deny to be cited, got %q", res.Reason)
	}
}

func TestHierarchyFallbackGrant(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())

	subject := &Subject{ID: "dave", Permissions: []string{"admin"}}
	res := eng.CheckPermission(context.Background(), subject, "write", nil)
	if !res.HasPermission {
		t.Fatalf("expected hierarchy fallback grant, path=%v", res.EvaluationPath)
	}
	if len(res.MatchedPermissions) != 1 || res.MatchedPermissions[0] != "admin" {
		t.Fatalf("expected matchedPermissions=[admin], got %v", res.MatchedPermissions)
	}
}

func TestRequireAllSemantics(t *testing.T) {
	opts := DefaultOptions()
	eng, _ := newTestEngine(t, opts)
	subject := &Subject{ID: "erin", Permissions: []string{"read"}}

	res := eng.CheckPermissions(context.Background(), subject, []string{"read", "write"}, nil)
	if res.HasPermission {
		t.Fatalf("requireAll: expected deny when one permission is missing")
	}

	opts.RequireAll = false
	anyEng, _ := newTestEngine(t, opts)
	res = anyEng.CheckPermissions(context.Background(), subject, []string{"read", "write"}, nil)
	if !res.HasPermission {
		t.Fatalf("requireAny: expected grant when one permission matches")
	}
}

func TestCacheIdempotence(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	subject := &Subject{ID: "frank", Permissions: []string{"admin"}}
	ec := &EvaluationContext{ResourceID: "doc-1"}

	first := eng.CheckPermission(context.Background(), subject, "write", ec)
	if first.CacheHit {
		t.Fatalf("first call must not be a cache hit")
	}
	second := eng.CheckPermission(context.Background(), subject, "write", ec)
	if !second.CacheHit {
		t.Fatalf("second call inside the TTL must hit the cache")
	}
	if second.HasPermission != first.HasPermission || second.Reason != first.Reason {
		t.Fatalf("cached result diverged: %+v vs %+v", first, second)
	}
	// Cache hits do not re-audit.
	if n := eng.Recorder().Len(); n != 1 {
		t.Fatalf("expected 1 audit event, got %d", n)
	}
}

func TestCacheExpiry(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheTTL = 20 * time.Millisecond
	eng, _ := newTestEngine(t, opts)
	subject := &Subject{ID: "gail", Permissions: []string{"admin"}}

	eng.CheckPermission(context.Background(), subject, "write", nil)
	time.Sleep(40 * time.Millisecond)
	res := eng.CheckPermission(context.Background(), subject, "write", nil)
	if res.CacheHit {
		t.Fatalf("expected recomputation after TTL expiry")
	}
}

func TestClearCacheInvalidates(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	subject := &Subject{ID: "hank", Permissions: []string{"admin"}}

	eng.CheckPermission(context.Background(), subject, "write", nil)
	eng.ClearCache()
	res := eng.CheckPermission(context.Background(), subject, "write", nil)
	if res.CacheHit {
		t.Fatalf("expected miss after ClearCache")
	}
}

func TestPolicyMutationInvalidatesCache(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()
	subject := &Subject{ID: "iris", Permissions: []string{"admin"}}

	first := eng.CheckPermission(ctx, subject, "write", nil)
	if !first.HasPermission {
		t.Fatalf("expected hierarchy grant")
	}

	deny := NewPolicy("p-block", "block writes").Deny().ForActions("write").Build()
	if err := eng.CreatePolicy(ctx, deny); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	res := eng.CheckPermission(ctx, subject, "write", nil)
	if res.CacheHit || res.HasPermission {
		t.Fatalf("expected fresh deny after policy creation, got %+v", res)
	}
}

func TestAuditCompleteness(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()
	granted := &Subject{ID: "judy", Permissions: []string{"admin"}}
	denied := &Subject{ID: "kate"}

	eng.CheckPermission(ctx, granted, "write", nil)
	eng.CheckPermission(ctx, denied, "write", nil)

	events := eng.Recorder().Events()
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 audit events, got %d", len(events))
	}
	// newest first
	if events[0].SubjectID != "kate" || events[0].Result != OutcomeDenied {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[1].SubjectID != "judy" || events[1].Result != OutcomeGranted {
		t.Fatalf("unexpected oldest event: %+v", events[1])
	}
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	bad := NewPolicy("p-bad", "broken regex").Grant().ForActions("export").
		When(PolicyCondition{Field: "path", Operator: OpRegex, Value: "(", CaseSensitive: true}).
		Build()
	eng, _ := newTestEngine(t, DefaultOptions(), bad)

	res := eng.CheckPermission(context.Background(), &Subject{ID: "liam"}, "export", &EvaluationContext{
		Conditions: map[string]any{"path": "/x"},
	})
	if res.HasPermission {
		t.Fatalf("expected fail-closed deny")
	}
	if !strings.HasPrefix(res.Reason, "Error evaluating permission:") {
		t.Fatalf("expected normalized error reason, got %q", res.Reason)
	}
	events := eng.Recorder().Events()
	if len(events) != 1 || events[0].Result != OutcomeError {
		t.Fatalf("expected one audit event with result=error, got %+v", events)
	}
}

func TestStrictModeSkipsHierarchyFallback(t *testing.T) {
	opts := DefaultOptions()
	opts.Strict = true
	eng, _ := newTestEngine(t, opts)

	subject := &Subject{ID: "mona", Permissions: []string{"admin"}}
	res := eng.CheckPermission(context.Background(), subject, "write", nil)
	if res.HasPermission {
		t.Fatalf("strict mode must not grant via hierarchy")
	}
}

func TestAuditPolicyDoesNotDecide(t *testing.T) {
	audit := NewPolicy("p-watch", "watch exports").Audit().ForActions("export").Build()
	eng, _ := newTestEngine(t, DefaultOptions(), audit)

	subject := &Subject{ID: "nick", Permissions: []string{"export"}}
	res := eng.CheckPermission(context.Background(), subject, "export", nil)
	if !res.HasPermission {
		t.Fatalf("audit policy must not deny; reason=%q", res.Reason)
	}
	found := false
	for _, step := range res.EvaluationPath {
		if strings.Contains(step, "policy_audit") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected audit policy on the evaluation path: %v", res.EvaluationPath)
	}
}

func TestScopeUserAndRoleOverlap(t *testing.T) {
	deny := NewPolicy("p-role", "deny contractors").Deny().
		ForActions("deploy").ForRoles("contractor").Build()
	eng, _ := newTestEngine(t, DefaultOptions(), deny)
	ctx := context.Background()

	contractor := &Subject{ID: "olga", Roles: []string{"contractor"}, Permissions: []string{"deploy"}}
	if res := eng.CheckPermission(ctx, contractor, "deploy", nil); res.HasPermission {
		t.Fatalf("expected role-scoped deny")
	}

	employee := &Subject{ID: "pete", Roles: []string{"staff"}, Permissions: []string{"deploy"}}
	if res := eng.CheckPermission(ctx, employee, "deploy", nil); !res.HasPermission {
		t.Fatalf("policy scope must not catch other roles, reason=%q", res.Reason)
	}
}

func TestEmptyScopePolicyNeverMatches(t *testing.T) {
	misconfigured := &Policy{ID: "p-empty", Name: "no scope", Effect: EffectDeny, IsActive: true}
	eng, _ := newTestEngine(t, DefaultOptions(), misconfigured)

	subject := &Subject{ID: "quinn", Permissions: []string{"read"}}
	res := eng.CheckPermission(context.Background(), subject, "read", nil)
	if !res.HasPermission {
		t.Fatalf("empty-scope policy must be treated as non-matching")
	}
}

func TestSubjectStoreResolvesHeldPermissions(t *testing.T) {
	subjects := newFakeSubjectStore(&Subject{ID: "rosa", Roles: []string{"admin-role"}, Permissions: []string{"admin"}})
	hierarchy := fakeHierarchy{
		"admin": {Permission: "admin", Implies: []string{"read", "write"}},
	}
	eng := NewEngine(newFakePolicyStore(), subjects, hierarchy, nil, DefaultOptions())
	defer eng.Close()

	res := eng.CheckPermission(context.Background(), &Subject{ID: "rosa"}, "write", nil)
	if !res.HasPermission {
		t.Fatalf("expected grant via store-resolved permissions, reason=%q", res.Reason)
	}
}

func TestConcurrentChecksShareOneComputation(t *testing.T) {
	slow := &slowPolicyStore{delay: 30 * time.Millisecond}
	eng := NewEngine(slow, nil, nil, nil, DefaultOptions())
	defer eng.Close()

	subject := &Subject{ID: "sara", Permissions: []string{"read"}}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := eng.CheckPermission(context.Background(), subject, "read", nil)
			if !res.HasPermission {
				t.Errorf("unexpected deny: %q", res.Reason)
			}
		}()
	}
	wg.Wait()

	if n := slow.calls.Load(); n != 1 {
		t.Fatalf("expected coalesced single policy fetch, got %d", n)
	}
	// Exactly one audit event for the coalesced evaluation.
	if n := eng.Recorder().Len(); n != 1 {
		t.Fatalf("expected 1 audit event, got %d", n)
	}
}

func TestCanceledCallerResultNotCached(t *testing.T) {
	eng := NewEngine(ctxPolicyStore{}, nil, nil, nil, DefaultOptions())
	defer eng.Close()
	subject := &Subject{ID: "ana", Permissions: []string{"read"}}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	res := eng.CheckPermission(canceled, subject, "read", nil)
	if res.HasPermission {
		t.Fatalf("expected fail-closed deny for the canceled caller")
	}
	if !strings.HasPrefix(res.Reason, "Error evaluating permission:") {
		t.Fatalf("expected normalized error reason, got %q", res.Reason)
	}
	if n := eng.Recorder().Len(); n != 0 {
		t.Fatalf("a caller's own cancellation must not be audited, got %d events", n)
	}

	fresh := eng.CheckPermission(context.Background(), subject, "read", nil)
	if fresh.CacheHit {
		t.Fatalf("cancellation denial leaked into the shared cache")
	}
	if !fresh.HasPermission {
		t.Fatalf("expected grant with a healthy context, reason=%q", fresh.Reason)
	}
}

func TestEvaluationDoesNotMutateCallerSubject(t *testing.T) {
	subjects := newFakeSubjectStore(&Subject{ID: "rosa", Roles: []string{"ops"}, Permissions: []string{"admin"}})
	hierarchy := fakeHierarchy{
		"admin": {Permission: "admin", Implies: []string{"read", "write"}},
	}
	deny := NewPolicy("p-ops-delete", "deny ops deletes").Deny().ForActions("delete").ForRoles("ops").Build()
	eng := NewEngine(newFakePolicyStore(deny), subjects, hierarchy, nil, DefaultOptions())
	defer eng.Close()

	shared := &Subject{ID: "rosa"}
	var wg sync.WaitGroup
	for _, perm := range []string{"read", "write", "delete", "read", "write"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			eng.CheckPermission(context.Background(), shared, p, nil)
		}(perm)
	}
	wg.Wait()

	if len(shared.Permissions) != 0 || len(shared.Roles) != 0 {
		t.Fatalf("engine must not write back to the caller's subject: %+v", shared)
	}
	// Store-resolved roles still drive role-scoped policies.
	res := eng.CheckPermission(context.Background(), shared, "delete", nil)
	if res.HasPermission || !strings.Contains(res.Reason, "p-ops-delete") {
		t.Fatalf("expected role-scoped deny via store-resolved roles, got %+v", res)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Start()
		}()
	}
	wg.Wait()
	eng.Start()
	// Close must stop the loops exactly once without hanging.
	eng.Close()
}

func TestCoalescedWaitersGetDistinctResults(t *testing.T) {
	slow := &slowPolicyStore{delay: 40 * time.Millisecond}
	eng := NewEngine(slow, nil, nil, nil, DefaultOptions())
	defer eng.Close()
	subject := &Subject{ID: "sara", Permissions: []string{"read"}}

	results := make([]*EvaluationResult, 6)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.CheckPermission(context.Background(), subject, "read", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < len(results); i++ {
		if !results[i].HasPermission {
			t.Fatalf("caller %d denied: %q", i, results[i].Reason)
		}
		for j := i + 1; j < len(results); j++ {
			if results[i] == results[j] {
				t.Fatalf("callers %d and %d share one result pointer", i, j)
			}
		}
	}
}

func TestExplainBypassesCache(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	subject := &Subject{ID: "tina", Permissions: []string{"admin"}}
	ctx := context.Background()

	eng.CheckPermission(ctx, subject, "write", nil)
	res := eng.Explain(ctx, subject, []string{"write"}, nil)
	if res.CacheHit {
		t.Fatalf("explain must recompute")
	}
	if len(res.EvaluationPath) == 0 || res.EvaluationPath[0] != "cache_miss" {
		t.Fatalf("expected full path, got %v", res.EvaluationPath)
	}
}

func TestBatchCheck(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	subject := &Subject{ID: "ursula", Permissions: []string{"admin"}}

	results := eng.BatchCheck(context.Background(), []CheckRequest{
		{Subject: subject, Permissions: []string{"write"}},
		{Subject: nil, Permissions: []string{"write"}},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results")
	}
	if !results[0].HasPermission || results[1].HasPermission {
		t.Fatalf("unexpected batch outcomes: %+v", results)
	}
}
