package permit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// In-package fakes so engine tests do not depend on the stores package.

type fakePolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func newFakePolicyStore(policies ...*Policy) *fakePolicyStore {
	s := &fakePolicyStore{policies: make(map[string]*Policy)}
	for _, p := range policies {
		s.policies[p.ID] = p
	}
	return s
}

func (s *fakePolicyStore) CreatePolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *fakePolicyStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *fakePolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *fakePolicyStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return p, nil
}

func (s *fakePolicyStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

// slowPolicyStore counts ListPolicies calls and delays each one, for
// exercising in-flight request coalescing.
type slowPolicyStore struct {
	calls atomic.Int64
	delay time.Duration
}

func (s *slowPolicyStore) CreatePolicy(ctx context.Context, p *Policy) error    { return nil }
func (s *slowPolicyStore) UpdatePolicy(ctx context.Context, p *Policy) error    { return nil }
func (s *slowPolicyStore) DeletePolicy(ctx context.Context, id string) error    { return nil }
func (s *slowPolicyStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return nil, fmt.Errorf("not found: %s", id)
}

func (s *slowPolicyStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return nil, nil
}

// ctxPolicyStore surfaces the caller's context state from every fetch.
type ctxPolicyStore struct{}

func (ctxPolicyStore) CreatePolicy(ctx context.Context, p *Policy) error { return nil }
func (ctxPolicyStore) UpdatePolicy(ctx context.Context, p *Policy) error { return nil }
func (ctxPolicyStore) DeletePolicy(ctx context.Context, id string) error { return nil }
func (ctxPolicyStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return nil, fmt.Errorf("not found: %s", id)
}

func (ctxPolicyStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

type fakeHierarchy map[string]*PermissionHierarchyNode

func (h fakeHierarchy) Node(permission string) (*PermissionHierarchyNode, bool) {
	n, ok := h[permission]
	return n, ok
}

type fakeSubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

func newFakeSubjectStore(subjects ...*Subject) *fakeSubjectStore {
	s := &fakeSubjectStore{subjects: make(map[string]*Subject)}
	for _, sub := range subjects {
		s.subjects[sub.ID] = sub
	}
	return s
}

func (s *fakeSubjectStore) UpsertSubject(ctx context.Context, sub *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
	return nil
}

func (s *fakeSubjectStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject not found: %s", id)
	}
	return sub, nil
}

func (s *fakeSubjectStore) ListSubjects(ctx context.Context) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub)
	}
	return out, nil
}
