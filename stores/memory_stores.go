package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/permit"
)

// MemoryPolicyStore implements policy persistence in-memory for testing and
// single-process deployments.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*permit.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*permit.Policy)}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *permit.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *permit.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return fmt.Errorf("policy not found: %s", p.ID)
	}
	p.UpdatedAt = time.Now()
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*permit.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return p, nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context) ([]*permit.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*permit.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	return result, nil
}

// MemoryHierarchyStore holds permission hierarchy nodes.
type MemoryHierarchyStore struct {
	mu    sync.RWMutex
	nodes map[string]*permit.PermissionHierarchyNode
}

func NewMemoryHierarchyStore() *MemoryHierarchyStore {
	return &MemoryHierarchyStore{nodes: make(map[string]*permit.PermissionHierarchyNode)}
}

func (s *MemoryHierarchyStore) UpsertNode(node *permit.PermissionHierarchyNode) {
	s.mu.Lock()
	s.nodes[node.Permission] = node
	s.mu.Unlock()
}

func (s *MemoryHierarchyStore) Node(permission string) (*permit.PermissionHierarchyNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[permission]
	return node, ok
}

// MemorySubjectStore holds materialized subjects (id, roles, role-derived
// permission sets).
type MemorySubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*permit.Subject
}

func NewMemorySubjectStore() *MemorySubjectStore {
	return &MemorySubjectStore{subjects: make(map[string]*permit.Subject)}
}

func (s *MemorySubjectStore) UpsertSubject(ctx context.Context, sub *permit.Subject) error {
	s.mu.Lock()
	s.subjects[sub.ID] = sub
	s.mu.Unlock()
	return nil
}

func (s *MemorySubjectStore) GetSubject(ctx context.Context, id string) (*permit.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject not found: %s", id)
	}
	return sub, nil
}

func (s *MemorySubjectStore) ListSubjects(ctx context.Context) ([]*permit.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*permit.Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		result = append(result, sub)
	}
	return result, nil
}
