package permit

// PolicyBuilder offers a fluent way to assemble policies in code.
type PolicyBuilder struct {
	policy Policy
}

func NewPolicy(id, name string) *PolicyBuilder {
	return &PolicyBuilder{policy: Policy{ID: id, Name: name, Type: PolicyConditional, IsActive: true}}
}

func (b *PolicyBuilder) Grant() *PolicyBuilder {
	b.policy.Effect = EffectGrant
	return b
}

func (b *PolicyBuilder) Deny() *PolicyBuilder {
	b.policy.Effect = EffectDeny
	return b
}

func (b *PolicyBuilder) Audit() *PolicyBuilder {
	b.policy.Effect = EffectAudit
	return b
}

func (b *PolicyBuilder) Priority(p int) *PolicyBuilder {
	b.policy.Priority = p
	return b
}

func (b *PolicyBuilder) ForActions(actions ...string) *PolicyBuilder {
	b.policy.Scope.Actions = append(b.policy.Scope.Actions, actions...)
	return b
}

func (b *PolicyBuilder) ForResources(resources ...string) *PolicyBuilder {
	b.policy.Scope.Resources = append(b.policy.Scope.Resources, resources...)
	return b
}

func (b *PolicyBuilder) ForUsers(users ...string) *PolicyBuilder {
	b.policy.Scope.Users = append(b.policy.Scope.Users, users...)
	return b
}

func (b *PolicyBuilder) ForRoles(roles ...string) *PolicyBuilder {
	b.policy.Scope.Roles = append(b.policy.Scope.Roles, roles...)
	return b
}

func (b *PolicyBuilder) Between(start, end string) *PolicyBuilder {
	b.policy.Scope.TimeRange = &TimeRange{Start: start, End: end}
	return b
}

func (b *PolicyBuilder) When(cond PolicyCondition) *PolicyBuilder {
	b.policy.Conditions = append(b.policy.Conditions, cond)
	return b
}

func (b *PolicyBuilder) Inactive() *PolicyBuilder {
	b.policy.IsActive = false
	return b
}

func (b *PolicyBuilder) Build() *Policy {
	p := b.policy
	return &p
}

// Condition helpers for the common operators.

func Equals(field string, value any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpEquals, Value: value}
}

func NotEquals(field string, value any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpNotEquals, Value: value}
}

func In(field string, values ...any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpIn, Value: values}
}

func GreaterThan(field string, value any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpGreaterThan, Value: value}
}

func LessThan(field string, value any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpLessThan, Value: value}
}

func Contains(field string, value any) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpContains, Value: value}
}

func Regex(field, pattern string) PolicyCondition {
	return PolicyCondition{Field: field, Operator: OpRegex, Value: pattern, CaseSensitive: true}
}

func Custom(predicate string, value any) PolicyCondition {
	return PolicyCondition{Operator: OpCustom, Predicate: predicate, Value: value}
}
