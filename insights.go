package permit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/permit/logger"
)

const defaultHighFrequencyThreshold = 100

// Analyzer derives access patterns and insights from the audit recorder. It
// only reads recorder state and never influences evaluation outcomes.
type Analyzer struct {
	recorder  *Recorder
	subjects  SubjectStore
	threshold int
	log       logger.Logger

	mu       sync.RWMutex
	insights []PermissionInsight
}

// NewAnalyzer creates an analyzer over the recorder. subjects may be nil, in
// which case unused-permission insights are skipped (held sets unknown).
func NewAnalyzer(recorder *Recorder, subjects SubjectStore, threshold int, log logger.Logger) *Analyzer {
	if threshold <= 0 {
		threshold = defaultHighFrequencyThreshold
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Analyzer{recorder: recorder, subjects: subjects, threshold: threshold, log: log}
}

// AnalyzeAccessPatterns aggregates the subject's audit events per
// (permission, resource) pair. The resource bucket for events without a
// resource is "global".
func (a *Analyzer) AnalyzeAccessPatterns(subjectID string) []AccessPattern {
	events := a.recorder.EventsForSubject(subjectID)
	type bucket struct {
		pattern AccessPattern
		stamps  []time.Time
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0)

	for _, e := range events {
		resource := e.Resource
		if resource == "" {
			resource = "global"
		}
		key := e.Permission + "\x00" + resource
		b, ok := buckets[key]
		if !ok {
			b = &bucket{pattern: AccessPattern{
				SubjectID:  subjectID,
				Permission: e.Permission,
				Resource:   resource,
			}}
			buckets[key] = b
			order = append(order, key)
		}
		b.pattern.Frequency++
		if e.Timestamp.After(b.pattern.LastAccessed) {
			b.pattern.LastAccessed = e.Timestamp
		}
		b.stamps = append(b.stamps, e.Timestamp)
	}

	out := make([]AccessPattern, 0, len(buckets))
	for _, key := range order {
		b := buckets[key]
		b.pattern.AverageInterval = averageInterval(b.stamps)
		if b.pattern.Frequency > a.threshold {
			b.pattern.RiskFlags = append(b.pattern.RiskFlags, "high_frequency")
			b.pattern.AnomalyScore = float64(b.pattern.Frequency) / float64(a.threshold)
		}
		out = append(out, b.pattern)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	return out
}

// ComputeInsights runs one batch pass over the audit log and replaces the
// cached insight set.
func (a *Analyzer) ComputeInsights(ctx context.Context) ([]PermissionInsight, error) {
	events := a.recorder.Events()
	now := time.Now()
	insights := make([]PermissionInsight, 0)

	// usage counts per (subject, permission)
	usage := make(map[string]map[string]int)
	for _, e := range events {
		perms, ok := usage[e.SubjectID]
		if !ok {
			perms = make(map[string]int)
			usage[e.SubjectID] = perms
		}
		perms[e.Permission]++
	}

	if a.subjects != nil {
		subjects, err := a.subjects.ListSubjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subjects: %w", err)
		}
		for _, sub := range subjects {
			unused := make([]string, 0)
			for _, perm := range sub.Permissions {
				if usage[sub.ID][perm] == 0 {
					unused = append(unused, perm)
				}
			}
			if len(unused) > 0 {
				insights = append(insights, PermissionInsight{
					Type:                InsightOptimization,
					Severity:            "medium",
					Title:               "Unused permissions",
					Description:         fmt.Sprintf("subject %s holds %d permission(s) with no recorded use", sub.ID, len(unused)),
					Recommendation:      "review and revoke permissions that are not exercised",
					AffectedPermissions: unused,
					Impact:              "reduced attack surface",
					Timestamp:           now,
				})
			}
		}
	}

	for subjectID, perms := range usage {
		for perm, count := range perms {
			if count > a.threshold {
				insights = append(insights, PermissionInsight{
					Type:                InsightUsagePattern,
					Severity:            "low",
					Title:               "High frequency access",
					Description:         fmt.Sprintf("subject %s checked %s %d times", subjectID, perm, count),
					Recommendation:      "consider monitoring or longer cache TTL for this permission",
					AffectedPermissions: []string{perm},
					Timestamp:           now,
				})
			}
		}
	}

	a.mu.Lock()
	a.insights = insights
	a.mu.Unlock()
	return insights, nil
}

// Insights returns the insight set produced by the most recent batch pass.
func (a *Analyzer) Insights() []PermissionInsight {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]PermissionInsight, len(a.insights))
	copy(out, a.insights)
	return out
}

func averageInterval(stamps []time.Time) time.Duration {
	if len(stamps) < 2 {
		return 0
	}
	sorted := make([]time.Time, len(stamps))
	copy(sorted, stamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	total := sorted[len(sorted)-1].Sub(sorted[0])
	return total / time.Duration(len(sorted)-1)
}
