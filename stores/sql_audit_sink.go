package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLAuditSink persists forwarded audit events in SQL. It implements
// permit.AuditSink; the engine's recorder forwards asynchronously, so write
// latency never reaches the evaluation path.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) (*SQLAuditSink, error) {
	return &SQLAuditSink{db: db}, nil
}

func (s *SQLAuditSink) Write(ctx context.Context, event *permit.AuditEvent) error {
	ctxB, _ := json.Marshal(event.Context)
	q := `INSERT INTO permission_audit(id, timestamp, subject_id, permission, resource, action, result, reason, context_json, evaluation_time_ms)
VALUES(:id, :timestamp, :subject_id, :permission, :resource, :action, :result, :reason, :context_json, :evaluation_time_ms)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                 event.ID,
		"timestamp":          event.Timestamp,
		"subject_id":         event.SubjectID,
		"permission":         event.Permission,
		"resource":           event.Resource,
		"action":             event.Action,
		"result":             string(event.Result),
		"reason":             event.Reason,
		"context_json":       string(ctxB),
		"evaluation_time_ms": event.EvaluationTimeMs,
	})
	return err
}

// AuditFilter narrows Query results.
type AuditFilter struct {
	SubjectID  string
	Permission string
	Resource   string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// Query reads back persisted events, newest first.
func (s *SQLAuditSink) Query(ctx context.Context, filter AuditFilter) ([]*permit.AuditEvent, error) {
	q := `SELECT id, timestamp, subject_id, permission, resource, action, result, reason, context_json, evaluation_time_ms FROM permission_audit WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.Permission != "" {
		q += " AND permission = :permission"
		params["permission"] = filter.Permission
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}

	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]*permit.AuditEvent, 0)
	for r.Next() {
		var id, subject, permission, resource, action, result, reason, ctxJSON string
		var timestampRaw interface{}
		var evalMs float64
		if err := r.Scan(&id, &timestampRaw, &subject, &permission, &resource, &action, &result, &reason, &ctxJSON, &evalMs); err != nil {
			return nil, err
		}
		event := &permit.AuditEvent{
			ID:               id,
			SubjectID:        subject,
			Permission:       permission,
			Resource:         resource,
			Action:           action,
			Result:           permit.AuditOutcome(result),
			Reason:           reason,
			EvaluationTimeMs: evalMs,
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			event.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				event.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				event.Timestamp = t
			}
		}
		if ctxJSON != "" && ctxJSON != "null" {
			_ = json.Unmarshal([]byte(ctxJSON), &event.Context)
		}
		out = append(out, event)
	}
	return out, nil
}
