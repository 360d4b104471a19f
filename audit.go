package permit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/permit/logger"
)

const defaultAuditCapacity = 1000

// Recorder keeps a bounded, newest-first, in-memory log of evaluation
// outcomes. Events are immutable once appended. An optional sink receives
// every event asynchronously; sink failures are logged and never surface to
// the evaluation path.
type Recorder struct {
	mu       sync.RWMutex
	events   []*AuditEvent
	capacity int
	closed   bool

	seq    atomic.Uint64
	log    logger.Logger
	sink   AuditSink
	sinkCh chan *AuditEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRecorder creates a recorder with the given capacity (<=0 uses the
// default of 1000). When sink is non-nil a single worker goroutine forwards
// events to it until Close.
func NewRecorder(capacity int, sink AuditSink, log logger.Logger) *Recorder {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	r := &Recorder{
		events:   make([]*AuditEvent, 0, capacity),
		capacity: capacity,
		log:      log,
		sink:     sink,
		done:     make(chan struct{}),
	}
	if sink != nil {
		r.sinkCh = make(chan *AuditEvent, 1024)
		r.wg.Add(1)
		go r.forward()
	}
	return r
}

// Record assigns a synthetic id and timestamp, prepends the event, and trims
// the log to capacity. The stored event is returned.
func (r *Recorder) Record(input AuditEventInput) *AuditEvent {
	event := &AuditEvent{
		ID:               "evt-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10),
		SubjectID:        input.SubjectID,
		Permission:       input.Permission,
		Resource:         input.Resource,
		Action:           input.Action,
		Result:           input.Result,
		Reason:           input.Reason,
		Context:          input.Context,
		EvaluationTimeMs: input.EvaluationTimeMs,
		Timestamp:        time.Now(),
	}

	r.mu.Lock()
	r.events = append([]*AuditEvent{event}, r.events...)
	if len(r.events) > r.capacity {
		r.events = r.events[:r.capacity]
	}
	// The sink send happens under mu so it is ordered against Close marking
	// the recorder closed; the send itself never blocks.
	if r.sinkCh != nil && !r.closed {
		select {
		case r.sinkCh <- event:
		default:
			// never block the evaluation path on a slow sink
			r.log.Debug("audit sink queue full, event dropped", "event", event.ID)
		}
	}
	r.mu.Unlock()
	return event
}

// Events returns a snapshot of the log, newest first.
func (r *Recorder) Events() []*AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

// EventsForSubject returns the subject's events, newest first.
func (r *Recorder) EventsForSubject(subjectID string) []*AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AuditEvent, 0)
	for _, e := range r.events {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the current number of retained events.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Close stops the sink worker after draining queued events. Record stays safe
// to call afterwards; late events are retained in memory but not forwarded.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		if r.sinkCh != nil {
			close(r.sinkCh)
		}
		r.wg.Wait()
	})
}

func (r *Recorder) forward() {
	defer r.wg.Done()
	ctx := context.Background()
	for event := range r.sinkCh {
		if err := r.sink.Write(ctx, event); err != nil {
			r.log.Error("audit sink write failed", "event", event.ID, "error", err.Error())
		}
	}
}
