package audit

import (
	"context"
	"time"

	"github.com/orchardworks/cellartrail/pkg/async"
	"github.com/orchardworks/cellartrail/pkg/contextkeys"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

// AppendMode controls how the recorder persists entries.
type AppendMode string

const (
	// AppendAsync writes entries in a detached goroutine. Store failures
	// are counted and logged but never reach the mutation caller.
	AppendAsync AppendMode = "async"
	// AppendSync writes entries inline. The mutation result is still
	// returned, but an append failure is joined onto the return error so
	// strict deployments can react to it.
	AppendSync AppendMode = "sync"
)

// BeforeFetcher loads a record's state before the mutation runs.
type BeforeFetcher func(ctx context.Context) (Snapshot, error)

// MutationFunc is the wrapped business operation. It returns the
// record's after-state, or nil for hard deletes.
type MutationFunc func(ctx context.Context) (Snapshot, error)

// MutationInfo describes the mutation being intercepted.
type MutationInfo struct {
	TableName string
	Operation Operation

	// RecordID identifies the affected record. For creates it may be
	// empty, in which case ResolveRecordID derives it from the result.
	RecordID string

	// ResolveRecordID extracts the record ID from the after-state when
	// RecordID is not known up front.
	ResolveRecordID func(after Snapshot) string
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink attaches a secondary sink receiving a copy of each entry.
func WithSink(sink Sink) RecorderOption {
	return func(r *Recorder) { r.sink = sink }
}

// WithActivityTracker attaches live per-actor activity counting.
func WithActivityTracker(tracker *ActivityTracker) RecorderOption {
	return func(r *Recorder) { r.tracker = tracker }
}

// WithAppendMode selects sync or async persistence.
func WithAppendMode(mode AppendMode) RecorderOption {
	return func(r *Recorder) {
		if mode == AppendSync {
			r.mode = AppendSync
		}
	}
}

// WithAppendTimeout bounds a single append attempt.
func WithAppendTimeout(timeout time.Duration) RecorderOption {
	return func(r *Recorder) {
		if timeout > 0 {
			r.appendTimeout = timeout
		}
	}
}

// WithHistoryInvalidator registers a callback run after each append,
// used to drop stale query-service cache lines.
func WithHistoryInvalidator(fn func(tableName, recordID string)) RecorderOption {
	return func(r *Recorder) { r.invalidate = fn }
}

// Recorder transparently wraps mutating operations so every mutation
// produces an audit entry without call sites doing it manually.
//
// The recorder assumes an authenticated actor already entered this
// path; unauthenticated calls must have been rejected upstream.
type Recorder struct {
	engine  *Engine
	store   Store
	sink    Sink
	tracker *ActivityTracker
	metrics *observability.Metrics
	logger  *observability.Logger

	mode          AppendMode
	appendTimeout time.Duration
	invalidate    func(tableName, recordID string)
}

// NewRecorder creates a recorder with async appends by default.
func NewRecorder(engine *Engine, store Store, metrics *observability.Metrics, logger *observability.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		engine:        engine,
		store:         store,
		metrics:       metrics,
		logger:        logger,
		mode:          AppendAsync,
		appendTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record wraps one mutation:
//
//  1. For operations with a before-state, the fetcher captures it
//     before the mutation runs.
//  2. The mutation executes; its failure propagates unchanged and
//     nothing is audited.
//  3. The entry is built from the redacted snapshots and persisted
//     per the append mode. Audit failures never alter the mutation
//     result, but every failure is counted and logged.
func (r *Recorder) Record(ctx context.Context, info MutationInfo, fetchBefore BeforeFetcher, mutate MutationFunc) (Snapshot, error) {
	var before Snapshot
	if info.Operation.HasBeforeState() && fetchBefore != nil {
		var err error
		before, err = fetchBefore(ctx)
		if err != nil {
			// The mutation must still run; the entry just loses its
			// before-state
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"table":     info.TableName,
				"record_id": info.RecordID,
			}).Warn("before-state fetch failed, auditing without it")
			before = nil
		}
	}

	result, err := mutate(ctx)
	if err != nil {
		// Cancelled or failed mutations never completed, so there is
		// nothing to audit
		return result, err
	}

	var after Snapshot
	if info.Operation.HasAfterState() {
		after = result
	}

	recordID := info.RecordID
	if recordID == "" && info.ResolveRecordID != nil {
		recordID = info.ResolveRecordID(result)
	}

	entry, buildErr := r.buildEntry(ctx, info, recordID, before, after)
	if buildErr != nil {
		r.reportAppendFailure(info, buildErr)
		return result, nil
	}

	switch r.mode {
	case AppendSync:
		appendCtx, cancel := context.WithTimeout(ctx, r.appendTimeout)
		defer cancel()
		if appendErr := r.persist(appendCtx, entry); appendErr != nil {
			r.reportAppendFailure(info, appendErr)
			return result, appendErr
		}
	default:
		// Detached so the append survives request context cancellation
		async.SafeGoDetached(ctx, r.appendTimeout, "audit append", func(taskCtx context.Context) error {
			if appendErr := r.persist(taskCtx, entry); appendErr != nil {
				r.reportAppendFailure(info, appendErr)
			}
			return nil
		})
	}

	return result, nil
}

func (r *Recorder) buildEntry(ctx context.Context, info MutationInfo, recordID string, before, after Snapshot) (*Entry, error) {
	redactedBefore := r.engine.Redact(before)
	redactedAfter := r.engine.Redact(after)

	if redactedBefore != nil {
		if err := ValidateSnapshot(redactedBefore); err != nil {
			return nil, err
		}
	}
	if redactedAfter != nil {
		if err := ValidateSnapshot(redactedAfter); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		TableName:   info.TableName,
		RecordID:    recordID,
		Operation:   info.Operation,
		BeforeState: redactedBefore,
		AfterState:  redactedAfter,
		Diff:        Diff(redactedBefore, redactedAfter),
		ActorID:     contextkeys.GetActorID(ctx),
		ActorEmail:  contextkeys.GetActorEmail(ctx),
		// Microsecond precision: the finest granularity every store
		// backend round-trips exactly
		OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	if rc := requestContextFrom(ctx); rc != nil {
		entry.RequestContext = rc
	}

	checksum, err := Checksum(entry)
	if err != nil {
		return nil, err
	}
	entry.Checksum = checksum

	return entry, nil
}

func (r *Recorder) persist(ctx context.Context, entry *Entry) error {
	start := time.Now()
	if _, err := r.store.Append(ctx, entry); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.AuditAppendsTotal.WithLabelValues(entry.TableName, string(entry.Operation), "success").Inc()
		r.metrics.AuditAppendDuration.WithLabelValues(entry.TableName).Observe(time.Since(start).Seconds())
	}

	r.tracker.Track(ctx, entry.ActorID, entry.Operation)

	if r.invalidate != nil {
		r.invalidate(entry.TableName, entry.RecordID)
	}

	if r.sink != nil {
		if err := r.sink.Write(ctx, entry); err != nil {
			// The store write already succeeded; a sink failure only
			// loses the secondary copy
			r.logger.WithError(err).WithField("entry_id", entry.ID).Warn("audit sink write failed")
		}
	}

	return nil
}

// reportAppendFailure makes every swallowed audit failure observable.
func (r *Recorder) reportAppendFailure(info MutationInfo, err error) {
	if r.metrics != nil {
		r.metrics.AuditAppendFailuresTotal.WithLabelValues(info.TableName, string(info.Operation)).Inc()
		r.metrics.AuditAppendsTotal.WithLabelValues(info.TableName, string(info.Operation), "failure").Inc()
	}
	r.logger.WithError(err).WithFields(map[string]interface{}{
		"table":     info.TableName,
		"operation": string(info.Operation),
		"record_id": info.RecordID,
	}).Error("audit append failed, mutation result unaffected")
}

func requestContextFrom(ctx context.Context) *RequestContext {
	rc := &RequestContext{
		IPAddress: contextkeys.GetIPAddress(ctx),
		SessionID: contextkeys.GetSessionID(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
	}
	if rc.IPAddress == "" && rc.SessionID == "" && rc.RequestID == "" {
		return nil
	}
	return rc
}
