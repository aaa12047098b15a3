package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// Rule names a suspicious activity heuristic.
type Rule string

const (
	RuleMaxDeletesPerHour     Rule = "max_deletes_per_hour"
	RuleMaxOperationsPerActor Rule = "max_operations_per_actor"
)

// Anomaly is one flagged finding from a detector scan.
type Anomaly struct {
	ActorID       string    `json:"actor_id"`
	Rule          Rule      `json:"rule"`
	ObservedCount int       `json:"observed_count"`
	Threshold     int       `json:"threshold"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
}

// Detector is a deterministic threshold classifier over the audit log.
// Thresholds are tunable at runtime by the policy watcher.
type Detector struct {
	store   Store
	metrics *observability.Metrics

	mu            sync.RWMutex
	maxDeletes    int
	maxOperations int
	window        time.Duration
}

// NewDetector creates a detector with the given thresholds. The window
// is the default trailing scan range used by ScanRecent.
func NewDetector(store Store, maxDeletes, maxOperations int, window time.Duration, metrics *observability.Metrics) *Detector {
	if window <= 0 {
		window = time.Hour
	}
	return &Detector{
		store:         store,
		metrics:       metrics,
		maxDeletes:    maxDeletes,
		maxOperations: maxOperations,
		window:        window,
	}
}

// SetThresholds replaces the rule thresholds. Zero or negative values
// leave the current threshold in place.
func (d *Detector) SetThresholds(maxDeletes, maxOperations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if maxDeletes > 0 {
		d.maxDeletes = maxDeletes
	}
	if maxOperations > 0 {
		d.maxOperations = maxOperations
	}
}

// Scan evaluates every actor active inside the window against the
// configured thresholds. Each actor trips each rule at most once per
// scan, reporting the full observed count.
func (d *Detector) Scan(ctx context.Context, from, to time.Time) ([]Anomaly, error) {
	if !from.Before(to) {
		return nil, &InvalidQueryError{Field: "window", Reason: "window start must precede window end"}
	}

	counts, err := d.store.ActorOperationCounts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("anomaly scan failed: %w", err)
	}

	d.mu.RLock()
	maxDeletes := d.maxDeletes
	maxOperations := d.maxOperations
	d.mu.RUnlock()

	anomalies := make([]Anomaly, 0)
	for _, c := range counts {
		if maxDeletes > 0 && c.Deletes > maxDeletes {
			anomalies = append(anomalies, Anomaly{
				ActorID:       c.ActorID,
				Rule:          RuleMaxDeletesPerHour,
				ObservedCount: c.Deletes,
				Threshold:     maxDeletes,
				WindowStart:   from.UTC(),
				WindowEnd:     to.UTC(),
			})
			d.countAnomaly(RuleMaxDeletesPerHour)
		}
		if maxOperations > 0 && c.Total > maxOperations {
			anomalies = append(anomalies, Anomaly{
				ActorID:       c.ActorID,
				Rule:          RuleMaxOperationsPerActor,
				ObservedCount: c.Total,
				Threshold:     maxOperations,
				WindowStart:   from.UTC(),
				WindowEnd:     to.UTC(),
			})
			d.countAnomaly(RuleMaxOperationsPerActor)
		}
	}

	return anomalies, nil
}

// ScanRecent scans the trailing configured window ending now.
func (d *Detector) ScanRecent(ctx context.Context) ([]Anomaly, error) {
	d.mu.RLock()
	window := d.window
	d.mu.RUnlock()

	now := time.Now().UTC()
	return d.Scan(ctx, now.Add(-window), now)
}

func (d *Detector) countAnomaly(rule Rule) {
	if d.metrics != nil {
		d.metrics.AnomaliesDetectedTotal.WithLabelValues(string(rule)).Inc()
	}
}
