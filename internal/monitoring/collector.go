// Package monitoring watches directory health across recent validation
// runs and raises alerts when failure rates, flag rates, or learned source
// trust cross configured thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/store"
)

// runScanLimit caps how many recent runs one collection reads.
const runScanLimit = 1000

// MetricsSnapshot holds a point-in-time view of directory health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	RunFailRate   float64 `json:"run_fail_rate"`

	// Record metrics across finished runs.
	RecordsTotal      int     `json:"records_total"`
	RecordsFlagged    int     `json:"records_flagged"`
	RecordsErrored    int     `json:"records_errored"`
	FlagRate          float64 `json:"flag_rate"`
	AverageConfidence float64 `json:"average_confidence"`

	// Trust ledger, lowest score first.
	Trust []model.TrustEntry `json:"trust,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of the history store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ValidationRun, error)
}

// TrustLister lists trust ledger entries.
type TrustLister interface {
	ListTrust(ctx context.Context) ([]model.TrustEntry, error)
}

// Collector gathers metrics from run history and the trust ledger.
type Collector struct {
	runs  RunLister
	trust TrustLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector. trust may be nil.
func NewCollector(runs RunLister, trust TrustLister) *Collector {
	return &Collector{runs: runs, trust: trust, now: time.Now}
}

// Collect gathers a snapshot of directory metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: runScanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var confidenceSum float64
	var scored int
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
			continue
		}

		s := r.Stats
		snap.RecordsTotal += s.Total
		snap.RecordsFlagged += s.Flagged
		snap.RecordsErrored += s.Errored
		if n := s.Total - s.Errored; n > 0 {
			confidenceSum += s.AverageConfidence * float64(n)
			scored += n
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RecordsTotal > 0 {
		snap.FlagRate = float64(snap.RecordsFlagged) / float64(snap.RecordsTotal)
	}
	if scored > 0 {
		snap.AverageConfidence = confidenceSum / float64(scored)
	}

	if c.trust != nil {
		entries, err := c.trust.ListTrust(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list trust")
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score })
		snap.Trust = entries
	}

	return snap, nil
}
