package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/store"
)

type fakeHistory struct {
	runs    []model.ValidationRun
	trust   []model.TrustEntry
	runErr  error
	listErr error
}

func (f *fakeHistory) ListRuns(context.Context, store.RunFilter) ([]model.ValidationRun, error) {
	return f.runs, f.runErr
}

func (f *fakeHistory) ListTrust(context.Context) ([]model.TrustEntry, error) {
	return f.trust, f.listErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(h *fakeHistory) *Collector {
	c := NewCollector(h, h)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	h := &fakeHistory{
		runs: []model.ValidationRun{
			{ID: "a", Status: model.RunStatusCompleted, StartedAt: fixedNow.Add(-time.Hour),
				Stats: model.RunStats{Total: 4, Flagged: 1, AverageConfidence: 0.9}},
			{ID: "b", Status: model.RunStatusFailed, StartedAt: fixedNow.Add(-2 * time.Hour),
				Stats: model.RunStats{Total: 4, Flagged: 3, Errored: 2, AverageConfidence: 0.6}},
			{ID: "c", Status: model.RunStatusRunning, StartedAt: fixedNow.Add(-time.Minute),
				Stats: model.RunStats{Total: 10}},
			{ID: "old", Status: model.RunStatusFailed, StartedAt: fixedNow.Add(-48 * time.Hour),
				Stats: model.RunStats{Total: 100, Flagged: 100}},
		},
		trust: []model.TrustEntry{
			{Source: "npi_registry", Field: "name", Score: 0.9},
			{Source: "google_maps", Field: "phone", Score: 0.2},
		},
	}

	snap, err := newTestCollector(h).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 0.5, snap.RunFailRate, 1e-9)

	// Running runs carry no final stats.
	assert.Equal(t, 8, snap.RecordsTotal)
	assert.Equal(t, 4, snap.RecordsFlagged)
	assert.Equal(t, 2, snap.RecordsErrored)
	assert.InDelta(t, 0.5, snap.FlagRate, 1e-9)
	// Weighted by scored records: (0.9*4 + 0.6*2) / 6.
	assert.InDelta(t, 0.8, snap.AverageConfidence, 1e-9)

	require.Len(t, snap.Trust, 2)
	assert.Equal(t, "google_maps", snap.Trust[0].Source)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeHistory{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.FlagRate)
	assert.Empty(t, snap.Trust)
}

func TestCollector_Errors(t *testing.T) {
	_, err := newTestCollector(&fakeHistory{runErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")

	_, err = newTestCollector(&fakeHistory{listErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list trust")
}

func TestCollector_NilTrust(t *testing.T) {
	c := NewCollector(&fakeHistory{trust: []model.TrustEntry{{Source: "x"}}}, nil)
	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, snap.Trust)
}
