package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/provider-validation/internal/model"
)

func TestFormatRunReport(t *testing.T) {
	run := &model.ValidationRun{
		ID:     "run-1",
		Status: model.RunStatusCompleted,
		Outcomes: []model.RecordOutcome{
			{RecordID: "rec-1", Identifier: "1234567893", Status: model.OutcomeValidated, OverallConfidence: 0.96, Tier: model.TierHigh},
			{RecordID: "rec-2", Identifier: "1234567890", Status: model.OutcomeFlagged, OverallConfidence: 0.2, Tier: model.TierCritical},
			{RecordID: "rec-3", Status: model.OutcomeErrored, Tier: model.TierCritical, Error: "identifier is required"},
		},
		Stats: model.RunStats{Total: 3, IdentifierVerified: 1, AddressVerified: 1, Flagged: 2, Errored: 1, AverageConfidence: 0.58},
	}

	var buf bytes.Buffer
	formatRunReport(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "RECORD")
	assert.Contains(t, out, "96%")
	assert.Contains(t, out, "identifier is required")
	assert.Contains(t, out, "Run run-1: completed")
	assert.Contains(t, out, "Total: 3  NPI verified: 1  Address verified: 1  Flagged: 2  Errored: 1  Avg confidence: 58%")
	assert.NotContains(t, out, "Error:")
}

func TestFormatRunReport_FailedRun(t *testing.T) {
	run := &model.ValidationRun{ID: "run-2", Status: model.RunStatusFailed, Error: "run cancelled"}

	var buf bytes.Buffer
	formatRunReport(&buf, run)
	assert.Contains(t, buf.String(), "Error: run cancelled")
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)

	var buf bytes.Buffer
	formatRunsList(&buf, []model.ValidationRun{
		{ID: "0f8d7a6c-1111-2222-3333-444455556666", Status: model.RunStatusCompleted, StartedAt: started, FinishedAt: &finished,
			Stats: model.RunStats{Total: 4, IdentifierVerified: 3, Flagged: 1}},
		{ID: "run-b", Status: model.RunStatusRunning, StartedAt: started},
	})
	out := buf.String()

	assert.Contains(t, out, "0f8d7a6c ")
	assert.NotContains(t, out, "1111-2222")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "2026-03-01 09:30")
	assert.Contains(t, out, "run-b")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("123456789"))
}

func TestFormatTrustList(t *testing.T) {
	var buf bytes.Buffer
	formatTrustList(&buf, []model.TrustEntry{
		{Source: "npi-registry", Field: "name", Score: 0.9123, SuccessCount: 9, FailureCount: 1, TotalValidations: 10,
			LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	out := buf.String()

	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "npi-registry")
	assert.Contains(t, out, "0.912")
	assert.Contains(t, out, "2026-03-01 12:00")
}
