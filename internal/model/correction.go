package model

import "time"

// Correction is the audit entry written when a change set is applied to a
// stored record.
type Correction struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	Changes    map[string]any `json:"changes"`
	Reason     string         `json:"reason,omitempty"`
	OldVersion int            `json:"old_version"`
	NewVersion int            `json:"new_version"`
	AppliedAt  time.Time      `json:"applied_at"`
}
