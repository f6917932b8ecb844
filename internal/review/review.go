// Package review files flagged records into a Notion database for manual
// follow-up.
package review

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/pkg/notion"
)

// Notion property names in the review database.
const (
	PropName            = "Name"
	PropRecordID        = "Record ID"
	PropNPI             = "NPI"
	PropTier            = "Tier"
	PropConfidence      = "Confidence"
	PropBreakdown       = "Breakdown"
	PropRecommendations = "Recommendations"
	PropRunID           = "Run ID"
	PropStatus          = "Status"
	PropFlaggedAt       = "Flagged At"
)

// StatusNeedsReview is the status given to newly queued pages.
const StatusNeedsReview = "Needs Review"

// Queue accepts flagged records.
type Queue interface {
	Enqueue(ctx context.Context, runID string, rec model.Record, out model.RecordOutcome) error
}

// Notion is a Queue that keeps one page per record, updating it when the
// record is flagged again.
type Notion struct {
	client notion.Client
	dbID   string
	now    func() time.Time
}

// NewNotion creates a review queue writing to database dbID.
func NewNotion(client notion.Client, dbID string) *Notion {
	return &Notion{client: client, dbID: dbID, now: time.Now}
}

// Enqueue implements Queue.
func (q *Notion) Enqueue(ctx context.Context, runID string, rec model.Record, out model.RecordOutcome) error {
	props := q.properties(runID, rec, out)

	existing, err := notion.FindByText(ctx, q.client, q.dbID, PropRecordID, rec.Key())
	if err != nil {
		return eris.Wrap(err, "review: find page")
	}

	if existing != nil {
		if _, err := q.client.UpdatePage(ctx, string(existing.ID), &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return eris.Wrap(err, "review: update page")
		}
		zap.L().Debug("review: updated page", zap.String("record_id", rec.Key()), zap.String("page_id", string(existing.ID)))
		return nil
	}

	_, err = q.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(q.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrap(err, "review: create page")
	}
	zap.L().Debug("review: queued record", zap.String("record_id", rec.Key()), zap.String("tier", string(out.Tier)))
	return nil
}

func (q *Notion) properties(runID string, rec model.Record, out model.RecordOutcome) notionapi.Properties {
	name := rec.FullName()
	if name == "" {
		name = rec.Key()
	}
	return notionapi.Properties{
		PropName:            notion.Title(name),
		PropRecordID:        notion.Text(rec.Key()),
		PropNPI:             notion.Text(rec.Identifier),
		PropTier:            notion.Select(string(out.Tier)),
		PropConfidence:      notion.Number(round2(out.OverallConfidence)),
		PropBreakdown:       notion.Text(strings.Join(out.Breakdown, "\n")),
		PropRecommendations: notion.Text(strings.Join(out.Recommendations, "\n")),
		PropRunID:           notion.Text(runID),
		PropStatus: notionapi.StatusProperty{
			Status: notionapi.Status{Name: StatusNeedsReview},
		},
		PropFlaggedAt: notion.Date(q.now()),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
