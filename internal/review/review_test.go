package review

import (
	"context"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/model"
)

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

var (
	rec = model.Record{ID: "r1", Identifier: "1234567893", FirstName: "Jane", LastName: "Doe"}
	out = model.RecordOutcome{
		RecordID:          "r1",
		Tier:              model.TierLow,
		OverallConfidence: 2.0 / 3,
		Breakdown:         []string{"Identifier mismatch (-20%)"},
		Recommendations:   []string{"Provider data needs review"},
	}
)

func newQueue(m *mockNotion) *Notion {
	q := NewNotion(m, "db-review")
	q.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return q
}

func TestEnqueue_CreatesPage(t *testing.T) {
	m := &mockNotion{}
	ctx := context.Background()

	m.On("QueryDatabase", ctx, "db-review", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil)
	m.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		if req.Parent.DatabaseID != "db-review" {
			return false
		}
		title, ok := req.Properties[PropName].(notionapi.TitleProperty)
		if !ok || title.Title[0].Text.Content != "Jane Doe" {
			return false
		}
		conf, ok := req.Properties[PropConfidence].(notionapi.NumberProperty)
		if !ok || conf.Number != 0.67 {
			return false
		}
		tier, ok := req.Properties[PropTier].(notionapi.SelectProperty)
		return ok && tier.Select.Name == "low"
	})).Return(&notionapi.Page{ID: "page-1"}, nil)

	require.NoError(t, newQueue(m).Enqueue(ctx, "run-1", rec, out))
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueue_UpdatesExistingPage(t *testing.T) {
	m := &mockNotion{}
	ctx := context.Background()

	m.On("QueryDatabase", ctx, "db-review", mock.Anything).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "page-7"}},
	}, nil)
	m.On("UpdatePage", ctx, "page-7", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		runID, ok := req.Properties[PropRunID].(notionapi.RichTextProperty)
		return ok && runID.RichText[0].Text.Content == "run-2"
	})).Return(&notionapi.Page{ID: "page-7"}, nil)

	require.NoError(t, newQueue(m).Enqueue(ctx, "run-2", rec, out))
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestEnqueue_Errors(t *testing.T) {
	ctx := context.Background()

	m := &mockNotion{}
	m.On("QueryDatabase", ctx, "db-review", mock.Anything).Return(nil, assert.AnError)
	err := newQueue(m).Enqueue(ctx, "run-1", rec, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review: find page")

	m = &mockNotion{}
	m.On("QueryDatabase", ctx, "db-review", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil)
	m.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError)
	err = newQueue(m).Enqueue(ctx, "run-1", rec, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review: create page")
}

func TestProperties_FallsBackToKey(t *testing.T) {
	q := newQueue(&mockNotion{})
	props := q.properties("run-1", model.Record{Identifier: "1234567893"}, out)
	title := props[PropName].(notionapi.TitleProperty)
	assert.Equal(t, "1234567893", title.Title[0].Text.Content)

	status := props[PropStatus].(notionapi.StatusProperty)
	assert.Equal(t, StatusNeedsReview, status.Status.Name)
}
