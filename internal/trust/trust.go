// Package trust keeps the per-(source, field) reliability ledger. Scores move
// toward each observed outcome by exponential smoothing.
package trust

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
)

// Ledger constants.
const (
	MinScore            = 0.1
	MaxScore            = 1.0
	BootstrapSuccess    = 0.8
	BootstrapFailure    = 0.3
	DefaultLearningRate = 0.1
	// NeutralScore is reported for keys with no observations yet.
	NeutralScore = 0.5
	// SuccessConfidence is the confidence a successful lookup must exceed to
	// count as a positive outcome.
	SuccessConfidence = 0.7
)

// Store persists ledger entries. Update must apply fn as one atomic
// read-modify-write per key; implementations report lost races by wrapping
// resilience.ErrContention so the ledger can retry.
type Store interface {
	GetTrust(ctx context.Context, key model.TrustKey) (*model.TrustEntry, error)
	PutTrust(ctx context.Context, entry model.TrustEntry) error
	ListTrust(ctx context.Context) ([]model.TrustEntry, error)
	UpdateTrust(ctx context.Context, key model.TrustKey, fn func(cur *model.TrustEntry) model.TrustEntry) (model.TrustEntry, error)
}

// Ledger records validation outcomes into a Store.
type Ledger struct {
	store        Store
	learningRate float64
	retry        resilience.RetryConfig
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLearningRate sets the rate used for newly created entries.
func WithLearningRate(rate float64) Option {
	return func(l *Ledger) {
		if rate > 0 && rate <= 1 {
			l.learningRate = rate
		}
	}
}

// WithRetry overrides the contention retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Ledger) { l.retry = cfg }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		learningRate: DefaultLearningRate,
		retry:        resilience.ContentionRetryConfig(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.retry.ShouldRetry = resilience.IsContention
	return l
}

// Outcome reports whether a source result counts as a success for the
// ledger: the lookup succeeded and its confidence exceeds SuccessConfidence.
func Outcome(res model.SourceResult) bool {
	return res.Status == model.SourceSuccess && res.Confidence > SuccessConfidence
}

// Update applies one outcome to every (source, field) key. Each key is
// updated atomically; contention is retried and never surfaces unless the
// retry budget runs out.
func (l *Ledger) Update(ctx context.Context, source string, fields []model.Field, success bool) error {
	for _, f := range fields {
		key := model.NewTrustKey(source, f)
		err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
			_, err := l.store.UpdateTrust(ctx, key, func(cur *model.TrustEntry) model.TrustEntry {
				return Apply(cur, key, success, l.learningRate, l.now())
			})
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "trust: update %s", key)
		}
	}
	return nil
}

// Observe records a scored source result over the ledger fields. Skipped
// results carry no evidence and are ignored.
func (l *Ledger) Observe(ctx context.Context, res model.SourceResult) error {
	if res.Status == model.SourceSkipped {
		return nil
	}
	success := Outcome(res)
	zap.L().Debug("trust: observe",
		zap.String("source", res.Source),
		zap.Bool("success", success),
		zap.Float64("confidence", res.Confidence),
	)
	return l.Update(ctx, res.Source, model.LedgerFields, success)
}

// Score returns the learned score for a key, or NeutralScore when unseen.
func (l *Ledger) Score(ctx context.Context, source string, field model.Field) (float64, error) {
	e, err := l.store.GetTrust(ctx, model.NewTrustKey(source, field))
	if err != nil {
		return 0, eris.Wrap(err, "trust: get score")
	}
	if e == nil {
		return NeutralScore, nil
	}
	return e.Score, nil
}

// Entries lists every ledger entry.
func (l *Ledger) Entries(ctx context.Context) ([]model.TrustEntry, error) {
	entries, err := l.store.ListTrust(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "trust: list entries")
	}
	return entries, nil
}

// Apply computes the entry that results from observing one outcome. cur is
// nil for a key with no history.
func Apply(cur *model.TrustEntry, key model.TrustKey, success bool, learningRate float64, now time.Time) model.TrustEntry {
	if cur == nil {
		e := model.TrustEntry{
			Source:           key.Source,
			Field:            key.Field,
			Score:            BootstrapFailure,
			FailureCount:     1,
			TotalValidations: 1,
			LearningRate:     learningRate,
			LastUpdated:      now,
		}
		if success {
			e.Score = BootstrapSuccess
			e.SuccessCount, e.FailureCount = 1, 0
		}
		return e
	}

	e := *cur
	rate := e.LearningRate
	if rate <= 0 || rate > 1 {
		rate = learningRate
	}
	outcome := 0.0
	if success {
		outcome = 1.0
		e.SuccessCount++
	} else {
		e.FailureCount++
	}
	e.Score = clamp(e.Score*(1-rate) + outcome*rate)
	e.TotalValidations++
	e.LastUpdated = now
	return e
}

func clamp(s float64) float64 {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
