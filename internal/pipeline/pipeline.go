// Package pipeline drives validation runs: every record is checked against
// the identifier registry and geolocation, scored into a consensus, fed to
// the trust ledger, and reported through the progress tree.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/provider-validation/internal/advisor"
	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/npi"
	"github.com/sells-group/provider-validation/internal/progress"
	"github.com/sells-group/provider-validation/internal/review"
	"github.com/sells-group/provider-validation/internal/scoring"
	"github.com/sells-group/provider-validation/internal/source"
	"github.com/sells-group/provider-validation/internal/store"
	"github.com/sells-group/provider-validation/internal/trust"
)

// ErrCancelled is returned when a run is stopped between records.
var ErrCancelled = eris.New("pipeline: run cancelled")

// Stage labels carried by run-progress events.
const (
	StageValidation = "validation"
	StageSummary    = "summary"
	StageComplete   = "complete"
)

// Node ids of the fixed stages.
const (
	NodeRoot       = "root"
	NodeExtraction = "extraction"
	NodeValidation = "validation"
	NodeSummary    = "summary"
)

// Deps are the collaborators of an Orchestrator. Advisor, History and Review
// are optional.
type Deps struct {
	Caller      *source.Caller
	Registry    source.Provider
	Geolocation source.Provider
	Builder     *consensus.Builder
	Ledger      *trust.Ledger
	Advisor     advisor.QualitativeAdvisor
	History     store.HistoryStore
	Review      review.Queue
	Sink        progress.Sink
}

// Orchestrator runs validation passes over batches of records.
type Orchestrator struct {
	deps        Deps
	concurrency int
	now         func() time.Time
}

// New creates an Orchestrator. recordConcurrency below 1 processes records
// one at a time.
func New(deps Deps, recordConcurrency int) *Orchestrator {
	if deps.Caller == nil {
		deps.Caller = source.NewCaller(nil)
	}
	if deps.Builder == nil {
		deps.Builder = consensus.NewBuilder(nil)
	}
	if deps.Ledger == nil {
		deps.Ledger = trust.NewLedger(trust.NewMemoryStore())
	}
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}
	if recordConcurrency < 1 {
		recordConcurrency = 1
	}
	return &Orchestrator{deps: deps, concurrency: recordConcurrency, now: time.Now}
}

// Run validates records as a new run with a generated id.
func (o *Orchestrator) Run(ctx context.Context, records []model.Record) (*model.ValidationRun, error) {
	return o.RunWithID(ctx, uuid.NewString(), records)
}

// RunWithID validates records as run runID. Record failures never abort the
// run; the returned error is non-nil only when the run could not be
// persisted or was cancelled, in which case the partial run is still
// returned.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, records []model.Record) (*model.ValidationRun, error) {
	tree := progress.NewTree(o.deps.Sink)
	tree.Reset(runID)
	return o.run(ctx, tree, runID, records)
}

func (o *Orchestrator) run(ctx context.Context, tree *progress.Tree, runID string, records []model.Record) (*model.ValidationRun, error) {
	log := zap.L().With(zap.String("run_id", runID), zap.Int("records", len(records)))
	log.Info("pipeline: starting run")

	run := &model.ValidationRun{
		ID:        runID,
		Status:    model.RunStatusRunning,
		StartedAt: o.now().UTC(),
	}
	if o.deps.History != nil {
		if err := o.deps.History.CreateRun(ctx, *run); err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
	}

	o.node(tree, NodeRoot, "Orchestrator Agent", "Coordinating multi-agent workflow", "orchestrator", "")
	o.node(tree, NodeExtraction, "Data Extraction",
		fmt.Sprintf("Loaded %d provider records", len(records)), "extraction", NodeRoot)
	o.status(tree, NodeExtraction, progress.StatusComplete)
	o.node(tree, NodeValidation, "Multi-Source Validation",
		fmt.Sprintf("Validating %d providers against external sources", len(records)), "orchestrator", NodeRoot)

	outcomes := make([]*model.RecordOutcome, len(records))
	var (
		mu   sync.Mutex
		done int
	)

	// A slot is taken before the cancellation check so that no record starts
	// after the run was cancelled.
	slots := make(chan struct{}, o.concurrency)
	g := new(errgroup.Group)

	cancelled := false
	for i, rec := range records {
		slots <- struct{}{}
		if ctx.Err() != nil {
			<-slots
			cancelled = true
			break
		}
		g.Go(func() error {
			defer func() { <-slots }()
			out := o.processRecord(ctx, tree, runID, i, rec)
			outcomes[i] = &out

			// Emitted under mu so run progress never goes backwards.
			mu.Lock()
			defer mu.Unlock()
			pct := 30 + float64(done)/float64(len(records))*60
			done++
			tree.Progress(math.Round(pct), StageValidation)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out != nil {
			run.Outcomes = append(run.Outcomes, *out)
		}
	}
	run.Stats = Summarize(run.Outcomes)

	// Persist the final state even when the caller's context is gone.
	finishCtx := context.WithoutCancel(ctx)
	finished := o.now().UTC()
	run.FinishedAt = &finished

	if cancelled {
		run.Status = model.RunStatusFailed
		run.Error = "run cancelled"
		o.status(tree, NodeValidation, progress.StatusError)
		o.status(tree, NodeRoot, progress.StatusError)
		tree.Fail(run.Error)
		log.Warn("pipeline: run cancelled", zap.Int("processed", len(run.Outcomes)))
		if err := o.finish(finishCtx, *run); err != nil {
			log.Error("pipeline: persist cancelled run", zap.Error(err))
		}
		return run, ErrCancelled
	}

	o.status(tree, NodeValidation, progress.StatusComplete)
	o.node(tree, NodeSummary, "Results Summary", "Generating final report", "orchestrator", NodeRoot)
	tree.Progress(95, StageSummary)
	o.status(tree, NodeSummary, progress.StatusComplete)
	o.status(tree, NodeRoot, progress.StatusComplete)
	tree.Progress(100, StageComplete)

	run.Status = model.RunStatusCompleted
	tree.Complete(run.Stats)

	log.Info("pipeline: run complete",
		zap.Int("identifier_verified", run.Stats.IdentifierVerified),
		zap.Int("address_verified", run.Stats.AddressVerified),
		zap.Int("flagged", run.Stats.Flagged),
		zap.Int("errored", run.Stats.Errored),
		zap.Float64("average_confidence", run.Stats.AverageConfidence),
	)

	if err := o.finish(finishCtx, *run); err != nil {
		return run, err
	}
	return run, nil
}

func (o *Orchestrator) finish(ctx context.Context, run model.ValidationRun) error {
	if o.deps.History == nil {
		return nil
	}
	if err := o.deps.History.FinishRun(ctx, run); err != nil {
		return eris.Wrap(err, "pipeline: finish run")
	}
	return nil
}

// processRecord validates one record. Any failure is contained here and
// reported as an errored outcome.
func (o *Orchestrator) processRecord(ctx context.Context, tree *progress.Tree, runID string, i int, rec model.Record) (out model.RecordOutcome) {
	recordID := rec.Key()
	if recordID == "" {
		recordID = fmt.Sprintf("record_%d", i)
	}
	nodeID := fmt.Sprintf("record_%d", i)
	log := zap.L().With(zap.String("run_id", runID), zap.String("record_id", recordID))

	name := rec.FullName()
	if name == "" {
		name = "Unknown"
	}
	o.node(tree, nodeID, fmt.Sprintf("Provider %d: %s", i+1, name), "Processing provider data", "orchestrator", NodeValidation)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: record panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			out = o.errored(i, recordID, rec, &model.PipelineError{RecordID: recordID, Err: eris.Errorf("panic: %v", r)})
			o.status(tree, nodeID, progress.StatusError)
		}
		o.persist(ctx, runID, rec, out)
	}()

	if err := rec.Validate(); err != nil {
		log.Warn("pipeline: invalid record", zap.Error(err))
		o.status(tree, nodeID, progress.StatusError)
		return o.errored(i, recordID, rec, err)
	}

	out = o.validate(ctx, tree, nodeID, i, recordID, rec)
	o.status(tree, nodeID, progress.StatusComplete)
	log.Debug("pipeline: record validated",
		zap.String("tier", string(out.Tier)),
		zap.Float64("confidence", out.OverallConfidence),
	)
	return out
}

func (o *Orchestrator) validate(ctx context.Context, tree *progress.Tree, nodeID string, i int, recordID string, rec model.Record) model.RecordOutcome {
	idValid := npi.IsValid(rec.Identifier)

	idNode := nodeID + "_identifier"
	geoNode := nodeID + "_geolocation"
	o.node(tree, idNode, "NPI Registry Lookup", "Querying CMS NPI Registry for "+rec.Identifier, "npi", nodeID)
	o.node(tree, geoNode, "Address Geocoding", "Geocoding: "+rec.Address.String(), "geocoding", nodeID)

	var registry, geo model.SourceResult
	g := new(errgroup.Group)
	g.Go(func() error {
		registry = o.call(ctx, o.deps.Registry, consensus.SourceNPIRegistry, rec)
		o.status(tree, idNode, sourceStatus(registry))
		return nil
	})
	g.Go(func() error {
		geo = o.call(ctx, o.deps.Geolocation, consensus.SourceGoogleMaps, rec)
		o.status(tree, geoNode, sourceStatus(geo))
		return nil
	})
	_ = g.Wait()

	res := o.deps.Builder.Build(rec, []model.SourceResult{registry, geo})

	tier := scoring.Classify(res.OverallConfidence)
	if !idValid {
		tier = model.TierCritical
	}

	out := model.RecordOutcome{
		Index:               i,
		RecordID:            recordID,
		Identifier:          rec.Identifier,
		Status:              model.OutcomeFlagged,
		IdentifierValid:     idValid,
		Sources:             res.Sources,
		Consensus:           res.Consensus,
		OverallConfidence:   res.OverallConfidence,
		Tier:                tier,
		Breakdown:           res.Breakdown,
		AutoCorrectEligible: res.AutoCorrectEligible,
		SuggestedChanges:    res.SuggestedChanges,
		Recommendations:     res.Recommendations,
		CompletedAt:         o.now().UTC(),
	}
	if out.SourceStatus(consensus.SourceNPIRegistry) == model.SourceSuccess {
		out.Status = model.OutcomeValidated
	}

	if o.deps.Advisor != nil {
		assessNode := nodeID + "_assessment"
		o.node(tree, assessNode, "Quality Assessment", "Assessing overall data quality", "advisor", nodeID)
		a := o.deps.Advisor.Assess(ctx, advisor.Input{
			Record:             rec,
			Sources:            res.Sources,
			IdentifierValid:    idValid,
			IdentifierVerified: out.Status == model.OutcomeValidated,
			AddressVerified:    out.SourceStatus(consensus.SourceGoogleMaps) == model.SourceSuccess,
		})
		out.Assessment = &a
		st := progress.StatusComplete
		if a.Score <= 50 {
			st = progress.StatusError
		}
		o.status(tree, assessNode, st)
	}

	for _, s := range res.Sources {
		if err := o.deps.Ledger.Observe(ctx, s); err != nil {
			zap.L().Warn("pipeline: trust update failed",
				zap.String("record_id", recordID),
				zap.String("source", s.Source),
				zap.Error(err),
			)
		}
	}
	return out
}

// call runs p through the Caller. A missing provider is reported as skipped.
func (o *Orchestrator) call(ctx context.Context, p source.Provider, name string, rec model.Record) model.SourceResult {
	if p == nil {
		return model.Skipped(name, "source not configured")
	}
	return o.deps.Caller.Call(ctx, p, rec)
}

func (o *Orchestrator) errored(i int, recordID string, rec model.Record, err error) model.RecordOutcome {
	return model.RecordOutcome{
		Index:       i,
		RecordID:    recordID,
		Identifier:  rec.Identifier,
		Status:      model.OutcomeErrored,
		Tier:        model.TierCritical,
		Error:       err.Error(),
		CompletedAt: o.now().UTC(),
	}
}

// persist saves the outcome and files flagged records for review. Neither
// step can fail the record.
func (o *Orchestrator) persist(ctx context.Context, runID string, rec model.Record, out model.RecordOutcome) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("record_id", out.RecordID))

	if o.deps.History != nil {
		if err := o.deps.History.SaveOutcome(context.WithoutCancel(ctx), runID, out); err != nil {
			log.Warn("pipeline: save outcome failed", zap.Error(err))
		}
	}

	if o.deps.Review == nil || out.Status == model.OutcomeErrored || out.Tier == model.TierHigh {
		return
	}
	if err := o.deps.Review.Enqueue(ctx, runID, rec, out); err != nil {
		log.Warn("pipeline: review enqueue failed", zap.Error(err))
	}
}

func (o *Orchestrator) node(tree *progress.Tree, id, label, description, agent, parentID string) {
	if err := tree.Create(id, label, description, agent, parentID, progress.StatusProcessing); err != nil {
		zap.L().Debug("pipeline: create node", zap.Error(err))
	}
}

func (o *Orchestrator) status(tree *progress.Tree, id string, st progress.Status) {
	if err := tree.SetStatus(id, st); err != nil {
		zap.L().Debug("pipeline: set node status", zap.Error(err))
	}
}

func sourceStatus(res model.SourceResult) progress.Status {
	if res.Status == model.SourceSuccess {
		return progress.StatusComplete
	}
	return progress.StatusError
}
