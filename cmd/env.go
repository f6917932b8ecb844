package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/advisor"
	"github.com/sells-group/provider-validation/internal/config"
	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/pipeline"
	"github.com/sells-group/provider-validation/internal/progress"
	"github.com/sells-group/provider-validation/internal/resilience"
	"github.com/sells-group/provider-validation/internal/review"
	"github.com/sells-group/provider-validation/internal/source"
	"github.com/sells-group/provider-validation/internal/store"
	"github.com/sells-group/provider-validation/internal/trust"
	"github.com/sells-group/provider-validation/pkg/geocode"
	"github.com/sells-group/provider-validation/pkg/notion"
	"github.com/sells-group/provider-validation/pkg/npiregistry"
)

// validatorEnv holds the store and the orchestrator built from config.
type validatorEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the environment.
func (e *validatorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initValidator wires the sources, scoring, ledger, advisor and review queue
// from config. Callers should defer env.Close().
func initValidator(ctx context.Context, mode string, sink progress.Sink) (*validatorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &validatorEnv{Store: st}

	deps, err := buildDeps(ctx, cfg, st, sink)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Orchestrator = pipeline.New(deps, cfg.Pipeline.RecordConcurrency)
	return env, nil
}

func buildDeps(ctx context.Context, c *config.Config, st store.Store, sink progress.Sink) (pipeline.Deps, error) {
	builderCfg := consensus.DefaultConfig()
	if c.Consensus.WeightsFile != "" {
		loaded, err := consensus.LoadConfig(c.Consensus.WeightsFile)
		if err != nil {
			return pipeline.Deps{}, err
		}
		builderCfg = loaded
	}

	caller := source.NewCaller(resilience.NewBreakers(resilience.DefaultBreakerConfig()))
	if c.NPI.TimeoutSecs > 0 {
		caller.Timeouts[consensus.SourceNPIRegistry] = time.Duration(c.NPI.TimeoutSecs) * time.Second
	}
	if c.Google.TimeoutSecs > 0 {
		caller.Timeouts[consensus.SourceGoogleMaps] = time.Duration(c.Google.TimeoutSecs) * time.Second
	}

	npiOpts := []npiregistry.Option{npiregistry.WithBaseURL(c.NPI.BaseURL)}
	if c.NPI.RateLimit > 0 {
		npiOpts = append(npiOpts, npiregistry.WithRateLimit(c.NPI.RateLimit))
	}

	var geo source.Provider
	if c.Google.Key != "" {
		geoOpts := []geocode.Option{geocode.WithAPIKey(c.Google.Key), geocode.WithCacheTTL(time.Hour)}
		if c.Google.RateLimit > 0 {
			geoOpts = append(geoOpts, geocode.WithRateLimit(c.Google.RateLimit))
		}
		geo = source.NewGeolocation(geocode.NewClient(geoOpts...), c.Google.Key)
	} else {
		zap.L().Info("google maps key not set, geolocation will be skipped")
		geo = source.NewGeolocation(nil, "")
	}

	adv, err := advisor.New(ctx, advisor.Options{
		Backend:      c.Advisor.Provider,
		AnthropicKey: c.Advisor.AnthropicKey,
		GeminiKey:    c.Advisor.GeminiKey,
		Model:        c.Advisor.Model,
		Timeout:      time.Duration(c.Advisor.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return pipeline.Deps{}, err
	}

	deps := pipeline.Deps{
		Caller:      caller,
		Registry:    source.NewRegistry(npiregistry.NewClient(npiOpts...)),
		Geolocation: geo,
		Builder:     consensus.NewBuilder(builderCfg),
		Ledger:      trust.NewLedger(st, trust.WithLearningRate(c.Trust.LearningRate)),
		Advisor:     adv,
		History:     st,
		Sink:        sink,
	}
	if c.Notion.ReviewDB != "" {
		deps.Review = review.NewNotion(notion.NewClient(c.Notion.Token), c.Notion.ReviewDB)
	}
	return deps, nil
}
