// Package source adapts external lookup services into normalized
// model.SourceResult values. Adapters are untrusted: every call goes through
// Caller, which bounds it with a timeout, recovers panics, and turns errors
// into failed results.
package source

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
)

// Provider is one external lookup.
type Provider interface {
	// Name is the source key used in weights, trust, and results.
	Name() string
	// Lookup queries the source for rec. Transport failures are returned as
	// errors; Caller converts them.
	Lookup(ctx context.Context, rec model.Record) (model.SourceResult, error)
}

// Func adapts a function into a Provider.
type Func struct {
	SourceName string
	Fn         func(ctx context.Context, rec model.Record) (model.SourceResult, error)
}

// Name implements Provider.
func (f Func) Name() string { return f.SourceName }

// Lookup implements Provider.
func (f Func) Lookup(ctx context.Context, rec model.Record) (model.SourceResult, error) {
	return f.Fn(ctx, rec)
}

// AdapterError is a failure inside a source adapter: transport errors,
// timeouts, bad status codes, or panics.
type AdapterError struct {
	Source string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ErrTimeout is reported when an adapter does not answer within its budget.
var ErrTimeout = eris.New("source: lookup timed out")

// Default per-source budgets.
const (
	DefaultTimeout     = 10 * time.Second
	RegistryTimeout    = 15 * time.Second
	GeolocationTimeout = 10 * time.Second
)

// Caller runs providers safely.
type Caller struct {
	// Timeouts overrides DefaultTimeout per source name.
	Timeouts map[string]time.Duration
	// Breakers, when set, short-circuits sources that keep failing.
	Breakers *resilience.Breakers
}

// NewCaller creates a Caller with the default registry and geolocation
// budgets.
func NewCaller(breakers *resilience.Breakers) *Caller {
	return &Caller{
		Timeouts: map[string]time.Duration{
			consensus.SourceNPIRegistry: RegistryTimeout,
			consensus.SourceGoogleMaps:  GeolocationTimeout,
		},
		Breakers: breakers,
	}
}

func (c *Caller) timeout(name string) time.Duration {
	if d, ok := c.Timeouts[name]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// Call runs p.Lookup under its timeout and always returns a result. A hung
// adapter is abandoned once the timeout fires; its goroutine is left to
// finish on its own.
func (c *Caller) Call(ctx context.Context, p Provider, rec model.Record) model.SourceResult {
	name := p.Name()

	lookup := func(ctx context.Context) (model.SourceResult, error) {
		return c.lookup(ctx, p, rec)
	}

	var res model.SourceResult
	var err error
	if c.Breakers != nil {
		res, err = resilience.ExecuteVal(ctx, c.Breakers.For(name), lookup)
	} else {
		res, err = lookup(ctx)
	}

	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = "circuit open after repeated failures"
		case errors.Is(err, ErrTimeout):
			reason = fmt.Sprintf("lookup timed out after %s", c.timeout(name))
		}
		zap.L().Warn("source: lookup failed",
			zap.String("source", name),
			zap.String("record_id", rec.Key()),
			zap.Error(err),
		)
		return model.Failed(name, reason)
	}

	if res.Source == "" {
		res.Source = name
	}
	if res.Status == "" {
		res.Status = model.SourceSuccess
	}
	if res.Status == model.SourceFailed {
		res.Confidence = 0
	}
	return res
}

type outcome struct {
	res model.SourceResult
	err error
}

func (c *Caller) lookup(ctx context.Context, p Provider, rec model.Record) (model.SourceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout(p.Name()))
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("source: adapter panic",
					zap.String("source", p.Name()),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- outcome{err: &AdapterError{Source: p.Name(), Err: eris.Errorf("panic: %v", r)}}
			}
		}()
		res, err := p.Lookup(ctx, rec)
		if err != nil {
			err = &AdapterError{Source: p.Name(), Err: err}
		}
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return model.SourceResult{}, &AdapterError{Source: p.Name(), Err: ErrTimeout}
		}
		return model.SourceResult{}, &AdapterError{Source: p.Name(), Err: ctx.Err()}
	}
}
