// Package advisor asks a language model for a qualitative review of a
// provider record. The review is informational: it is stored with the
// outcome but never feeds the confidence score.
package advisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/model"
)

// Mandatory issues prepended to every assessment when the checks they name
// did not pass.
const (
	IssueInvalidFormat  = "NPI number invalid format"
	IssueNotInRegistry  = "NPI not found in registry"
	IssueAddressUnknown = "Address not verified"
)

// Fallback scores used when the model's answer cannot be used.
const (
	unparsableVerified   = 60
	unparsableUnverified = 20
	erroredVerified      = 40
	erroredUnverified    = 15
)

// DefaultTimeout bounds one assessment call.
const DefaultTimeout = 20 * time.Second

// Input is what the advisor sees about one record.
type Input struct {
	Record             model.Record
	Sources            []model.SourceResult
	IdentifierValid    bool
	IdentifierVerified bool
	AddressVerified    bool
}

// QualitativeAdvisor produces an advisory assessment. Implementations never
// return an error; failures become fallback assessments.
type QualitativeAdvisor interface {
	Assess(ctx context.Context, in Input) model.Assessment
}

// Completer sends a single prompt to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLM is a QualitativeAdvisor backed by any Completer.
type LLM struct {
	completer Completer
	provider  string
	timeout   time.Duration
}

// NewLLM creates an advisor. provider labels assessments ("anthropic",
// "gemini"); a non-positive timeout uses DefaultTimeout.
func NewLLM(c Completer, provider string, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLM{completer: c, provider: provider, timeout: timeout}
}

// Assess implements QualitativeAdvisor.
func (a *LLM) Assess(ctx context.Context, in Input) model.Assessment {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	mandatory := mandatoryIssues(in)
	log := zap.L().With(zap.String("record_id", in.Record.Key()), zap.String("provider", a.provider))

	text, err := a.completer.Complete(ctx, buildPrompt(in))
	if err != nil {
		log.Warn("advisor: assessment failed, using fallback", zap.Error(err))
		return fallback(a.provider, in, mandatory, erroredVerified, erroredUnverified)
	}

	parsed, ok := parseAssessment(text)
	if !ok {
		log.Warn("advisor: unparsable assessment, using fallback", zap.Int("response_len", len(text)))
		return fallback(a.provider, in, mandatory, unparsableVerified, unparsableUnverified)
	}

	parsed.Provider = a.provider
	parsed.Issues = append(mandatory, parsed.Issues...)
	log.Debug("advisor: assessed", zap.Int("score", parsed.Score), zap.Int("issues", len(parsed.Issues)))
	return parsed
}

func fallback(provider string, in Input, issues []string, verified, unverified int) model.Assessment {
	score := unverified
	if in.IdentifierVerified {
		score = verified
	}
	return model.Assessment{Score: score, Issues: issues, Provider: provider, Fallback: true}
}

func mandatoryIssues(in Input) []string {
	var issues []string
	switch {
	case !in.IdentifierValid:
		issues = append(issues, IssueInvalidFormat)
	case !in.IdentifierVerified:
		issues = append(issues, IssueNotInRegistry)
	}
	if !in.AddressVerified {
		issues = append(issues, IssueAddressUnknown)
	}
	return issues
}
