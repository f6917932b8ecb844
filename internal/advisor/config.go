package advisor

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/pkg/anthropic"
)

// Backend names accepted by New.
const (
	BackendNone      = "none"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"
)

// Options select and configure a backend.
type Options struct {
	Backend      string
	AnthropicKey string
	GeminiKey    string
	Model        string
	Timeout      time.Duration
}

// New builds the configured advisor. It returns nil, nil when the backend is
// "none" or empty.
func New(ctx context.Context, opts Options) (QualitativeAdvisor, error) {
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendAnthropic:
		if opts.AnthropicKey == "" {
			return nil, eris.New("advisor: anthropic key is required")
		}
		c := NewAnthropic(anthropic.NewClient(opts.AnthropicKey), opts.Model)
		return NewLLM(c, BackendAnthropic, opts.Timeout), nil
	case BackendGemini:
		if opts.GeminiKey == "" {
			return nil, eris.New("advisor: gemini key is required")
		}
		c, err := NewGemini(ctx, opts.GeminiKey, opts.Model)
		if err != nil {
			return nil, err
		}
		return NewLLM(c, BackendGemini, opts.Timeout), nil
	}
	return nil, eris.Errorf("advisor: unknown backend %q", opts.Backend)
}
