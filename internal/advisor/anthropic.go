package advisor

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/pkg/anthropic"
)

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic completer. An empty model uses
// anthropic.DefaultModel.
func NewAnthropic(client anthropic.Client, model string) *Anthropic {
	return &Anthropic{client: client, model: model}
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   1024,
		System:      "You review healthcare provider directory records for data quality. Answer with JSON only.",
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return "", eris.Wrap(err, "advisor: anthropic complete")
	}
	return resp.Text(), nil
}
