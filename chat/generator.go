package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabfab/legal-agent/llm"
)

var (
	ErrGenerationFailed  = errors.New("answer generation failed")
	ErrGenerationTimeout = fmt.Errorf("%w: timed out", ErrGenerationFailed)
)

// Generator renders the prompt and makes exactly one LLM call.
type Generator struct {
	client   llm.Client
	template PromptTemplate
	timeout  time.Duration
}

// NewGenerator uses DefaultPromptTemplate when template is empty. A zero
// timeout leaves the call bounded only by ctx.
func NewGenerator(client llm.Client, template PromptTemplate, timeout time.Duration) *Generator {
	if template == "" {
		template = DefaultPromptTemplate
	}
	return &Generator{client: client, template: template, timeout: timeout}
}

func (g *Generator) Generate(ctx context.Context, contextText, question, history string) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("%w: llm client is not configured", ErrGenerationFailed)
	}
	prompt := g.template.Render(contextText, question, history)

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.client.Generate(callCtx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("llm generate after %s: %w", g.timeout, ErrGenerationTimeout)
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return out, nil
}
