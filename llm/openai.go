package llm

import (
	"context"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// openAIChat talks to any OpenAI-compatible chat completions endpoint.
type openAIChat struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	return &openAIChat{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
	}
}

// requestTemperature keeps a configured 0 on the wire. The request field is
// omitempty, and an omitted temperature makes the server use its default of 1.
func (c *openAIChat) requestTemperature() float32 {
	if c.temperature == 0 {
		return math.SmallestNonzeroFloat32
	}
	return c.temperature
}

func (c *openAIChat) Generate(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.requestTemperature(),
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion (%s): %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion (%s) returned no choices", c.model)
	}
	return resp.Choices[0].Message.Content, nil
}
