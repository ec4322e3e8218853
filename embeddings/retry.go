package embeddings

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

type retryingEmbedder struct {
	next     Embedder
	attempts uint
}

// WithRetry retries failed embedding calls with exponential backoff. Context
// cancellation stops retrying immediately.
func WithRetry(next Embedder, attempts uint) Embedder {
	return &retryingEmbedder{next: next, attempts: attempts}
}

func (r *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retry.Do(
		func() error {
			vectors, err := r.next.Embed(ctx, texts)
			if err != nil {
				return err
			}
			out = vectors
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
