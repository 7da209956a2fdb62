package llmgateway

import (
	"context"
	"strings"
	"sync"
)

const maxEmbedConcurrency = 5

// boundedEmbedder wraps an Embedder with the teacher's concurrency-limited
// fan-out (internal/llm/embeddings.go's GenerateEmbeddings): each input is
// embedded independently behind a small semaphore, and blank/too-short
// inputs get a deterministic zero vector instead of a wasted round trip or a
// failed batch.
type boundedEmbedder struct {
	inner Embedder
}

// NewBoundedEmbedder returns an Embedder that fans out per-text calls to
// inner with bounded concurrency and a zero-vector fallback for short input.
func NewBoundedEmbedder(inner Embedder) Embedder {
	return &boundedEmbedder{inner: inner}
}

func (b *boundedEmbedder) Dimension() int { return b.inner.Dimension() }

func (b *boundedEmbedder) Embed(ctx context.Context, texts []string, phase EmbedPhase, model string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var errOnce error
	var mu sync.Mutex
	sem := make(chan struct{}, maxEmbedConcurrency)
	var wg sync.WaitGroup

	for i, t := range texts {
		if strings.TrimSpace(t) == "" || len(t) < 2 {
			out[i] = make([]float32, b.inner.Dimension())
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t string) {
			defer wg.Done()
			defer func() { <-sem }()
			vecs, err := b.inner.Embed(ctx, []string{t}, phase, model)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errOnce == nil {
					errOnce = err
				}
				out[i] = make([]float32, b.inner.Dimension())
				return
			}
			out[i] = vecs[0]
		}(i, t)
	}
	wg.Wait()
	if errOnce != nil {
		return out, errOnce
	}
	return out, nil
}
