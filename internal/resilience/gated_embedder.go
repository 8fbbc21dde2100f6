package resilience

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/cfiorelli/musicr/pkg/provider/embeddings"
)

// GatedEmbedder wraps an [embeddings.Provider] with a semaphore bounding how
// many Embed/EmbedBatch calls may be in flight at once, sized to the
// available CPU cores. The embedder's local path still runs on whatever
// goroutine calls Embed — the HTTP/WS accept loop must never be that
// goroutine directly — but without a bound, a burst of chat messages would
// queue an unbounded number of concurrent outbound calls against it. This is
// the worker-pool-sized dispatcher the accept loop's suspension points
// require.
type GatedEmbedder struct {
	inner embeddings.Provider
	sem   *semaphore.Weighted
}

var _ embeddings.Provider = (*GatedEmbedder)(nil)

// NewGatedEmbedder wraps inner with a semaphore admitting at most workers
// concurrent calls. workers <= 0 defaults to GOMAXPROCS.
func NewGatedEmbedder(inner embeddings.Provider, workers int) *GatedEmbedder {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &GatedEmbedder{inner: inner, sem: semaphore.NewWeighted(int64(workers))}
}

// Embed acquires a slot before delegating to inner, blocking until one frees
// up or ctx is cancelled.
func (g *GatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.inner.Embed(ctx, text)
}

// EmbedBatch acquires a slot before delegating to inner.
func (g *GatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.inner.EmbedBatch(ctx, texts)
}

// Dimensions delegates to inner; it does not consume a semaphore slot.
func (g *GatedEmbedder) Dimensions() int { return g.inner.Dimensions() }

// ModelID delegates to inner; it does not consume a semaphore slot.
func (g *GatedEmbedder) ModelID() string { return g.inner.ModelID() }
