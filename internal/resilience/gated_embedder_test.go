package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEmbedProvider struct {
	dims     int
	modelID  string
	inflight atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
}

func (f *fakeEmbedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	return make([]float32, f.dims), nil
}

func (f *fakeEmbedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func (f *fakeEmbedProvider) Dimensions() int { return f.dims }
func (f *fakeEmbedProvider) ModelID() string { return f.modelID }

func TestGatedEmbedder_BoundsConcurrentCalls(t *testing.T) {
	inner := &fakeEmbedProvider{dims: 4, modelID: "fake-v1", block: make(chan struct{})}
	gated := NewGatedEmbedder(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gated.Embed(context.Background(), "hello")
		}()
	}

	// Give the goroutines time to pile up against the semaphore, then let
	// them all complete.
	time.Sleep(50 * time.Millisecond)
	close(inner.block)
	wg.Wait()

	if max := inner.maxSeen.Load(); max > 2 {
		t.Errorf("max concurrent Embed calls = %d, want <= 2", max)
	}
}

func TestGatedEmbedder_DelegatesDimensionsAndModelID(t *testing.T) {
	inner := &fakeEmbedProvider{dims: 384, modelID: "fake-v1"}
	gated := NewGatedEmbedder(inner, 4)

	if gated.Dimensions() != 384 {
		t.Errorf("Dimensions() = %d, want 384", gated.Dimensions())
	}
	if gated.ModelID() != "fake-v1" {
		t.Errorf("ModelID() = %q, want fake-v1", gated.ModelID())
	}
}

func TestGatedEmbedder_AcquireRespectsContextCancellation(t *testing.T) {
	inner := &fakeEmbedProvider{dims: 4, modelID: "fake-v1", block: make(chan struct{})}
	gated := NewGatedEmbedder(inner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = gated.Embed(context.Background(), "holds the only slot")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	_, err := gated.Embed(ctx, "blocked")
	if err == nil {
		t.Error("expected an error when ctx is cancelled while waiting for a slot")
	}
	close(inner.block)
}
