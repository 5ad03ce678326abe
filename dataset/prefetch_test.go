package dataset

import (
	"errors"
	"testing"
	"time"
)

// failingSource fails after a number of batches.
type failingSource struct {
	Dataset
	left int
}

func (f *failingSource) NextBatch(batchSize int) (*Batch, error) {
	if f.left == 0 {
		return nil, errors.New("disk on fire")
	}
	f.left--
	return f.Dataset.NextBatch(batchSize)
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	direct, err := NewMemory(indexedExamples(10), WithSeed(11))
	if err != nil {
		t.Fatal(err)
	}
	source, err := NewMemory(indexedExamples(10), WithSeed(11))
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewPrefetcher(source, PrefetchConfig{BatchSize: 3, Depth: 2})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for i := 0; i < 7; i++ {
		want, err := direct.NextBatch(3)
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.NextBatch(3)
		if err != nil {
			t.Fatalf("NextBatch %d failed: %v", i, err)
		}
		for row := range want.Indices {
			if got.Indices[row] != want.Indices[row] {
				t.Fatalf("batch %d row %d: index %d, want %d", i, row, got.Indices[row], want.Indices[row])
			}
		}
	}
	if p.NumExamples() != 10 {
		t.Errorf("expected 10 examples, got %d", p.NumExamples())
	}
}

func TestPrefetcherReportsSourceError(t *testing.T) {
	mem, err := NewMemory(indexedExamples(4), WithSeed(12))
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPrefetcher(&failingSource{Dataset: mem, left: 1}, PrefetchConfig{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if _, err := p.NextBatch(2); err != nil {
		t.Fatalf("first batch should succeed: %v", err)
	}
	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := p.NextBatch(2)
			done <- err
		}()
		select {
		case err := <-done:
			if err == nil || err.Error() != "disk on fire" {
				t.Errorf("call %d: expected the source error, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d blocked after the source failed", i)
		}
	}
}

func TestPrefetcherLifecycle(t *testing.T) {
	mem, err := NewMemory(indexedExamples(4), WithSeed(13))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewPrefetcher(nil, PrefetchConfig{BatchSize: 2}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := NewPrefetcher(mem, PrefetchConfig{}); err == nil {
		t.Error("expected error for zero batch size")
	}

	p, err := NewPrefetcher(mem, PrefetchConfig{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.NextBatch(2); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped before Start, got %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err == nil {
		t.Error("expected error when starting twice")
	}
	if _, err := p.NextBatch(3); err == nil {
		t.Error("expected error for a different batch size")
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op: %v", err)
	}
	if _, err := p.NextBatch(2); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}
