package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned by a Prefetcher that is not running.
var ErrStopped = errors.New("prefetcher is not running")

// DefaultPrefetchDepth is the number of batches prepared ahead.
const DefaultPrefetchDepth = 3

// PrefetchConfig holds configuration for a Prefetcher.
type PrefetchConfig struct {
	BatchSize int // size of every prefetched batch
	Depth     int // batches prepared ahead (default: 3)
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher draws training batches from a source dataset in a background
// goroutine so the next batch is ready when the trainer asks for it. A
// single worker keeps the batch order identical to calling the source
// directly.
type Prefetcher struct {
	source    Dataset
	batchSize int
	depth     int

	batches chan prefetched
	done    chan struct{} // closed when the worker exits
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	failure   error // source error that stopped the worker
	failureMu sync.Mutex

	isRunning bool
	mutex     sync.Mutex
}

// NewPrefetcher wraps source. Call Start before the first NextBatch.
func NewPrefetcher(source Dataset, config PrefetchConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("source dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Depth <= 0 {
		config.Depth = DefaultPrefetchDepth
	}
	return &Prefetcher{
		source:    source,
		batchSize: config.BatchSize,
		depth:     config.Depth,
	}, nil
}

// Start launches the background worker.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.batches = make(chan prefetched, p.depth)
	p.done = make(chan struct{})
	p.failure = nil

	p.wg.Add(1)
	go p.worker()

	p.isRunning = true
	return nil
}

// Stop halts the worker and drops batches that were not consumed. It is
// safe to call more than once.
func (p *Prefetcher) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	close(p.batches)
	for range p.batches {
	}

	p.isRunning = false
	return nil
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	defer close(p.done)
	for {
		batch, err := p.source.NextBatch(p.batchSize)
		if err != nil {
			p.failureMu.Lock()
			p.failure = err
			p.failureMu.Unlock()
		}
		select {
		case p.batches <- prefetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// NextBatch returns the next prefetched batch, blocking until one is
// ready. batchSize must match the configured size. Once the source fails,
// every later call returns the same error.
func (p *Prefetcher) NextBatch(batchSize int) (*Batch, error) {
	if batchSize != p.batchSize {
		return nil, fmt.Errorf("prefetcher serves batches of %d, got request for %d", p.batchSize, batchSize)
	}

	p.mutex.Lock()
	running := p.isRunning
	batches, done, ctx := p.batches, p.done, p.ctx
	p.mutex.Unlock()
	if !running {
		return nil, ErrStopped
	}

	select {
	case r, ok := <-batches:
		if !ok {
			return nil, ErrStopped
		}
		return r.batch, r.err
	case <-done:
		// The worker is gone; hand out anything it queued before exiting.
		select {
		case r, ok := <-batches:
			if ok {
				return r.batch, r.err
			}
		default:
		}
		return nil, p.stickyError()
	case <-ctx.Done():
		return nil, ErrStopped
	}
}

func (p *Prefetcher) stickyError() error {
	p.failureMu.Lock()
	defer p.failureMu.Unlock()
	if p.failure != nil {
		return p.failure
	}
	return ErrStopped
}

// EvaluationBatch reads the evaluation split of the source directly.
func (p *Prefetcher) EvaluationBatch(count, offset int) (*Batch, error) {
	return p.source.EvaluationBatch(count, offset)
}

// NumExamples returns the size of the source training split.
func (p *Prefetcher) NumExamples() int {
	return p.source.NumExamples()
}
