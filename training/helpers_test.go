package training

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/dataset"
	"github.com/tsawler/go-wgancls/model"
)

var testDims = model.Dims{Image: 4, Embedding: 3, Condition: 2, Noise: 3}

// testInputs draws a full critic batch with images in [-1, 1].
func testInputs(n int, d model.Dims, seed int64) *model.Inputs {
	s := NewNoiseSampler(seed)
	bounded := func(cols int) *mat.Dense {
		m := s.Noise(n, cols)
		m.Apply(func(_, _ int, v float64) float64 { return 2*s.uniform.Rand() - 1 }, m)
		return m
	}
	return &model.Inputs{
		Real:  bounded(d.Image),
		Wrong: bounded(d.Image),
		Embed: s.Noise(n, d.Embedding),
		Z:     s.Noise(n, d.Noise),
		Alpha: s.Interpolation(n),
		Eps:   s.Reparam(n, d.Condition),
	}
}

// testConfig returns a small valid configuration writing into t.TempDir().
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ImageSize = 2
	cfg.ImageChannels = 1
	cfg.EmbeddingDimension = testDims.Embedding
	cfg.ConditionDim = testDims.Condition
	cfg.NoiseDim = testDims.Noise
	cfg.SampleCount = 4
	cfg.BatchSize = 4
	cfg.Epochs = 1
	cfg.Seed = 42
	cfg.CriticLearningRate = 1e-3
	cfg.GeneratorLearningRate = 1e-3
	cfg.CheckpointDir = dir + "/checkpoints"
	cfg.SampleDir = dir + "/samples"
	cfg.LogsDir = dir + "/logs"
	cfg.PlainOutput = true
	return cfg
}

// testExamples returns n training examples shaped for testDims.
func testExamples(n int) []dataset.Example {
	examples := make([]dataset.Example, n)
	for i := range examples {
		v := float64(i%5)/5 - 0.4
		examples[i] = dataset.Example{
			Image:      []float64{v, -v, v / 2, 0.1},
			Embeddings: [][]float64{{1, v, 0}, {0.5, v, 1}},
			Captions:   []string{fmt.Sprintf("example %d", i)},
		}
	}
	return examples
}

func newTestDataset(t *testing.T, n int) *dataset.Memory {
	t.Helper()
	ds, err := dataset.NewMemory(testExamples(n), dataset.WithSeed(3))
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return ds
}

func newTestModel(t *testing.T, seed uint64) *model.Reference {
	t.Helper()
	m, err := model.NewReference(testDims, seed)
	if err != nil {
		t.Fatalf("NewReference failed: %v", err)
	}
	return m
}

func newTestContext(t *testing.T, cfg config.Config, m model.Model) *TrainingContext {
	t.Helper()
	tc, err := NewTrainingContext(cfg, m, nil)
	if err != nil {
		t.Fatalf("NewTrainingContext failed: %v", err)
	}
	return tc
}

func newTestStore(t *testing.T, cfg config.Config) *checkpoints.Store {
	t.Helper()
	store, err := checkpoints.NewStore(cfg.CheckpointDir, checkpoints.FormatBinary, cfg.CheckpointRetention)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

// callLog records optimizer invocations across both partitions in order.
type callLog struct {
	mu    sync.Mutex
	calls []byte
}

func (l *callLog) add(c byte) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *callLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.calls)
}

// stubOptimizer records Step calls and leaves parameters untouched.
type stubOptimizer struct {
	tag   byte
	log   *callLog
	lr    float64
	steps uint64
}

func (s *stubOptimizer) Step(grads []*mat.Dense) error {
	s.steps++
	s.log.add(s.tag)
	return nil
}

func (s *stubOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{Type: "Stub", Parameters: map[string]interface{}{"step_count": s.steps}}, nil
}

func (s *stubOptimizer) LoadState(state *checkpoints.OptimizerState) error { return nil }
func (s *stubOptimizer) GetStepCount() uint64                              { return s.steps }
func (s *stubOptimizer) UpdateLearningRate(lr float64)                     { s.lr = lr }
func (s *stubOptimizer) GetLearningRate() float64                          { return s.lr }

// countingDataset counts NextBatch calls and can cancel a run after a
// number of them.
type countingDataset struct {
	dataset.Dataset
	mu          sync.Mutex
	batches     int
	cancelAfter int
	cancel      func()
}

func (c *countingDataset) NextBatch(batchSize int) (*dataset.Batch, error) {
	c.mu.Lock()
	c.batches++
	if c.cancel != nil && c.batches == c.cancelAfter {
		c.cancel()
	}
	c.mu.Unlock()
	return c.Dataset.NextBatch(batchSize)
}

func (c *countingDataset) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// panicSampler is a reference model whose inference path panics.
type panicSampler struct {
	*model.Reference
}

func (panicSampler) Sample(z, embed *mat.Dense) (*mat.Dense, error) {
	panic("sampler exploded")
}

// errorSampler is a reference model whose inference path fails.
type errorSampler struct {
	*model.Reference
}

func (errorSampler) Sample(z, embed *mat.Dense) (*mat.Dense, error) {
	return nil, fmt.Errorf("shape mismatch")
}

// nanModel corrupts the synthetic critic scores.
type nanModel struct {
	*model.Reference
}

func (m nanModel) Forward(in *model.Inputs) (*model.Outputs, error) {
	out, err := m.Reference.Forward(in)
	if err != nil {
		return nil, err
	}
	for i := range out.Synthetic {
		out.Synthetic[i] = math.NaN()
	}
	return out, nil
}

func snapshot(params []*model.Parameter) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		out[i] = mat.DenseCopyOf(p.Value)
	}
	return out
}

func equalSnapshots(a, b []*mat.Dense) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !mat.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
