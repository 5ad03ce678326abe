package dataset

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultEmbeddingWindow is the number of caption embeddings averaged into
// one training embedding.
const DefaultEmbeddingWindow = 4

// Memory is an in-memory dataset with a training and an evaluation split.
type Memory struct {
	train []Example
	test  []Example

	imageSize     int
	embeddingSize int
	window        int

	rng      *rand.Rand
	indices  []int
	position int
	mutex    sync.Mutex
}

// MemoryOption configures a Memory dataset.
type MemoryOption func(*Memory)

// WithEmbeddingWindow sets how many caption embeddings are averaged per
// training example. It is capped by the number each example carries.
func WithEmbeddingWindow(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithSeed seeds shuffling and mismatched-image selection.
func WithSeed(seed uint64) MemoryOption {
	return func(m *Memory) {
		m.rng = rand.New(rand.NewPCG(seed, seed+1))
	}
}

// NewMemory splits examples by their Split field. When no example is marked
// "test" the training split doubles as the evaluation split.
func NewMemory(examples []Example, opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		window: DefaultEmbeddingWindow,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, ex := range examples {
		if len(ex.Image) == 0 {
			return nil, fmt.Errorf("example %d has no image", i)
		}
		if len(ex.Embeddings) == 0 {
			return nil, fmt.Errorf("example %d has no embeddings", i)
		}
		if m.imageSize == 0 {
			m.imageSize = len(ex.Image)
			m.embeddingSize = len(ex.Embeddings[0])
		}
		if len(ex.Image) != m.imageSize {
			return nil, fmt.Errorf("example %d image has %d values, expected %d", i, len(ex.Image), m.imageSize)
		}
		for j, e := range ex.Embeddings {
			if len(e) != m.embeddingSize {
				return nil, fmt.Errorf("example %d embedding %d has width %d, expected %d", i, j, len(e), m.embeddingSize)
			}
		}

		switch ex.Split {
		case "", "train":
			m.train = append(m.train, ex)
		case "test":
			m.test = append(m.test, ex)
		default:
			return nil, fmt.Errorf("example %d has unknown split %q", i, ex.Split)
		}
	}

	if len(m.train) == 0 {
		return nil, ErrEmpty
	}
	if len(m.test) == 0 {
		m.test = m.train
	}

	m.indices = make([]int, len(m.train))
	for i := range m.indices {
		m.indices[i] = i
	}
	m.shuffle()
	return m, nil
}

// NumExamples returns the size of the training split.
func (m *Memory) NumExamples() int {
	return len(m.train)
}

// ImageSize returns the flattened image width.
func (m *Memory) ImageSize() int {
	return m.imageSize
}

// EmbeddingSize returns the caption embedding width.
func (m *Memory) EmbeddingSize() int {
	return m.embeddingSize
}

// NextBatch returns batchSize shuffled training examples. Reaching the end
// of a pass reshuffles and continues, so the batch is always full.
func (m *Memory) NextBatch(batchSize int) (*Batch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	batch := m.newBatch(batchSize, true)
	for i := 0; i < batchSize; i++ {
		if m.position >= len(m.indices) {
			m.shuffle()
		}
		idx := m.indices[m.position]
		m.position++

		ex := m.train[idx]
		copy(batch.Real.RawRowView(i), ex.Image)
		copy(batch.Wrong.RawRowView(i), m.train[m.wrongIndex(idx)].Image)
		m.windowEmbedding(ex, batch.Embed.RawRowView(i))
		batch.Captions = append(batch.Captions, firstCaption(ex))
		batch.Indices = append(batch.Indices, idx)
	}
	return batch, nil
}

// EvaluationBatch returns count consecutive evaluation examples starting at
// offset. Each uses its first caption embedding.
func (m *Memory) EvaluationBatch(count, offset int) (*Batch, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := len(m.test)
	if offset < 0 {
		offset = offset%n + n
	}

	batch := m.newBatch(count, false)
	for i := 0; i < count; i++ {
		idx := (offset + i) % n
		ex := m.test[idx]
		copy(batch.Real.RawRowView(i), ex.Image)
		copy(batch.Embed.RawRowView(i), ex.Embeddings[0])
		batch.Captions = append(batch.Captions, firstCaption(ex))
		batch.Indices = append(batch.Indices, idx)
	}
	return batch, nil
}

func (m *Memory) newBatch(n int, withWrong bool) *Batch {
	b := &Batch{
		Real:     mat.NewDense(n, m.imageSize, nil),
		Embed:    mat.NewDense(n, m.embeddingSize, nil),
		Captions: make([]string, 0, n),
		Indices:  make([]int, 0, n),
	}
	if withWrong {
		b.Wrong = mat.NewDense(n, m.imageSize, nil)
	}
	return b
}

func (m *Memory) shuffle() {
	m.rng.Shuffle(len(m.indices), func(i, j int) {
		m.indices[i], m.indices[j] = m.indices[j], m.indices[i]
	})
	m.position = 0
}

// wrongIndex draws an example index other than idx, uniformly and
// independently of the caption. A single-example dataset returns idx.
func (m *Memory) wrongIndex(idx int) int {
	n := len(m.train)
	if n < 2 {
		return idx
	}
	j := m.rng.IntN(n - 1)
	if j >= idx {
		j++
	}
	return j
}

// windowEmbedding writes the mean of up to window randomly chosen caption
// embeddings of ex into dst.
func (m *Memory) windowEmbedding(ex Example, dst []float64) {
	k := m.window
	if k > len(ex.Embeddings) {
		k = len(ex.Embeddings)
	}
	for i := range dst {
		dst[i] = 0
	}
	for _, j := range m.rng.Perm(len(ex.Embeddings))[:k] {
		floats.Add(dst, ex.Embeddings[j])
	}
	floats.Scale(1/float64(k), dst)
}

func firstCaption(ex Example) string {
	if len(ex.Captions) == 0 {
		return ""
	}
	return ex.Captions[0]
}
