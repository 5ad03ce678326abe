package training

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-wgancls/dataset"
)

// NoiseSampler draws every random tensor the training step needs from one
// seeded stream, so a run is reproducible for a given seed.
type NoiseSampler struct {
	rng     *rand.Rand
	normal  distuv.Normal
	uniform distuv.Uniform
}

// NewNoiseSampler seeds a PCG stream.
func NewNoiseSampler(seed int64) *NoiseSampler {
	src := rand.NewPCG(uint64(seed), uint64(seed)^0xda3e39cb94b95bdb)
	return &NoiseSampler{
		rng:     rand.New(src),
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		uniform: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

// Noise returns an n x dim matrix of standard normal samples.
func (s *NoiseSampler) Noise(n, dim int) *mat.Dense {
	data := make([]float64, n*dim)
	for i := range data {
		data[i] = s.normal.Rand()
	}
	return mat.NewDense(n, dim, data)
}

// Reparam returns the standard normal noise of the conditioning
// augmentation. It is a separate call so the draw order stays explicit.
func (s *NoiseSampler) Reparam(n, dim int) *mat.Dense {
	return s.Noise(n, dim)
}

// Interpolation returns one uniform [0, 1) coefficient per batch element.
func (s *NoiseSampler) Interpolation(n int) []float64 {
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = s.uniform.Rand()
	}
	return alpha
}

// IntN returns a uniform integer in [0, n).
func (s *NoiseSampler) IntN(n int) int {
	if n < 1 {
		return 0
	}
	return s.rng.IntN(n)
}

// EvaluationSet is the fixed noise and caption batch used for every sample
// grid of a run.
type EvaluationSet struct {
	Z        *mat.Dense
	Embed    *mat.Dense
	Captions []string
	Offset   int
}

// Size returns the number of samples in the set.
func (e *EvaluationSet) Size() int {
	if e == nil || e.Z == nil {
		return 0
	}
	r, _ := e.Z.Dims()
	return r
}

// FixedEvaluationSet draws the evaluation noise once and reads count
// evaluation captions starting at a random offset.
func FixedEvaluationSet(ds dataset.Dataset, s *NoiseSampler, count, noiseDim int) (*EvaluationSet, error) {
	z := s.Noise(count, noiseDim)
	offset := s.IntN(ds.NumExamples())
	batch, err := ds.EvaluationBatch(count, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read evaluation captions: %w", ErrDataExhausted, err)
	}
	return &EvaluationSet{Z: z, Embed: batch.Embed, Captions: batch.Captions, Offset: offset}, nil
}
