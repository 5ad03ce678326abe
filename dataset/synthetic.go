package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// syntheticClasses is the number of distinct caption classes generated.
const syntheticClasses = 4

var syntheticNames = [syntheticClasses]string{"horizontal stripes", "vertical stripes", "bright centre", "dark centre"}

// SyntheticConfig describes a generated dataset.
type SyntheticConfig struct {
	Examples      int
	ImageSize     int // side length in pixels
	Channels      int
	EmbeddingSize int
	Captions      int // caption embeddings per example
	Seed          uint64
}

// Synthetic generates a small conditional dataset whose caption embedding
// determines the image pattern, with one example in eight held out for
// evaluation.
func Synthetic(cfg SyntheticConfig, opts ...MemoryOption) (*Memory, error) {
	if cfg.Examples < 2 || cfg.ImageSize < 1 || cfg.Channels < 1 || cfg.EmbeddingSize < syntheticClasses {
		return nil, fmt.Errorf("invalid synthetic dataset config %+v", cfg)
	}
	if cfg.Captions < 1 {
		cfg.Captions = DefaultEmbeddingWindow
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))
	examples := make([]Example, cfg.Examples)
	for i := range examples {
		class := i % syntheticClasses
		ex := Example{
			Image:      syntheticImage(rng, class, cfg.ImageSize, cfg.Channels),
			Embeddings: make([][]float64, cfg.Captions),
			Captions:   make([]string, cfg.Captions),
		}
		for c := range ex.Embeddings {
			e := make([]float64, cfg.EmbeddingSize)
			for j := range e {
				e[j] = 0.1 * rng.NormFloat64()
			}
			e[class] += 1
			ex.Embeddings[c] = e
			ex.Captions[c] = fmt.Sprintf("%s, sample %d", syntheticNames[class], c)
		}
		if i%8 == 7 {
			ex.Split = "test"
		}
		examples[i] = ex
	}

	return NewMemory(examples, opts...)
}

func syntheticImage(rng *rand.Rand, class, size, channels int) []float64 {
	img := make([]float64, 0, size*size*channels)
	centre := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var v float64
			switch class {
			case 0:
				v = math.Cos(math.Pi * float64(y))
			case 1:
				v = math.Cos(math.Pi * float64(x))
			case 2, 3:
				d := math.Hypot(float64(x)-centre, float64(y)-centre) / (centre + 1)
				v = 1 - 2*d
				if class == 3 {
					v = -v
				}
			}
			for c := 0; c < channels; c++ {
				img = append(img, math.Max(-1, math.Min(1, v+0.05*rng.NormFloat64())))
			}
		}
	}
	return img
}
