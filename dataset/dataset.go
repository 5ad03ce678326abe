// Package dataset provides the caption/image pairs the adversarial trainer
// consumes: matched images, independently drawn mismatched images and
// caption embeddings.
package dataset

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrEmpty is returned when a dataset has no examples to draw from.
var ErrEmpty = errors.New("dataset has no examples")

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	// NextBatch returns the next training batch. Exhausting the data wraps
	// around to a new pass instead of failing.
	NextBatch(batchSize int) (*Batch, error)

	// EvaluationBatch returns count examples of the evaluation split starting
	// at offset, wrapping around the end.
	EvaluationBatch(count, offset int) (*Batch, error)

	// NumExamples returns the size of the training split.
	NumExamples() int
}

// Batch holds one row per example.
type Batch struct {
	Real     *mat.Dense // matched images, flattened and scaled to [-1, 1]
	Wrong    *mat.Dense // images of other examples
	Embed    *mat.Dense // caption embeddings
	Captions []string
	Indices  []int // example index of each Real row
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	if b == nil || b.Embed == nil {
		return 0
	}
	r, _ := b.Embed.Dims()
	return r
}

// Example is one image with one or more caption embeddings.
type Example struct {
	Image      []float64   `json:"image,omitempty"`
	ImagePath  string      `json:"image_path,omitempty"` // JPEG or PNG, relative to the dataset file
	Embeddings [][]float64 `json:"embeddings"`
	Captions   []string    `json:"captions,omitempty"`
	Split      string      `json:"split,omitempty"` // "train" (default) or "test"
}
