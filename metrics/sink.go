// Package metrics receives the per-step summaries of a training run:
// scalar losses, score histograms and generated image grids.
package metrics

import "image"

// Sink accepts summaries. Implementations need not be safe for concurrent
// use unless stated; the trainer calls them from one goroutine.
type Sink interface {
	Scalar(step int, name string, value float64)
	Histogram(step int, name string, values []float64)
	Images(step int, name string, grid image.Image)

	// Flush pushes buffered events to their destination.
	Flush() error
	Close() error
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Scalar(int, string, float64)      {}
func (Discard) Histogram(int, string, []float64) {}
func (Discard) Images(int, string, image.Image)  {}
func (Discard) Flush() error                     { return nil }
func (Discard) Close() error                     { return nil }
