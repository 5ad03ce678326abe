package metrics

import (
	"image"
	"sync"
)

// Point is one recorded scalar.
type Point struct {
	Step  int
	Value float64
}

// Recorder keeps every event in memory. It is used by tests and by the
// sample command to capture a single grid.
type Recorder struct {
	mu         sync.Mutex
	scalars    map[string][]Point
	histograms map[string][][]float64
	images     map[string][]image.Image
	steps      map[string][]int
	flushes    int
	closed     bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		scalars:    make(map[string][]Point),
		histograms: make(map[string][][]float64),
		images:     make(map[string][]image.Image),
		steps:      make(map[string][]int),
	}
}

func (r *Recorder) Scalar(step int, name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars[name] = append(r.scalars[name], Point{Step: step, Value: value})
}

func (r *Recorder) Histogram(step int, name string, values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = append(r.histograms[name], append([]float64(nil), values...))
}

func (r *Recorder) Images(step int, name string, grid image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = append(r.images[name], grid)
	r.steps[name] = append(r.steps[name], step)
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Scalars returns the recorded series for name.
func (r *Recorder) Scalars(name string) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Point(nil), r.scalars[name]...)
}

// Histograms returns the raw samples recorded for name.
func (r *Recorder) Histograms(name string) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float64(nil), r.histograms[name]...)
}

// ImageSteps returns the steps at which images named name were recorded.
func (r *Recorder) ImageSteps(name string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.steps[name]...)
}

// LastImage returns the most recent image recorded under name.
func (r *Recorder) LastImage(name string) (image.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	imgs := r.images[name]
	if len(imgs) == 0 {
		return nil, false
	}
	return imgs[len(imgs)-1], true
}

// Flushes returns how many times Flush was called.
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
