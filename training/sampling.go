package training

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-wgancls/model"
	"github.com/tsawler/go-wgancls/vision"
)

// SampleMetric names the generated grid in the metrics sink.
const SampleMetric = "g_sample"

// CaptionsFile lists the captions of the fixed evaluation set.
const CaptionsFile = "captions.txt"

// SampleResult is the outcome of one sampling pass. A failed pass carries
// Err and is logged by the scheduler; it never stops training.
type SampleResult struct {
	Step  int
	Epoch int
	Index int
	Path  string
	Grid  image.Image
	Err   error
}

// Ok reports whether the grid was produced and written.
func (r SampleResult) Ok() bool {
	return r.Err == nil
}

// SampleFileName returns the grid file name for an epoch and batch index.
func SampleFileName(epoch, idx int) string {
	return fmt.Sprintf("train_%02d_%04d.png", epoch, idx)
}

// Sample renders the fixed evaluation set, writes the grid to the sample
// directory and the sink. Errors and panics of the model become a failed
// result.
func (t *Trainer) Sample(epoch, idx int) (res SampleResult) {
	res = SampleResult{Step: t.tc.Step, Epoch: epoch, Index: idx}
	defer func() {
		if r := recover(); r != nil {
			res.Grid = nil
			res.Err = fmt.Errorf("%w: panic: %v", ErrSamplingFailed, r)
		}
	}()

	grid, err := RenderSamples(t.tc.Model, t.eval, t.cfg.ImageSize, t.cfg.ImageChannels)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSamplingFailed, err)
		return res
	}

	path := filepath.Join(t.cfg.SampleDir, SampleFileName(epoch, idx))
	if err := vision.SavePNG(grid, path); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSamplingFailed, err)
		return res
	}
	t.sink.Images(t.tc.Step, SampleMetric, grid)

	res.Path = path
	res.Grid = grid
	return res
}

// RenderSamples runs the generator in inference mode on the evaluation set
// and tiles the images into a square grid.
func RenderSamples(m model.Model, eval *EvaluationSet, size, channels int) (image.Image, error) {
	if eval.Size() == 0 {
		return nil, fmt.Errorf("evaluation set is empty")
	}
	rows, cols, err := vision.ManifoldSize(eval.Size())
	if err != nil {
		return nil, err
	}
	images, err := m.Sample(eval.Z, eval.Embed)
	if err != nil {
		return nil, fmt.Errorf("generator inference failed: %w", err)
	}
	return vision.MergeGrid(images, rows, cols, size, channels)
}

// FormatCaptions numbers captions from 1, one per line.
func FormatCaptions(captions []string) string {
	var b strings.Builder
	for i, c := range captions {
		fmt.Fprintf(&b, "%d: %s\n", i+1, c)
	}
	return b.String()
}

// WriteCaptions replaces dir/captions.txt with the numbered captions.
func WriteCaptions(dir string, captions []string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sample directory: %w", err)
	}
	content := "Captions of the sampled images:\n" + FormatCaptions(captions)
	if err := os.WriteFile(filepath.Join(dir, CaptionsFile), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write captions: %w", err)
	}
	return nil
}
