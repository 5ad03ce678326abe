// Package optimizer implements first-order optimizers that update a fixed
// list of model parameters in place and can save and restore their state.
package optimizer

import (
	"fmt"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

// Optimizer defines the common interface for all optimizers.
// Each optimizer owns a fixed list of parameters, chosen at construction.
type Optimizer interface {
	// Step performs a single optimization step.
	// grads must align with the parameters the optimizer was built with.
	Step(grads []*mat.Dense) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the learning rate used by the next step
	GetLearningRate() float64
}

// OptimizerState represents the complete state of an optimizer.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateParameters checks that every parameter is backed by a contiguous
// matrix so its raw data can be updated in place.
func validateParameters(params []*model.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for _, p := range params {
		if p == nil || p.Value == nil {
			return fmt.Errorf("parameter is nil")
		}
		raw := p.Value.RawMatrix()
		if raw.Stride != raw.Cols {
			return fmt.Errorf("parameter %s is not contiguous", p.Name)
		}
	}
	return nil
}

// validateGradients checks that grads align with params in count and shape.
func validateGradients(params []*model.Parameter, grads []*mat.Dense) error {
	if len(grads) != len(params) {
		return fmt.Errorf("gradient count (%d) doesn't match parameter count (%d)", len(grads), len(params))
	}
	for i, g := range grads {
		if g == nil {
			return fmt.Errorf("gradient for %s is nil", params[i].Name)
		}
		gr, gc := g.Dims()
		pr, pc := params[i].Value.Dims()
		if gr != pr || gc != pc {
			return fmt.Errorf("gradient for %s has shape %dx%d, expected %dx%d", params[i].Name, gr, gc, pr, pc)
		}
	}
	return nil
}

// gradientData returns the gradient values in row-major order.
func gradientData(g *mat.Dense) []float64 {
	raw := g.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	return mat.DenseCopyOf(g).RawMatrix().Data
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
