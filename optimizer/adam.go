package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*model.Parameter
	mu     sync.Mutex
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params with zeroed moments.
func NewAdamOptimizer(config AdamConfig, params []*model.Parameter) (*AdamOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: newBuffers(params),
		VarianceBuffers: newBuffers(params),
		params:          params,
	}, nil
}

// Step performs a single Adam optimization step with bias correction.
func (adam *AdamOptimizerState) Step(grads []*mat.Dense) error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	if err := validateGradients(adam.params, grads); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range adam.params {
		weights := p.Value.RawMatrix().Data
		grad := gradientData(grads[i])
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]

		for j, g := range grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * weights[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			weights[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	adam.LearningRate = newLR
}

// GetLearningRate returns the learning rate used by the next step
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	total := 0
	for _, buf := range adam.MomentumBuffers {
		total += len(buf) * 2 // momentum + variance
	}
	return AdamStats{
		StepCount:      adam.StepCount,
		LearningRate:   adam.LearningRate,
		Beta1:          adam.Beta1,
		Beta2:          adam.Beta2,
		Epsilon:        adam.Epsilon,
		WeightDecay:    adam.WeightDecay,
		NumParameters:  len(adam.params),
		TotalStateSize: total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount      uint64
	LearningRate   float64
	Beta1          float64
	Beta2          float64
	Epsilon        float64
	WeightDecay    float64
	NumParameters  int
	TotalStateSize int // number of float64 state values
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i, p := range adam.params {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], p.Shape(), fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], p.Shape(), fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBuffers(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreBuffers(state, "variance", adam.VarianceBuffers)
}
