package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages.
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers [][]float64 // Running average of squared gradients
	MomentumBuffers       [][]float64 // nil unless Momentum > 0
	GradientAvgBuffers    [][]float64 // nil unless Centered

	StepCount uint64

	params []*model.Parameter
	mu     sync.Mutex
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer over params.
func NewRMSPropOptimizer(config RMSPropConfig, params []*model.Parameter) (*RMSPropOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1), got %g", config.Alpha)
	}

	rmsprop := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: newBuffers(params),
		params:                params,
	}
	if config.Momentum > 0 {
		rmsprop.MomentumBuffers = newBuffers(params)
	}
	if config.Centered {
		rmsprop.GradientAvgBuffers = newBuffers(params)
	}
	return rmsprop, nil
}

// Step performs a single RMSProp optimization step
func (rmsprop *RMSPropOptimizerState) Step(grads []*mat.Dense) error {
	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()

	if err := validateGradients(rmsprop.params, grads); err != nil {
		return err
	}

	rmsprop.StepCount++

	for i, p := range rmsprop.params {
		weights := p.Value.RawMatrix().Data
		grad := gradientData(grads[i])
		sq := rmsprop.SquaredGradAvgBuffers[i]

		for j, g := range grad {
			if rmsprop.WeightDecay != 0 {
				g += rmsprop.WeightDecay * weights[j]
			}
			sq[j] = rmsprop.Alpha*sq[j] + (1-rmsprop.Alpha)*g*g

			avg := sq[j]
			if rmsprop.Centered {
				ga := rmsprop.GradientAvgBuffers[i]
				ga[j] = rmsprop.Alpha*ga[j] + (1-rmsprop.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			update := g / (math.Sqrt(math.Max(avg, 0)) + rmsprop.Epsilon)

			if rmsprop.Momentum > 0 {
				buf := rmsprop.MomentumBuffers[i]
				buf[j] = rmsprop.Momentum*buf[j] + update
				update = buf[j]
			}
			weights[j] -= rmsprop.LearningRate * update
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (rmsprop *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()
	rmsprop.LearningRate = newLR
}

// GetLearningRate returns the learning rate used by the next step
func (rmsprop *RMSPropOptimizerState) GetLearningRate() float64 {
	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()
	return rmsprop.LearningRate
}

// GetStepCount returns the current step count
func (rmsprop *RMSPropOptimizerState) GetStepCount() uint64 {
	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()
	return rmsprop.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rmsprop *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(rmsprop.params))
	for i, p := range rmsprop.params {
		stateData = append(stateData, extractBufferState(rmsprop.SquaredGradAvgBuffers[i], p.Shape(),
			fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rmsprop.MomentumBuffers != nil {
			stateData = append(stateData, extractBufferState(rmsprop.MomentumBuffers[i], p.Shape(),
				fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rmsprop.GradientAvgBuffers != nil {
			stateData = append(stateData, extractBufferState(rmsprop.GradientAvgBuffers[i], p.Shape(),
				fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rmsprop.LearningRate,
			"alpha":         rmsprop.Alpha,
			"epsilon":       rmsprop.Epsilon,
			"weight_decay":  rmsprop.WeightDecay,
			"momentum":      rmsprop.Momentum,
			"centered":      rmsprop.Centered,
			"step_count":    float64(rmsprop.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. The momentum and
// centered settings must match the ones the optimizer was built with.
func (rmsprop *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rmsprop.mu.Lock()
	defer rmsprop.mu.Unlock()

	momentum := extractFloat64Param(state.Parameters, "momentum", rmsprop.Momentum)
	centered := extractBoolParam(state.Parameters, "centered", rmsprop.Centered)
	if (momentum > 0) != (rmsprop.Momentum > 0) || centered != rmsprop.Centered {
		return fmt.Errorf("RMSProp state (momentum=%g, centered=%t) incompatible with optimizer (momentum=%g, centered=%t)",
			momentum, centered, rmsprop.Momentum, rmsprop.Centered)
	}

	rmsprop.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", rmsprop.LearningRate)
	rmsprop.Alpha = extractFloat64Param(state.Parameters, "alpha", rmsprop.Alpha)
	rmsprop.Epsilon = extractFloat64Param(state.Parameters, "epsilon", rmsprop.Epsilon)
	rmsprop.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", rmsprop.WeightDecay)
	rmsprop.Momentum = momentum
	rmsprop.StepCount = extractUint64Param(state.Parameters, "step_count", rmsprop.StepCount)

	if err := restoreBuffers(state, "squared_grad_avg", rmsprop.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if rmsprop.MomentumBuffers != nil {
		if err := restoreBuffers(state, "momentum", rmsprop.MomentumBuffers); err != nil {
			return err
		}
	}
	if rmsprop.GradientAvgBuffers != nil {
		if err := restoreBuffers(state, "gradient_avg", rmsprop.GradientAvgBuffers); err != nil {
			return err
		}
	}
	return nil
}
