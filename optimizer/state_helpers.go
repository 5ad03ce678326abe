package optimizer

import (
	"fmt"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/model"
)

// Common helper functions for optimizer state management

// newBuffers allocates one zeroed buffer per parameter.
func newBuffers(params []*model.Parameter) [][]float64 {
	buffers := make([][]float64, len(params))
	for i, p := range params {
		buffers[i] = make([]float64, calculateTensorSize(p.Shape()))
	}
	return buffers
}

// extractBufferState copies a buffer into a serialisable tensor.
func extractBufferState(buffer []float64, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies saved tensor data into an existing buffer.
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// restoreBuffers restores every tensor of stateType into buffers by the
// index encoded in the tensor name.
func restoreBuffers(state *OptimizerState, stateType string, buffers [][]float64) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(buffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}

// extractFloat64Param safely extracts a numeric parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case uint64:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
