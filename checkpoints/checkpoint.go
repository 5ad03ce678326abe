// Package checkpoints serialises the complete training state (parameters of
// both partitions, optimizer moments and loop position) and manages the
// on-disk checkpoint directory.
package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

const (
	frameworkName    = "go-wgancls"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format, with the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".ckpt"
	}
}

// ParseFormat maps a configuration value onto a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "binary", "":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %q", s)
	}
}

// Checkpoint represents the complete state needed to resume training.
type Checkpoint struct {
	Weights         []WeightTensor   `json:"weights"`
	TrainingState   TrainingState    `json:"training_state"`
	OptimizerStates []OptimizerState `json:"optimizer_states"`
	Metadata        Metadata         `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name      string    `json:"name"`
	Partition string    `json:"partition"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
}

// TrainingState captures the position of the training loop. Step is the
// global step counter the loop resumes from.
type TrainingState struct {
	Epoch                 int     `json:"epoch"`
	Index                 int     `json:"index"`
	Step                  int     `json:"step"`
	CriticLearningRate    float64 `json:"critic_learning_rate"`
	GeneratorLearningRate float64 `json:"generator_learning_rate"`
	NonFiniteSteps        int     `json:"nonfinite_steps"`
	Seed                  int64   `json:"seed"`
}

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Partition  string                 `json:"partition,omitempty"`
	Type       string                 `json:"type"` // "Adam", "RMSProp"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "squared_grad_avg", ...
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// OptimizerFor returns the optimizer state saved for a partition.
func (c *Checkpoint) OptimizerFor(partition string) (*OptimizerState, bool) {
	for i := range c.OptimizerStates {
		if c.OptimizerStates[i].Partition == partition {
			return &c.OptimizerStates[i], true
		}
	}
	return nil, false
}

func (c *Checkpoint) ensureMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = frameworkName
		c.Metadata.Version = frameworkVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now()
	}
}

// Marshal encodes a checkpoint in the given format.
func Marshal(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	c.ensureMetadata()

	switch format {
	case FormatBinary:
		return marshalBinary(c)
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Unmarshal decodes a checkpoint previously produced by Marshal.
func Unmarshal(data []byte, format CheckpointFormat) (*Checkpoint, error) {
	switch format {
	case FormatBinary:
		return unmarshalBinary(data)
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// ExtractWeights copies parameter values into serialisable tensors.
func ExtractWeights(params []*model.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		weights = append(weights, WeightTensor{
			Name:      p.Name,
			Partition: p.Partition.String(),
			Shape:     []int{r, c},
			Data:      data,
		})
	}
	return weights
}

// LoadWeights copies saved tensors back into parameters, matching by name.
// Every parameter must be present with the same shape.
func LoadWeights(weights []WeightTensor, params []*model.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight for parameter %s", p.Name)
		}
		r, c := p.Value.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != r || w.Shape[1] != c {
			return fmt.Errorf("shape mismatch for weight %s: parameter [%d %d] vs checkpoint %v", p.Name, r, c, w.Shape)
		}
		if len(w.Data) != r*c {
			return fmt.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), r*c)
		}
		p.Value.Copy(mat.NewDense(r, c, w.Data))
	}
	return nil
}
