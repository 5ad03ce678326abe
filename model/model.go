// Package model defines the contract between the adversarial training loop
// and a conditional generator/critic pair, plus a small reference model that
// implements it on the CPU with analytic gradients.
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Partition names one of the two disjoint sets of trainable parameters.
type Partition int

const (
	Critic Partition = iota
	Generator
)

func (p Partition) String() string {
	switch p {
	case Critic:
		return "critic"
	case Generator:
		return "generator"
	default:
		return fmt.Sprintf("Partition(%d)", int(p))
	}
}

// ParsePartition is the inverse of Partition.String.
func ParsePartition(s string) (Partition, error) {
	switch s {
	case "critic":
		return Critic, nil
	case "generator":
		return Generator, nil
	default:
		return 0, fmt.Errorf("unknown partition %q", s)
	}
}

// Parameter is a named trainable tensor owned by exactly one partition.
type Parameter struct {
	Name      string
	Partition Partition
	Value     *mat.Dense
}

// Shape returns the parameter dimensions as rows, cols.
func (p *Parameter) Shape() []int {
	r, c := p.Value.Dims()
	return []int{r, c}
}

// Dims describes the tensor widths a model was built for. Images travel as
// flattened rows of length Image.
type Dims struct {
	Image     int // height * width * channels
	Embedding int // caption embedding width
	Condition int // width of the learned conditioning distribution
	Noise     int // width of z
}

// Inputs is one forward pass worth of data. Every matrix has one row per
// batch element.
type Inputs struct {
	Real  *mat.Dense // matched real images, nil on a generator-only pass
	Wrong *mat.Dense // mismatched real images, nil on a generator-only pass
	Embed *mat.Dense // caption embeddings
	Z     *mat.Dense // noise
	Alpha []float64  // interpolation coefficient per element for the gradient penalty
	Eps   *mat.Dense // reparameterisation noise for the conditioning distribution
}

// BatchSize returns the number of rows shared by the inputs.
func (in *Inputs) BatchSize() int {
	if in.Embed == nil {
		return 0
	}
	r, _ := in.Embed.Dims()
	return r
}

// HasReal reports whether the critic-side inputs are present.
func (in *Inputs) HasReal() bool {
	return in.Real != nil && in.Wrong != nil
}

// Validate checks that every tensor has the batch leading dimension and the
// widths in d.
func (in *Inputs) Validate(d Dims) error {
	n := in.BatchSize()
	if n == 0 {
		return fmt.Errorf("inputs have no embedding batch")
	}
	check := func(name string, m *mat.Dense, cols int) error {
		if m == nil {
			return fmt.Errorf("%s is nil", name)
		}
		r, c := m.Dims()
		if r != n || c != cols {
			return fmt.Errorf("%s has shape %dx%d, expected %dx%d", name, r, c, n, cols)
		}
		return nil
	}
	if err := check("embed", in.Embed, d.Embedding); err != nil {
		return err
	}
	if err := check("z", in.Z, d.Noise); err != nil {
		return err
	}
	if err := check("eps", in.Eps, d.Condition); err != nil {
		return err
	}
	if in.Real != nil || in.Wrong != nil {
		if err := check("real", in.Real, d.Image); err != nil {
			return err
		}
		if err := check("wrong", in.Wrong, d.Image); err != nil {
			return err
		}
		if len(in.Alpha) != n {
			return fmt.Errorf("alpha has %d entries, expected %d", len(in.Alpha), n)
		}
	}
	return nil
}

// Outputs holds the results of a forward pass. Critic score slices have one
// entry per batch element and are nil when the pass did not compute them.
type Outputs struct {
	RealMatch      []float64 // D(real, embed)
	RealMismatch   []float64 // D(wrong, embed)
	Synthetic      []float64 // D(G(z, embed), embed)
	Interpolated   []float64 // D(x_hat, embed)
	InterpGradNorm []float64 // ||dD/dx_hat||_2 per element

	Generated   *mat.Dense
	EmbedMean   *mat.Dense
	EmbedLogStd *mat.Dense

	// Aux carries implementation state from Forward to Backward.
	Aux interface{}
}

// Adjoints carries dLoss/dOutput for every output a loss depends on. Nil
// fields contribute nothing.
type Adjoints struct {
	RealMatch      []float64
	RealMismatch   []float64
	Synthetic      []float64
	Interpolated   []float64
	InterpGradNorm []float64
	EmbedMean      *mat.Dense
	EmbedLogStd    *mat.Dense
}

// Model is a conditional generator and critic with two disjoint parameter
// partitions.
type Model interface {
	// Dims reports the tensor widths the model accepts.
	Dims() Dims

	// Parameters returns the trainable tensors of one partition. The slice
	// order is stable and matches the gradients returned by Backward.
	Parameters(p Partition) []*Parameter

	// Forward runs the generator and critic. When in.Real and in.Wrong are
	// nil only the generator-side outputs and Synthetic are produced.
	Forward(in *Inputs) (*Outputs, error)

	// Backward returns dLoss/dParameter for partition p only, given the
	// loss adjoints of a previous Forward on the same inputs.
	Backward(in *Inputs, out *Outputs, adj *Adjoints, p Partition) ([]*mat.Dense, error)

	// Sample runs the generator in inference mode.
	Sample(z, embed *mat.Dense) (*mat.Dense, error)
}

// AllParameters returns the critic partition followed by the generator
// partition.
func AllParameters(m Model) []*Parameter {
	params := append([]*Parameter{}, m.Parameters(Critic)...)
	return append(params, m.Parameters(Generator)...)
}

// CountParameters returns the number of scalar weights in params.
func CountParameters(params []*Parameter) int64 {
	var total int64
	for _, p := range params {
		r, c := p.Value.Dims()
		total += int64(r * c)
	}
	return total
}

// FormatParameterCount formats a parameter count with K/M suffixes.
func FormatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// Summary returns a human-readable listing of both partitions.
func Summary(m Model) string {
	d := m.Dims()
	summary := "Model Summary:\n"
	summary += fmt.Sprintf("Image: %d  Embedding: %d  Condition: %d  Noise: %d\n", d.Image, d.Embedding, d.Condition, d.Noise)
	for _, part := range []Partition{Critic, Generator} {
		params := m.Parameters(part)
		summary += fmt.Sprintf("\n%s (%s parameters)\n", part, FormatParameterCount(CountParameters(params)))
		for _, p := range params {
			summary += fmt.Sprintf("  %-28s %v\n", p.Name, p.Shape())
		}
	}
	return summary
}
