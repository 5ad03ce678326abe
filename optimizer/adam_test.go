package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

func newParam(name string, rows, cols int, data []float64) *model.Parameter {
	return &model.Parameter{Name: name, Partition: model.Critic, Value: mat.NewDense(rows, cols, data)}
}

// quadraticGrad returns d/dx (x - target)^2 for every element.
func quadraticGrad(p *model.Parameter, target float64) *mat.Dense {
	r, c := p.Value.Dims()
	g := mat.NewDense(r, c, nil)
	g.Apply(func(_, _ int, v float64) float64 { return 2 * (v - target) }, p.Value)
	return g
}

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamFirstStepIsSignScaled(t *testing.T) {
	p := newParam("w", 1, 3, []float64{1, -1, 0})
	config := DefaultAdamConfig()
	config.LearningRate = 0.1

	adam, err := NewAdamOptimizer(config, []*model.Parameter{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	grad := mat.NewDense(1, 3, []float64{0.5, -2, 0})
	if err := adam.Step([]*mat.Dense{grad}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// With bias correction the first update is lr * g/|g|.
	want := []float64{0.9, -0.9, 0}
	for j, w := range want {
		if got := p.Value.At(0, j); math.Abs(got-w) > 1e-6 {
			t.Errorf("weight %d = %f, want %f", j, got, w)
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamConverges(t *testing.T) {
	p := newParam("w", 2, 2, []float64{-1, 0, 4, 10})
	config := DefaultAdamConfig()
	config.LearningRate = 0.05
	config.Beta1 = 0.5

	adam, err := NewAdamOptimizer(config, []*model.Parameter{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	for i := 0; i < 3000; i++ {
		if err := adam.Step([]*mat.Dense{quadraticGrad(p, 3)}); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	for i, v := range p.Value.RawMatrix().Data {
		if math.Abs(v-3) > 2e-2 {
			t.Errorf("weight %d = %f, expected to converge to 3", i, v)
		}
	}
}

func TestAdamRejectsMismatchedGradients(t *testing.T) {
	p := newParam("w", 2, 2, nil)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*model.Parameter{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	tests := []struct {
		name  string
		grads []*mat.Dense
	}{
		{"wrong count", nil},
		{"wrong shape", []*mat.Dense{mat.NewDense(1, 4, nil)}},
		{"nil gradient", []*mat.Dense{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := adam.Step(tt.grads); err == nil {
				t.Error("expected error")
			}
		})
	}
	if adam.GetStepCount() != 0 {
		t.Errorf("rejected steps must not advance the step count, got %d", adam.GetStepCount())
	}
}

func TestAdamConfigValidation(t *testing.T) {
	p := []*model.Parameter{newParam("w", 1, 1, nil)}

	bad := DefaultAdamConfig()
	bad.LearningRate = 0
	if _, err := NewAdamOptimizer(bad, p); err == nil {
		t.Error("expected error for zero learning rate")
	}

	bad = DefaultAdamConfig()
	bad.Beta1 = 1
	if _, err := NewAdamOptimizer(bad, p); err == nil {
		t.Error("expected error for beta1 = 1")
	}

	if _, err := NewAdamOptimizer(DefaultAdamConfig(), nil); err == nil {
		t.Error("expected error for no parameters")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.01
	config.Beta1 = 0.5

	original := newParam("w", 2, 3, []float64{1, 2, 3, 4, 5, 6})
	adam, err := NewAdamOptimizer(config, []*model.Parameter{original})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := adam.Step([]*mat.Dense{quadraticGrad(original, 0)}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "Adam" || len(state.StateData) != 2 {
		t.Fatalf("unexpected state %s with %d tensors", state.Type, len(state.StateData))
	}

	// A fresh optimizer over a copy of the weights continues identically.
	resumed := newParam("w", 2, 3, append([]float64(nil), original.Value.RawMatrix().Data...))
	restored, err := NewAdamOptimizer(DefaultAdamConfig(), []*model.Parameter{resumed})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 5 || restored.GetLearningRate() != 0.01 || restored.Beta1 != 0.5 {
		t.Errorf("hyperparameters not restored: %+v", restored.GetStats())
	}

	for i := 0; i < 3; i++ {
		if err := adam.Step([]*mat.Dense{quadraticGrad(original, 0)}); err != nil {
			t.Fatal(err)
		}
		if err := restored.Step([]*mat.Dense{quadraticGrad(resumed, 0)}); err != nil {
			t.Fatal(err)
		}
	}
	if !mat.Equal(original.Value, resumed.Value) {
		t.Errorf("resumed weights diverged:\n%v\n%v", mat.Formatted(original.Value), mat.Formatted(resumed.Value))
	}
}

func TestAdamLoadStateRejectsOtherTypes(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*model.Parameter{newParam("w", 1, 1, nil)})
	if err != nil {
		t.Fatal(err)
	}
	if err := adam.LoadState(&OptimizerState{Type: "RMSProp"}); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := adam.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}

func TestAdamStats(t *testing.T) {
	params := []*model.Parameter{newParam("w", 8, 2, nil), newParam("b", 1, 2, nil)}
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), params)
	if err != nil {
		t.Fatal(err)
	}
	stats := adam.GetStats()
	if stats.NumParameters != 2 {
		t.Errorf("Expected 2 parameters, got %d", stats.NumParameters)
	}
	if stats.TotalStateSize != 2*(16+2) {
		t.Errorf("Expected state size %d, got %d", 2*(16+2), stats.TotalStateSize)
	}
}
