package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-wgancls/model"
	"gonum.org/v1/gonum/mat"
)

// TestDefaultRMSPropConfig tests the default RMSProp configuration
func TestDefaultRMSPropConfig(t *testing.T) {
	config := DefaultRMSPropConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Alpha != 0.99 {
		t.Errorf("Expected Alpha 0.99, got %f", config.Alpha)
	}
	if config.Momentum != 0 || config.Centered {
		t.Errorf("Expected plain RMSProp defaults, got %+v", config)
	}
}

func TestRMSPropFirstStep(t *testing.T) {
	p := newParam("w", 1, 1, []float64{1})
	config := DefaultRMSPropConfig()
	config.Epsilon = 0

	rmsprop, err := NewRMSPropOptimizer(config, []*model.Parameter{p})
	if err != nil {
		t.Fatalf("NewRMSPropOptimizer failed: %v", err)
	}
	if err := rmsprop.Step([]*mat.Dense{mat.NewDense(1, 1, []float64{2})}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// sq = 0.01 * 4, update = 2 / sqrt(0.04) = 10
	want := 1 - 0.01*10
	if got := p.Value.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("weight = %f, want %f", got, want)
	}
}

func TestRMSPropVariantsConverge(t *testing.T) {
	tests := []struct {
		name     string
		momentum float64
		centered bool
	}{
		{"plain", 0, false},
		{"momentum", 0.5, false},
		{"centered", 0, true},
		{"centered momentum", 0.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newParam("w", 1, 3, []float64{-2, 0, 6})
			config := DefaultRMSPropConfig()
			config.LearningRate = 0.01
			config.Momentum = tt.momentum
			config.Centered = tt.centered

			rmsprop, err := NewRMSPropOptimizer(config, []*model.Parameter{p})
			if err != nil {
				t.Fatalf("NewRMSPropOptimizer failed: %v", err)
			}
			for i := 0; i < 3000; i++ {
				if err := rmsprop.Step([]*mat.Dense{quadraticGrad(p, 1)}); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			for i, v := range p.Value.RawMatrix().Data {
				if math.Abs(v-1) > 0.1 {
					t.Errorf("weight %d = %f, expected to converge to 1", i, v)
				}
			}
		})
	}
}

func TestRMSPropStateRoundTrip(t *testing.T) {
	config := DefaultRMSPropConfig()
	config.Momentum = 0.9
	config.Centered = true

	original := newParam("w", 1, 4, []float64{1, -1, 2, -2})
	rmsprop, err := NewRMSPropOptimizer(config, []*model.Parameter{original})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := rmsprop.Step([]*mat.Dense{quadraticGrad(original, 0)}); err != nil {
			t.Fatal(err)
		}
	}

	state, err := rmsprop.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 3 {
		t.Fatalf("expected 3 state tensors, got %d", len(state.StateData))
	}

	resumed := newParam("w", 1, 4, append([]float64(nil), original.Value.RawMatrix().Data...))
	restored, err := NewRMSPropOptimizer(config, []*model.Parameter{resumed})
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := rmsprop.Step([]*mat.Dense{quadraticGrad(original, 0)}); err != nil {
			t.Fatal(err)
		}
		if err := restored.Step([]*mat.Dense{quadraticGrad(resumed, 0)}); err != nil {
			t.Fatal(err)
		}
	}
	if !mat.Equal(original.Value, resumed.Value) {
		t.Error("resumed weights diverged")
	}
	if restored.GetStepCount() != 7 {
		t.Errorf("Expected step count 7, got %d", restored.GetStepCount())
	}
}

func TestRMSPropLoadStateRejectsIncompatibleLayout(t *testing.T) {
	params := []*model.Parameter{newParam("w", 1, 1, nil)}
	withMomentum := DefaultRMSPropConfig()
	withMomentum.Momentum = 0.9

	source, err := NewRMSPropOptimizer(withMomentum, params)
	if err != nil {
		t.Fatal(err)
	}
	state, err := source.GetState()
	if err != nil {
		t.Fatal(err)
	}

	target, err := NewRMSPropOptimizer(DefaultRMSPropConfig(), params)
	if err != nil {
		t.Fatal(err)
	}
	if err := target.LoadState(state); err == nil {
		t.Error("expected incompatible state error")
	}
}
