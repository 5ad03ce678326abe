package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/model"
)

func TestCriticStepOnlyUpdatesCritic(t *testing.T) {
	cfg := testConfig(t)
	m := newTestModel(t, 1)
	pair, err := NewOptimizerPair(cfg, m, nil)
	if err != nil {
		t.Fatalf("NewOptimizerPair failed: %v", err)
	}

	criticBefore := snapshot(m.Parameters(model.Critic))
	generatorBefore := snapshot(m.Parameters(model.Generator))

	res, err := pair.CriticStep(testInputs(4, m.Dims(), 1))
	if err != nil {
		t.Fatalf("CriticStep failed: %v", err)
	}
	if !res.Health.Finite || !res.Health.Applied {
		t.Errorf("unexpected health %+v", res.Health)
	}
	if equalSnapshots(criticBefore, snapshot(m.Parameters(model.Critic))) {
		t.Error("critic parameters should change")
	}
	if !equalSnapshots(generatorBefore, snapshot(m.Parameters(model.Generator))) {
		t.Error("critic step must not touch generator parameters")
	}
}

func TestGeneratorStepOnlyUpdatesGenerator(t *testing.T) {
	cfg := testConfig(t)
	m := newTestModel(t, 2)
	pair, err := NewOptimizerPair(cfg, m, nil)
	if err != nil {
		t.Fatal(err)
	}

	criticBefore := snapshot(m.Parameters(model.Critic))
	generatorBefore := snapshot(m.Parameters(model.Generator))

	in := testInputs(4, m.Dims(), 2)
	in.Real, in.Wrong, in.Alpha = nil, nil, nil
	res, err := pair.GeneratorStep(in)
	if err != nil {
		t.Fatalf("GeneratorStep failed: %v", err)
	}
	if !res.Terms.Finite() {
		t.Errorf("expected finite generator terms, got %+v", res.Terms)
	}
	if !equalSnapshots(criticBefore, snapshot(m.Parameters(model.Critic))) {
		t.Error("generator step must not touch critic parameters")
	}
	if equalSnapshots(generatorBefore, snapshot(m.Parameters(model.Generator))) {
		t.Error("generator parameters should change")
	}
}

func TestNaNPolicies(t *testing.T) {
	tests := []struct {
		policy      config.NaNPolicy
		wantErr     bool
		wantApplied bool
	}{
		{config.NaNSkip, false, false},
		{config.NaNHalt, true, false},
		{config.NaNApply, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.NaNPolicy = tt.policy
			m := nanModel{newTestModel(t, 3)}
			pair, err := NewOptimizerPair(cfg, m, nil)
			if err != nil {
				t.Fatal(err)
			}
			before := snapshot(m.Parameters(model.Critic))

			res, err := pair.CriticStep(testInputs(4, m.Dims(), 3))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNumericalInstability) {
				t.Errorf("expected ErrNumericalInstability, got %v", err)
			}
			if res.Health.Finite {
				t.Error("step should be reported as non-finite")
			}
			if res.Health.Applied != tt.wantApplied {
				t.Errorf("applied = %v, want %v", res.Health.Applied, tt.wantApplied)
			}
			changed := !equalSnapshots(before, snapshot(m.Parameters(model.Critic)))
			if changed != tt.wantApplied {
				t.Errorf("parameters changed = %v, want %v", changed, tt.wantApplied)
			}
			if pair.NonFiniteSteps() != 1 {
				t.Errorf("expected 1 non-finite step, got %d", pair.NonFiniteSteps())
			}
		})
	}
}

func TestSetProgressAppliesSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.LRSchedule = config.ScheduleStep
	cfg.LRStepSize = 1
	cfg.LRGamma = 0.5
	cfg.GeneratorLearningRate = 4e-3
	pair, err := NewOptimizerPair(cfg, newTestModel(t, 4), nil)
	if err != nil {
		t.Fatal(err)
	}

	pair.SetProgress(Progress{Epoch: 2, Step: 1})
	critic, generator := pair.LearningRates()
	if math.Abs(critic-cfg.CriticLearningRate/4) > 1e-15 {
		t.Errorf("critic LR = %g, want %g", critic, cfg.CriticLearningRate/4)
	}
	if math.Abs(generator-1e-3) > 1e-15 {
		t.Errorf("generator LR = %g, want 1e-3", generator)
	}
}

func TestSetProgressOnStepClock(t *testing.T) {
	cfg := testConfig(t)
	cfg.LRSchedule = config.ScheduleStep
	cfg.LRScheduleUnit = config.UnitStep
	cfg.LRStepSize = 10
	cfg.LRGamma = 0.5
	pair, err := NewOptimizerPair(cfg, newTestModel(t, 4), nil)
	if err != nil {
		t.Fatal(err)
	}

	pair.SetProgress(Progress{Epoch: 3, Step: 10})
	if critic, _ := pair.LearningRates(); critic != cfg.CriticLearningRate {
		t.Errorf("critic LR at step 10 = %g, want %g", critic, cfg.CriticLearningRate)
	}
	pair.SetProgress(Progress{Epoch: 0, Step: 11})
	if critic, _ := pair.LearningRates(); math.Abs(critic-cfg.CriticLearningRate/2) > 1e-15 {
		t.Errorf("critic LR at step 11 = %g, want %g", critic, cfg.CriticLearningRate/2)
	}
}

func TestOptimizerStatesRoundTrip(t *testing.T) {
	for _, kind := range []config.OptimizerKind{config.OptimizerAdam, config.OptimizerRMSProp} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Optimizer = kind
			m := newTestModel(t, 5)
			pair, err := NewOptimizerPair(cfg, m, nil)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := pair.CriticStep(testInputs(4, m.Dims(), 5)); err != nil {
				t.Fatal(err)
			}

			states, err := pair.States()
			if err != nil {
				t.Fatalf("States failed: %v", err)
			}
			if len(states) != 2 || states[0].Partition != "critic" || states[1].Partition != "generator" {
				t.Fatalf("unexpected states %+v", states)
			}

			fresh, err := NewOptimizerPair(cfg, m, nil)
			if err != nil {
				t.Fatal(err)
			}
			ckpt := &checkpoints.Checkpoint{
				OptimizerStates: states,
				TrainingState:   checkpoints.TrainingState{Step: 9, NonFiniteSteps: 3},
			}
			if err := fresh.Restore(ckpt); err != nil {
				t.Fatalf("Restore failed: %v", err)
			}
			if fresh.NonFiniteSteps() != 3 {
				t.Errorf("expected restored non-finite count 3, got %d", fresh.NonFiniteSteps())
			}
			if fresh.critic.GetStepCount() != 1 || fresh.generator.GetStepCount() != 0 {
				t.Errorf("unexpected restored step counts %d/%d", fresh.critic.GetStepCount(), fresh.generator.GetStepCount())
			}
		})
	}
}

func TestNewOptimizerPairRejectsUnknownOptimizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimizer = "lbfgs"
	if _, err := NewOptimizerPair(cfg, newTestModel(t, 6), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
