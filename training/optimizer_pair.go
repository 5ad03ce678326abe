package training

import (
	"fmt"
	"io"
	"log"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/model"
	"github.com/tsawler/go-wgancls/optimizer"
)

// NonFiniteMetric is the health scalar counting updates with NaN or Inf
// losses or gradients.
const NonFiniteMetric = "health/nonfinite_steps"

// adamBeta2 is the second-moment decay of both Adam optimizers.
const adamBeta2 = 0.999

// StepHealth describes what happened to one optimizer update.
type StepHealth struct {
	Finite  bool // loss and gradients were finite
	Applied bool // the optimizer changed the parameters
}

// CriticResult is the outcome of one critic update.
type CriticResult struct {
	Terms   CriticTerms
	Outputs *model.Outputs
	Health  StepHealth
}

// GeneratorResult is the outcome of one generator update.
type GeneratorResult struct {
	Terms   GeneratorTerms
	Outputs *model.Outputs
	Health  StepHealth
}

// OptimizerPair owns one optimizer per parameter partition. Each update
// differentiates its own loss with respect to its own partition only.
type OptimizerPair struct {
	model     model.Model
	critic    optimizer.Optimizer
	generator optimizer.Optimizer
	coeffs    LossCoefficients
	policy    config.NaNPolicy
	scheduler LRScheduler
	logger    *log.Logger

	criticBaseLR    float64
	generatorBaseLR float64

	mu        sync.Mutex
	nonFinite int
}

// NewOptimizerPair builds the optimizers selected in cfg, each with its own
// learning rate and momentum decay.
func NewOptimizerPair(cfg config.Config, m model.Model, logger *log.Logger) (*OptimizerPair, error) {
	critic, err := newOptimizer(cfg.Optimizer, cfg.CriticLearningRate, cfg.CriticBetaDecay, m.Parameters(model.Critic))
	if err != nil {
		return nil, fmt.Errorf("%w: critic optimizer: %w", ErrConfiguration, err)
	}
	generator, err := newOptimizer(cfg.Optimizer, cfg.GeneratorLearningRate, cfg.GeneratorBetaDecay, m.Parameters(model.Generator))
	if err != nil {
		return nil, fmt.Errorf("%w: generator optimizer: %w", ErrConfiguration, err)
	}
	return NewOptimizerPairWith(cfg, m, critic, generator, logger)
}

// NewOptimizerPairWith wires caller-supplied optimizers. critic must update
// m.Parameters(model.Critic) and generator m.Parameters(model.Generator).
func NewOptimizerPairWith(cfg config.Config, m model.Model, critic, generator optimizer.Optimizer, logger *log.Logger) (*OptimizerPair, error) {
	scheduler, err := NewScheduler(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &OptimizerPair{
		model:     m,
		critic:    critic,
		generator: generator,
		coeffs: LossCoefficients{
			Mismatch:        cfg.MismatchLossWeight,
			GradientPenalty: cfg.GradientPenaltyWeight,
			KL:              cfg.KLLossWeight,
		},
		policy:          cfg.NaNPolicy,
		scheduler:       scheduler,
		logger:          logger,
		criticBaseLR:    cfg.CriticLearningRate,
		generatorBaseLR: cfg.GeneratorLearningRate,
	}, nil
}

func newOptimizer(kind config.OptimizerKind, lr, beta float64, params []*model.Parameter) (optimizer.Optimizer, error) {
	switch kind {
	case config.OptimizerAdam, "":
		c := optimizer.DefaultAdamConfig()
		c.LearningRate = lr
		c.Beta1 = beta
		c.Beta2 = adamBeta2
		return optimizer.NewAdamOptimizer(c, params)
	case config.OptimizerRMSProp:
		c := optimizer.DefaultRMSPropConfig()
		c.LearningRate = lr
		c.Momentum = beta
		return optimizer.NewRMSPropOptimizer(c, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// CriticStep runs forward, the critic loss, the critic backward pass and
// one critic optimizer update.
func (p *OptimizerPair) CriticStep(in *model.Inputs) (CriticResult, error) {
	out, err := p.model.Forward(in)
	if err != nil {
		return CriticResult{}, fmt.Errorf("critic forward: %w", err)
	}
	terms, adj, err := CriticLoss(out, p.coeffs)
	if err != nil {
		return CriticResult{}, err
	}
	grads, err := p.model.Backward(in, out, adj, model.Critic)
	if err != nil {
		return CriticResult{}, fmt.Errorf("critic backward: %w", err)
	}

	health, err := p.apply(model.Critic, p.critic, grads, terms.Finite())
	return CriticResult{Terms: terms, Outputs: out, Health: health}, err
}

// GeneratorStep runs the generator-side forward pass, the generator loss,
// the generator backward pass and one generator optimizer update. Critic
// parameters are read but never changed.
func (p *OptimizerPair) GeneratorStep(in *model.Inputs) (GeneratorResult, error) {
	out, err := p.model.Forward(in)
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("generator forward: %w", err)
	}
	terms, adj, err := GeneratorLoss(out, p.coeffs)
	if err != nil {
		return GeneratorResult{}, err
	}
	grads, err := p.model.Backward(in, out, adj, model.Generator)
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("generator backward: %w", err)
	}

	health, err := p.apply(model.Generator, p.generator, grads, terms.Finite())
	return GeneratorResult{Terms: terms, Outputs: out, Health: health}, err
}

// apply enforces the NaN policy and steps opt.
func (p *OptimizerPair) apply(part model.Partition, opt optimizer.Optimizer, grads []*mat.Dense, lossFinite bool) (StepHealth, error) {
	health := StepHealth{Finite: lossFinite && gradientsFinite(grads)}
	if !health.Finite {
		p.mu.Lock()
		p.nonFinite++
		count := p.nonFinite
		p.mu.Unlock()

		switch p.policy {
		case config.NaNHalt:
			return health, fmt.Errorf("%w: non-finite %s loss or gradient", ErrNumericalInstability, part)
		case config.NaNApply:
			p.logger.Printf("level=warn phase=%s msg=\"applying non-finite update\" nonfinite_steps=%d", part, count)
		default:
			p.logger.Printf("level=warn phase=%s msg=\"skipping non-finite update\" nonfinite_steps=%d", part, count)
			return health, nil
		}
	}

	if err := opt.Step(grads); err != nil {
		return health, fmt.Errorf("%s optimizer step: %w", part, err)
	}
	health.Applied = true
	return health, nil
}

// NonFiniteSteps returns the number of non-finite updates seen so far,
// including those restored from a checkpoint.
func (p *OptimizerPair) NonFiniteSteps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonFinite
}

// SetProgress applies the learning rate schedule at the given run position
// to both optimizers.
func (p *OptimizerPair) SetProgress(at Progress) {
	p.critic.UpdateLearningRate(p.scheduler.Rate(p.criticBaseLR, at))
	p.generator.UpdateLearningRate(p.scheduler.Rate(p.generatorBaseLR, at))
}

// LearningRates returns the current critic and generator learning rates.
func (p *OptimizerPair) LearningRates() (critic, generator float64) {
	return p.critic.GetLearningRate(), p.generator.GetLearningRate()
}

// SchedulerName returns the name of the learning rate schedule.
func (p *OptimizerPair) SchedulerName() string {
	return p.scheduler.Name()
}

// States exports both optimizer states tagged with their partition.
func (p *OptimizerPair) States() ([]checkpoints.OptimizerState, error) {
	var states []checkpoints.OptimizerState
	for _, entry := range []struct {
		part model.Partition
		opt  optimizer.Optimizer
	}{
		{model.Critic, p.critic},
		{model.Generator, p.generator},
	} {
		state, err := entry.opt.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to export %s optimizer state: %w", entry.part, err)
		}
		state.Partition = entry.part.String()
		states = append(states, *state)
	}
	return states, nil
}

// Restore loads the optimizer states of a checkpoint and the non-finite
// counter. Missing optimizer states leave the fresh optimizers untouched.
func (p *OptimizerPair) Restore(ckpt *checkpoints.Checkpoint) error {
	for _, entry := range []struct {
		part model.Partition
		opt  optimizer.Optimizer
	}{
		{model.Critic, p.critic},
		{model.Generator, p.generator},
	} {
		state, ok := ckpt.OptimizerFor(entry.part.String())
		if !ok {
			p.logger.Printf("level=warn msg=\"checkpoint has no %s optimizer state, starting fresh moments\"", entry.part)
			continue
		}
		if err := entry.opt.LoadState(state); err != nil {
			return fmt.Errorf("failed to restore %s optimizer: %w", entry.part, err)
		}
	}

	p.mu.Lock()
	p.nonFinite = ckpt.TrainingState.NonFiniteSteps
	p.mu.Unlock()
	return nil
}
