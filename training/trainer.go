// Package training runs text-conditioned Wasserstein GAN training with a
// gradient penalty: the alternating critic/generator schedule, the loss
// composition, periodic sampling and resumable checkpoints.
package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/dataset"
	"github.com/tsawler/go-wgancls/metrics"
	"github.com/tsawler/go-wgancls/model"
)

// Phase is the state of the training loop.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseResumed
	PhaseCritic
	PhaseGenerator
	PhaseSampling
	PhaseCheckpointing
	PhaseEpochBoundary
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseResumed:
		return "resumed"
	case PhaseCritic:
		return "critic"
	case PhaseGenerator:
		return "generator"
	case PhaseSampling:
		return "sampling"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseEpochBoundary:
		return "epoch-boundary"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// StepResult reports one outer step.
type StepResult struct {
	Step      int // counter after the increment
	Epoch     int
	Index     int
	Critic    CriticTerms // from the critic update after the generator update
	Generator GeneratorTerms
	Elapsed   time.Duration // since the trainer was initialised

	Sample        *SampleResult // set on sampling steps
	CheckpointID  string        // set when a checkpoint was written
	CheckpointErr error
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

// WithOptimizerPair replaces the optimizers built from the configuration.
func WithOptimizerPair(pair *OptimizerPair) TrainerOption {
	return func(t *Trainer) { t.pair = pair }
}

// WithNoiseSampler replaces the seeded noise stream.
func WithNoiseSampler(s *NoiseSampler) TrainerOption {
	return func(t *Trainer) { t.noise = s }
}

// Trainer runs the adversarial loop.
type Trainer struct {
	tc    *TrainingContext
	cfg   config.Config
	ds    dataset.Dataset
	store *checkpoints.Store
	sink  metrics.Sink
	pair  *OptimizerPair
	noise *NoiseSampler
	eval  *EvaluationSet

	styler      Styler
	seed        int64
	phase       Phase
	start       time.Time
	initialized bool
	lastSaved   int
}

// NewTrainer wires a run. store may be nil to train without checkpoints and
// sink may be nil to drop summaries. It fails with ErrConfiguration when
// the dataset cannot fill a single batch.
func NewTrainer(tc *TrainingContext, ds dataset.Dataset, store *checkpoints.Store, sink metrics.Sink, opts ...TrainerOption) (*Trainer, error) {
	if tc == nil || ds == nil {
		return nil, fmt.Errorf("%w: training context and dataset are required", ErrConfiguration)
	}
	cfg := tc.Config
	if err := cfg.ValidateDataset(ds.NumExamples()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if sink == nil {
		sink = metrics.Discard{}
	}

	t := &Trainer{
		tc:     tc,
		cfg:    cfg,
		ds:     ds,
		store:  store,
		sink:   sink,
		styler: Styler{Plain: tc.Plain},
		seed:   cfg.Seed,
		phase:  PhaseInitializing,
	}
	if t.seed == 0 {
		t.seed = time.Now().UnixNano()
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.pair == nil {
		pair, err := NewOptimizerPair(cfg, tc.Model, tc.Logger)
		if err != nil {
			return nil, err
		}
		t.pair = pair
	}
	if t.noise == nil {
		t.noise = NewNoiseSampler(t.seed)
	}
	return t, nil
}

// Phase returns the current loop state.
func (t *Trainer) Phase() Phase {
	return t.phase
}

// Counter returns the step counter.
func (t *Trainer) Counter() int {
	return t.tc.Step
}

// EvaluationSet returns the fixed sampling inputs drawn by Initialize.
func (t *Trainer) EvaluationSet() *EvaluationSet {
	return t.eval
}

// Initialize draws the fixed evaluation set and restores the newest
// checkpoint. A checkpoint that exists but cannot be read is fatal.
func (t *Trainer) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.phase = PhaseInitializing
	t.start = time.Now()
	logger := t.tc.Logger

	logger.Printf("device=%q seed=%d optimizer=%s schedule=%s", t.tc.Device.String(), t.seed, t.cfg.Optimizer, t.pair.SchedulerName())

	eval, err := FixedEvaluationSet(t.ds, t.noise, t.cfg.SampleCount, t.cfg.NoiseDim)
	if err != nil {
		return err
	}
	t.eval = eval
	logger.Printf("Captions of the sampled images:\n%s", FormatCaptions(eval.Captions))
	if err := WriteCaptions(t.cfg.SampleDir, eval.Captions); err != nil {
		logger.Printf("level=warn msg=%q", err.Error())
	}

	t.tc.Step = 1
	if t.store != nil {
		ok, ckpt, err := t.store.Load()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCheckpointIO, err)
		}
		if ok {
			if err := t.restoreCheckpoint(ckpt); err != nil {
				return fmt.Errorf("%w: failed to restore checkpoint: %w", ErrCheckpointIO, err)
			}
			t.phase = PhaseResumed
			logger.Print(t.styler.Success(fmt.Sprintf("[*] Load SUCCESS step=%d epoch=%d", ckpt.TrainingState.Step, ckpt.TrainingState.Epoch)))
		} else {
			logger.Print(t.styler.Warn("[!] No checkpoint found, starting at step 1"))
		}
	}

	t.initialized = true
	return nil
}

// Step runs one outer step: NCritic critic updates on one batch and noise,
// one generator update with fresh noise, and one more critic update whose
// loss is reported. The counter is then advanced once, and sampling and
// checkpointing are decided on its new value.
func (t *Trainer) Step(ctx context.Context, epoch, idx int) (StepResult, error) {
	if !t.initialized {
		if err := t.Initialize(ctx); err != nil {
			return StepResult{}, err
		}
	}
	step := t.tc.Step
	t.pair.SetProgress(Progress{Epoch: epoch, Step: step})

	batch, err := t.ds.NextBatch(t.cfg.BatchSize)
	if err != nil {
		return StepResult{}, stepError(ErrDataExhausted, step, PhaseCritic, err)
	}
	n := batch.Size()
	dims := t.tc.Model.Dims()

	criticIn := &model.Inputs{
		Real:  batch.Real,
		Wrong: batch.Wrong,
		Embed: batch.Embed,
		Z:     t.noise.Noise(n, t.cfg.NoiseDim),
		Alpha: t.noise.Interpolation(n),
		Eps:   t.noise.Reparam(n, dims.Condition),
	}

	t.phase = PhaseCritic
	for i := 0; i < t.cfg.NCritic; i++ {
		if _, err := t.pair.CriticStep(criticIn); err != nil {
			return StepResult{}, t.wrap(step, err)
		}
	}

	t.phase = PhaseGenerator
	genIn := &model.Inputs{
		Embed: batch.Embed,
		Z:     t.noise.Noise(n, t.cfg.NoiseDim),
		Eps:   t.noise.Reparam(n, dims.Condition),
	}
	gen, err := t.pair.GeneratorStep(genIn)
	if err != nil {
		return StepResult{}, t.wrap(step, err)
	}

	t.phase = PhaseCritic
	critic, err := t.pair.CriticStep(criticIn)
	if err != nil {
		return StepResult{}, t.wrap(step, err)
	}

	t.summarize(step, critic, gen, criticIn.Z)

	t.tc.Step++
	res := StepResult{
		Step:      t.tc.Step,
		Epoch:     epoch,
		Index:     idx,
		Critic:    critic.Terms,
		Generator: gen.Terms,
		Elapsed:   time.Since(t.start),
	}
	t.tc.Logger.Printf("epoch=%d idx=%d step=%d phase=%s d_loss=%.8f g_loss=%.8f elapsed=%s",
		epoch, idx, res.Step, t.phase, res.Critic.Total, res.Generator.Total, res.Elapsed.Round(time.Millisecond))

	if shouldSample(t.tc.Step, t.cfg.SampleInterval) {
		t.phase = PhaseSampling
		sample := t.Sample(epoch, idx)
		res.Sample = &sample
		if sample.Ok() {
			t.tc.Logger.Printf("[Sample] step=%d path=%s d_loss=%.8f g_loss=%.8f", res.Step, sample.Path, res.Critic.Total, res.Generator.Total)
		} else {
			t.tc.Logger.Print(t.styler.Warn(fmt.Sprintf("Failed to generate sample image: %v", sample.Err)))
		}
	}

	if shouldCheckpoint(t.tc.Step, t.cfg.CheckpointInterval, t.cfg.CheckpointPhaseOffset) && t.store != nil {
		t.phase = PhaseCheckpointing
		id, err := t.SaveCheckpoint(epoch, idx)
		res.CheckpointID, res.CheckpointErr = id, err
		if err != nil {
			t.tc.Logger.Print(t.styler.Warn(fmt.Sprintf("checkpoint at step %d failed, retrying at the next interval: %v", res.Step, err)))
		} else {
			t.tc.Logger.Printf("checkpoint=%s step=%d", id, res.Step)
		}
	}

	if err := t.sink.Flush(); err != nil {
		t.tc.Logger.Printf("level=warn msg=\"metrics flush failed\" err=%q", err.Error())
	}
	return res, nil
}

// Run trains for the configured number of epochs. Cancellation is honoured
// between steps only; a cancelled or completed run writes a final
// checkpoint unless the counter was just saved.
func (t *Trainer) Run(ctx context.Context) error {
	if !t.initialized {
		if err := t.Initialize(ctx); err != nil {
			return err
		}
	}

	updates := t.cfg.UpdatesPerEpoch(t.ds.NumExamples())
	t.tc.Logger.Print(t.styler.Title(fmt.Sprintf("Training for %d epochs, %d updates per epoch, starting at step %d", t.cfg.Epochs, updates, t.tc.Step)))

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		t.phase = PhaseEpochBoundary

		var bar *ProgressBar
		if t.tc.Out != nil && !t.tc.Plain {
			bar = NewProgressBar(t.tc.Out, t.styler, fmt.Sprintf("Epoch %d/%d", epoch+1, t.cfg.Epochs), updates)
		}

		for idx := 0; idx < updates; idx++ {
			if err := ctx.Err(); err != nil {
				t.finish(epoch, idx)
				return err
			}
			res, err := t.Step(ctx, epoch, idx)
			if err != nil {
				return err
			}
			if bar != nil {
				bar.Update(idx+1, map[string]float64{"d_loss": res.Critic.Total, "g_loss": res.Generator.Total})
			}
		}
		if bar != nil {
			bar.Finish()
		}
	}

	t.finish(t.cfg.Epochs, 0)
	t.phase = PhaseDone
	return nil
}

// finish writes the final checkpoint.
func (t *Trainer) finish(epoch, idx int) {
	if err := t.sink.Flush(); err != nil {
		t.tc.Logger.Printf("level=warn msg=\"metrics flush failed\" err=%q", err.Error())
	}
	if t.store == nil || t.lastSaved == t.tc.Step {
		return
	}
	t.phase = PhaseCheckpointing
	id, err := t.SaveCheckpoint(epoch, idx)
	if err != nil {
		t.tc.Logger.Print(t.styler.Warn(fmt.Sprintf("final checkpoint failed: %v", err)))
		return
	}
	t.tc.Logger.Printf("checkpoint=%s step=%d final=true", id, t.tc.Step)
}

func (t *Trainer) wrap(step int, err error) error {
	var kind error
	if errors.Is(err, ErrNumericalInstability) {
		kind = ErrNumericalInstability
	}
	return stepError(kind, step, t.phase, err)
}

// summarize emits the step summaries under the counter the step ran with.
func (t *Trainer) summarize(step int, critic CriticResult, gen GeneratorResult, z *mat.Dense) {
	s := t.sink
	s.Scalar(step, "d_loss", critic.Terms.Total)
	s.Scalar(step, "d_wass_loss", critic.Terms.Wasserstein)
	s.Scalar(step, "d_mismatch_loss", critic.Terms.Mismatch)
	s.Scalar(step, "d_gradient_penalty", critic.Terms.GradientPenalty)
	s.Scalar(step, "g_loss", gen.Terms.Total)
	s.Scalar(step, "g_gan_loss", gen.Terms.Adversarial)
	s.Scalar(step, "g_kl_loss", gen.Terms.KL)

	criticLR, generatorLR := t.pair.LearningRates()
	s.Scalar(step, "lr/critic", criticLR)
	s.Scalar(step, "lr/generator", generatorLR)
	s.Scalar(step, NonFiniteMetric, float64(t.pair.NonFiniteSteps()))

	if out := critic.Outputs; out != nil {
		s.Histogram(step, "d_real_match", out.RealMatch)
		s.Histogram(step, "d_real_mismatch", out.RealMismatch)
		s.Histogram(step, "d_synthetic", out.Synthetic)
	}
	s.Histogram(step, "z", z.RawMatrix().Data)
}
