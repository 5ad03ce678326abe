package training

import (
	"fmt"
	"time"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/model"
)

// BuildCheckpoint snapshots both parameter partitions, both optimizer
// states and the step counter.
func (t *Trainer) BuildCheckpoint(epoch, idx int) (*checkpoints.Checkpoint, error) {
	states, err := t.pair.States()
	if err != nil {
		return nil, err
	}
	criticLR, generatorLR := t.pair.LearningRates()
	return &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(model.AllParameters(t.tc.Model)),
		TrainingState: checkpoints.TrainingState{
			Epoch:                 epoch,
			Index:                 idx,
			Step:                  t.tc.Step,
			CriticLearningRate:    criticLR,
			GeneratorLearningRate: generatorLR,
			NonFiniteSteps:        t.pair.NonFiniteSteps(),
			Seed:                  t.seed,
		},
		OptimizerStates: states,
		Metadata: checkpoints.Metadata{
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("epoch %d index %d step %d", epoch, idx, t.tc.Step),
			Tags:        []string{string(t.cfg.Optimizer), string(t.cfg.LRSchedule)},
		},
	}, nil
}

// SaveCheckpoint writes a checkpoint for the current counter. Errors match
// ErrCheckpointIO.
func (t *Trainer) SaveCheckpoint(epoch, idx int) (string, error) {
	if t.store == nil {
		return "", fmt.Errorf("%w: no checkpoint store configured", ErrCheckpointIO)
	}
	ckpt, err := t.BuildCheckpoint(epoch, idx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	id, err := t.store.Save(ckpt)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	t.lastSaved = t.tc.Step
	return id, nil
}

// restoreCheckpoint loads weights, optimizer states and the counter.
func (t *Trainer) restoreCheckpoint(ckpt *checkpoints.Checkpoint) error {
	if ckpt.TrainingState.Step < 1 {
		return fmt.Errorf("checkpoint step counter %d is not positive", ckpt.TrainingState.Step)
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, model.AllParameters(t.tc.Model)); err != nil {
		return err
	}
	if err := t.pair.Restore(ckpt); err != nil {
		return err
	}
	t.tc.Step = ckpt.TrainingState.Step
	t.lastSaved = ckpt.TrainingState.Step
	return nil
}

// RestoreFromStore loads the newest checkpoint of store into m. It is the
// inference path used by the sample command and needs no optimizer.
func RestoreFromStore(store *checkpoints.Store, m model.Model) (*checkpoints.Checkpoint, error) {
	ok, ckpt, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no checkpoint in %s", ErrCheckpointIO, store.Dir())
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, model.AllParameters(m)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	return ckpt, nil
}
