package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-wgancls/config"
)

// Progress is the position of a run: the current epoch and the 1-based
// outer step counter value about to be trained.
type Progress struct {
	Epoch int
	Step  int
}

// LRScheduler maps run progress to a learning rate. Rates depend only on
// their arguments, so a resumed run recomputes the same rate from the
// restored epoch and step.
type LRScheduler interface {
	Rate(base float64, at Progress) float64
	Name() string
}

// schedule scales a base rate by decay(t), where t counts elapsed epochs or
// elapsed steps depending on unit.
type schedule struct {
	name  string
	unit  config.ScheduleUnit
	decay func(t int) float64
}

func (s schedule) Rate(base float64, at Progress) float64 {
	t := at.Epoch
	if s.unit == config.UnitStep {
		t = at.Step - 1
	}
	if t < 0 {
		t = 0
	}
	return base * s.decay(t)
}

func (s schedule) Name() string {
	if s.unit == config.UnitStep {
		return s.name + "/step"
	}
	return s.name
}

// NewScheduler builds the schedule selected in cfg.
func NewScheduler(cfg config.Config) (LRScheduler, error) {
	unit := cfg.LRScheduleUnit
	switch unit {
	case "":
		unit = config.UnitEpoch
	case config.UnitEpoch, config.UnitStep:
	default:
		return nil, fmt.Errorf("%w: unknown lr_schedule_unit %q", ErrConfiguration, unit)
	}

	switch cfg.LRSchedule {
	case config.ScheduleConstant, "":
		return schedule{name: "constant", unit: unit, decay: func(int) float64 { return 1 }}, nil
	case config.ScheduleStep:
		size, gamma := cfg.LRStepSize, cfg.LRGamma
		if size < 1 {
			return nil, fmt.Errorf("%w: lr_step_size must be at least 1, got %d", ErrConfiguration, size)
		}
		return schedule{name: "step", unit: unit, decay: func(t int) float64 {
			return math.Pow(gamma, float64(t/size))
		}}, nil
	case config.ScheduleExponential:
		gamma := cfg.LRGamma
		return schedule{name: "exponential", unit: unit, decay: func(t int) float64 {
			return math.Pow(gamma, float64(t))
		}}, nil
	case config.ScheduleCosine:
		tMax := cfg.LRStepSize
		if tMax < 1 && unit == config.UnitEpoch {
			tMax = cfg.Epochs
		}
		if tMax < 1 {
			return nil, fmt.Errorf("%w: cosine schedule needs a positive period", ErrConfiguration)
		}
		return schedule{name: "cosine", unit: unit, decay: func(t int) float64 {
			if t >= tMax {
				return 0
			}
			return (1 + math.Cos(math.Pi*float64(t)/float64(tMax))) / 2
		}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lr_schedule %q", ErrConfiguration, cfg.LRSchedule)
	}
}

// shouldSample reports whether the post-increment counter is a sampling
// step.
func shouldSample(counter, interval int) bool {
	return interval > 0 && counter%interval == 0
}

// shouldCheckpoint reports whether the post-increment counter is a
// checkpoint step.
func shouldCheckpoint(counter, interval, offset int) bool {
	return interval > 0 && counter%interval == offset
}
