// Package config holds the hyperparameters and run settings of a WGAN-CLS
// training job and loads them from files, environment and flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every option when read from the environment,
// e.g. WGANCLS_BATCH_SIZE.
const EnvPrefix = "WGANCLS"

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("invalid configuration")

// NaNPolicy decides what happens to an optimizer step whose loss or
// gradients are not finite.
type NaNPolicy string

const (
	NaNSkip  NaNPolicy = "skip"  // drop the update and log a warning
	NaNHalt  NaNPolicy = "halt"  // stop training with an error
	NaNApply NaNPolicy = "apply" // apply the update anyway
)

// OptimizerKind selects the first-order optimizer used for both partitions.
type OptimizerKind string

const (
	OptimizerAdam    OptimizerKind = "adam"
	OptimizerRMSProp OptimizerKind = "rmsprop"
)

// ScheduleKind selects the learning rate schedule.
type ScheduleKind string

const (
	ScheduleConstant    ScheduleKind = "constant"
	ScheduleStep        ScheduleKind = "step"
	ScheduleExponential ScheduleKind = "exponential"
	ScheduleCosine      ScheduleKind = "cosine"
)

// ScheduleUnit is the clock a learning rate schedule advances on.
type ScheduleUnit string

const (
	UnitEpoch ScheduleUnit = "epoch" // once per epoch
	UnitStep  ScheduleUnit = "step"  // once per outer step counter value
)

// Config holds every recognised training option.
type Config struct {
	// Optimizers
	CriticLearningRate    float64       `mapstructure:"critic_learning_rate" json:"critic_learning_rate"`
	GeneratorLearningRate float64       `mapstructure:"generator_learning_rate" json:"generator_learning_rate"`
	CriticBetaDecay       float64       `mapstructure:"critic_beta_decay" json:"critic_beta_decay"`
	GeneratorBetaDecay    float64       `mapstructure:"generator_beta_decay" json:"generator_beta_decay"`
	Optimizer             OptimizerKind `mapstructure:"optimizer" json:"optimizer"`
	LRSchedule            ScheduleKind  `mapstructure:"lr_schedule" json:"lr_schedule"`
	LRScheduleUnit        ScheduleUnit  `mapstructure:"lr_schedule_unit" json:"lr_schedule_unit"`
	LRStepSize            int           `mapstructure:"lr_step_size" json:"lr_step_size"` // units between step decays, or T_max for cosine
	LRGamma               float64       `mapstructure:"lr_gamma" json:"lr_gamma"`

	// Loop
	Epochs    int       `mapstructure:"epochs" json:"epochs"`
	NCritic   int       `mapstructure:"n_critic_steps_per_generator_step" json:"n_critic_steps_per_generator_step"`
	BatchSize int       `mapstructure:"batch_size" json:"batch_size"`
	NoiseDim  int       `mapstructure:"noise_dimension" json:"noise_dimension"`
	NaNPolicy NaNPolicy `mapstructure:"nan_policy" json:"nan_policy"`
	Seed      int64     `mapstructure:"seed" json:"seed"`

	// Loss coefficients
	MismatchLossWeight    float64 `mapstructure:"mismatch_loss_weight" json:"mismatch_loss_weight"`
	KLLossWeight          float64 `mapstructure:"kl_loss_weight" json:"kl_loss_weight"`
	GradientPenaltyWeight float64 `mapstructure:"gradient_penalty_weight" json:"gradient_penalty_weight"`

	// Checkpointing
	CheckpointInterval    int    `mapstructure:"checkpoint_interval" json:"checkpoint_interval"`
	CheckpointPhaseOffset int    `mapstructure:"checkpoint_phase_offset" json:"checkpoint_phase_offset"`
	CheckpointRetention   int    `mapstructure:"checkpoint_retention_count" json:"checkpoint_retention_count"`
	CheckpointFormat      string `mapstructure:"checkpoint_format" json:"checkpoint_format"`
	CheckpointDir         string `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`

	// Sampling and summaries
	SampleInterval int    `mapstructure:"sample_interval" json:"sample_interval"`
	SampleCount    int    `mapstructure:"sample_count" json:"sample_count"`
	SampleDir      string `mapstructure:"sample_dir" json:"sample_dir"`
	LogsDir        string `mapstructure:"logs_dir" json:"logs_dir"`
	MetricsURL     string `mapstructure:"metrics_url" json:"metrics_url"`
	PlainOutput    bool   `mapstructure:"plain_output" json:"plain_output"`

	// Reference model and data
	ConditionDim       int    `mapstructure:"condition_dimension" json:"condition_dimension"`
	DatasetPath        string `mapstructure:"dataset_path" json:"dataset_path"`
	SyntheticExamples  int    `mapstructure:"synthetic_examples" json:"synthetic_examples"`
	ImageSize          int    `mapstructure:"image_size" json:"image_size"`
	ImageChannels      int    `mapstructure:"image_channels" json:"image_channels"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`
}

// DefaultConfig returns the settings of a 64-image-per-batch flowers run.
func DefaultConfig() Config {
	return Config{
		CriticLearningRate:    0.0002,
		GeneratorLearningRate: 0.0002,
		CriticBetaDecay:       0.5,
		GeneratorBetaDecay:    0.5,
		Optimizer:             OptimizerAdam,
		LRSchedule:            ScheduleConstant,
		LRScheduleUnit:        UnitEpoch,
		LRStepSize:            100,
		LRGamma:               0.5,

		Epochs:    600,
		NCritic:   1,
		BatchSize: 64,
		NoiseDim:  100,
		NaNPolicy: NaNSkip,

		MismatchLossWeight:    1.0,
		KLLossWeight:          2.0,
		GradientPenaltyWeight: 10.0,

		CheckpointInterval:    500,
		CheckpointPhaseOffset: 2,
		CheckpointRetention:   5,
		CheckpointFormat:      "binary",
		CheckpointDir:         "./checkpoints",

		SampleInterval: 100,
		SampleCount:    64,
		SampleDir:      "./samples",
		LogsDir:        "./logs",

		ConditionDim:       128,
		SyntheticExamples:  1024,
		ImageSize:          16,
		ImageChannels:      3,
		EmbeddingDimension: 64,
	}
}

// Settings flattens the configuration into option name/value pairs.
func (c Config) Settings() map[string]interface{} {
	return map[string]interface{}{
		"critic_learning_rate":              c.CriticLearningRate,
		"generator_learning_rate":           c.GeneratorLearningRate,
		"critic_beta_decay":                 c.CriticBetaDecay,
		"generator_beta_decay":              c.GeneratorBetaDecay,
		"optimizer":                         string(c.Optimizer),
		"lr_schedule":                       string(c.LRSchedule),
		"lr_schedule_unit":                  string(c.LRScheduleUnit),
		"lr_step_size":                      c.LRStepSize,
		"lr_gamma":                          c.LRGamma,
		"epochs":                            c.Epochs,
		"n_critic_steps_per_generator_step": c.NCritic,
		"batch_size":                        c.BatchSize,
		"noise_dimension":                   c.NoiseDim,
		"nan_policy":                        string(c.NaNPolicy),
		"seed":                              c.Seed,
		"mismatch_loss_weight":              c.MismatchLossWeight,
		"kl_loss_weight":                    c.KLLossWeight,
		"gradient_penalty_weight":           c.GradientPenaltyWeight,
		"checkpoint_interval":               c.CheckpointInterval,
		"checkpoint_phase_offset":           c.CheckpointPhaseOffset,
		"checkpoint_retention_count":        c.CheckpointRetention,
		"checkpoint_format":                 c.CheckpointFormat,
		"checkpoint_dir":                    c.CheckpointDir,
		"sample_interval":                   c.SampleInterval,
		"sample_count":                      c.SampleCount,
		"sample_dir":                        c.SampleDir,
		"logs_dir":                          c.LogsDir,
		"metrics_url":                       c.MetricsURL,
		"plain_output":                      c.PlainOutput,
		"condition_dimension":               c.ConditionDim,
		"dataset_path":                      c.DatasetPath,
		"synthetic_examples":                c.SyntheticExamples,
		"image_size":                        c.ImageSize,
		"image_channels":                    c.ImageChannels,
		"embedding_dimension":               c.EmbeddingDimension,
	}
}

// Load reads the configuration. Precedence, highest first: flags that were
// set explicitly, WGANCLS_* environment variables, the file at path, defaults.
// An empty path skips the file. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range DefaultConfig().Settings() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key := range DefaultConfig().Settings() {
			if f := flags.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FlagName maps an option name to its command line flag.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// ValidationError lists every invalid option found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate checks every option and reports all problems at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !(c.CriticLearningRate > 0) {
		add("critic_learning_rate must be positive, got %g", c.CriticLearningRate)
	}
	if !(c.GeneratorLearningRate > 0) {
		add("generator_learning_rate must be positive, got %g", c.GeneratorLearningRate)
	}
	if c.CriticBetaDecay < 0 || c.CriticBetaDecay >= 1 {
		add("critic_beta_decay must be in [0, 1), got %g", c.CriticBetaDecay)
	}
	if c.GeneratorBetaDecay < 0 || c.GeneratorBetaDecay >= 1 {
		add("generator_beta_decay must be in [0, 1), got %g", c.GeneratorBetaDecay)
	}
	if c.Epochs < 1 {
		add("epochs must be at least 1, got %d", c.Epochs)
	}
	if c.NCritic < 1 {
		add("n_critic_steps_per_generator_step must be at least 1, got %d", c.NCritic)
	}
	if c.BatchSize < 1 {
		add("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.NoiseDim < 1 {
		add("noise_dimension must be at least 1, got %d", c.NoiseDim)
	}
	if c.MismatchLossWeight < 0 || math.IsNaN(c.MismatchLossWeight) {
		add("mismatch_loss_weight must be non-negative, got %g", c.MismatchLossWeight)
	}
	if c.KLLossWeight < 0 || math.IsNaN(c.KLLossWeight) {
		add("kl_loss_weight must be non-negative, got %g", c.KLLossWeight)
	}
	if c.GradientPenaltyWeight < 0 || math.IsNaN(c.GradientPenaltyWeight) {
		add("gradient_penalty_weight must be non-negative, got %g", c.GradientPenaltyWeight)
	}
	if c.CheckpointInterval < 1 {
		add("checkpoint_interval must be at least 1, got %d", c.CheckpointInterval)
	} else if c.CheckpointPhaseOffset < 0 || c.CheckpointPhaseOffset >= c.CheckpointInterval {
		add("checkpoint_phase_offset must be in [0, %d), got %d", c.CheckpointInterval, c.CheckpointPhaseOffset)
	}
	if c.CheckpointRetention < 1 {
		add("checkpoint_retention_count must be at least 1, got %d", c.CheckpointRetention)
	}
	if c.CheckpointFormat != "binary" && c.CheckpointFormat != "json" {
		add("checkpoint_format must be binary or json, got %q", c.CheckpointFormat)
	}
	if c.SampleInterval < 1 {
		add("sample_interval must be at least 1, got %d", c.SampleInterval)
	}
	if c.SampleCount < 1 || !isPerfectSquare(c.SampleCount) {
		add("sample_count must be a positive perfect square, got %d", c.SampleCount)
	}
	switch c.NaNPolicy {
	case NaNSkip, NaNHalt, NaNApply:
	default:
		add("nan_policy must be skip, halt or apply, got %q", c.NaNPolicy)
	}
	switch c.Optimizer {
	case OptimizerAdam, OptimizerRMSProp:
	default:
		add("optimizer must be adam or rmsprop, got %q", c.Optimizer)
	}
	switch c.LRSchedule {
	case ScheduleConstant:
	case ScheduleStep, ScheduleExponential, ScheduleCosine:
		if c.LRStepSize < 1 && c.LRSchedule != ScheduleExponential {
			add("lr_step_size must be at least 1 for the %s schedule, got %d", c.LRSchedule, c.LRStepSize)
		}
		if c.LRSchedule != ScheduleCosine && (c.LRGamma <= 0 || c.LRGamma >= 1) {
			add("lr_gamma must be in (0, 1) for the %s schedule, got %g", c.LRSchedule, c.LRGamma)
		}
	default:
		add("lr_schedule must be constant, step, exponential or cosine, got %q", c.LRSchedule)
	}
	switch c.LRScheduleUnit {
	case UnitEpoch, UnitStep:
	default:
		add("lr_schedule_unit must be epoch or step, got %q", c.LRScheduleUnit)
	}
	if c.ConditionDim < 1 {
		add("condition_dimension must be at least 1, got %d", c.ConditionDim)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// UpdatesPerEpoch is the number of outer steps in one epoch. The division
// truncates: the final partial batch of every epoch is never used.
func (c Config) UpdatesPerEpoch(numExamples int) int {
	if c.BatchSize < 1 {
		return 0
	}
	return numExamples / c.BatchSize
}

// ValidateDataset checks the options that depend on the dataset size.
func (c Config) ValidateDataset(numExamples int) error {
	if c.UpdatesPerEpoch(numExamples) < 1 {
		return &ValidationError{Problems: []string{
			fmt.Sprintf("batch_size %d exceeds the %d training examples, no update would run", c.BatchSize, numExamples),
		}}
	}
	return nil
}

func isPerfectSquare(n int) bool {
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r*r == n
}
