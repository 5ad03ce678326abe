package training

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/model"
)

// DeviceInfo describes the CPU the reference model runs on.
type DeviceInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Features      []string // vector extensions relevant to dense math
}

// DetectDevice reads the host CPU description.
func DetectDevice() DeviceInfo {
	info := DeviceInfo{
		Brand:         strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if info.Brand == "" {
		info.Brand = "unknown CPU"
	}
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	return info
}

func (d DeviceInfo) String() string {
	features := "none"
	if len(d.Features) > 0 {
		features = strings.Join(d.Features, ",")
	}
	return fmt.Sprintf("%s (%d cores, %d threads, features=%s)", d.Brand, d.PhysicalCores, d.LogicalCores, features)
}

// TrainingContext carries everything a run shares: configuration, the model
// and its parameter partitions, the logger, the device description and the
// step counter.
type TrainingContext struct {
	Config config.Config
	Model  model.Model
	Logger *log.Logger
	Device DeviceInfo

	// Step is the outer step counter. The trainer advances it once per
	// step, after both phases.
	Step int

	// Plain disables terminal styling and the progress bar.
	Plain bool
	// Out receives the progress bar; nil disables it.
	Out io.Writer
}

// NewTrainingContext validates the configuration against the model. A nil
// logger discards log output.
func NewTrainingContext(cfg config.Config, m model.Model, logger *log.Logger) (*TrainingContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: model is nil", ErrConfiguration)
	}
	d := m.Dims()
	if d.Noise != cfg.NoiseDim {
		return nil, fmt.Errorf("%w: model noise width %d does not match noise_dimension %d", ErrConfiguration, d.Noise, cfg.NoiseDim)
	}
	if want := cfg.ImageSize * cfg.ImageSize * cfg.ImageChannels; d.Image != want {
		return nil, fmt.Errorf("%w: model image width %d does not match %dx%dx%d", ErrConfiguration, d.Image, cfg.ImageSize, cfg.ImageSize, cfg.ImageChannels)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &TrainingContext{
		Config: cfg,
		Model:  m,
		Logger: logger,
		Device: DetectDevice(),
		Step:   1,
		Plain:  cfg.PlainOutput,
	}, nil
}
