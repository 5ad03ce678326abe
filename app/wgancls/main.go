// Command wgancls trains a text-conditioned WGAN-GP, renders samples from
// the newest checkpoint and inspects checkpoint files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsawler/go-wgancls/checkpoints"
	"github.com/tsawler/go-wgancls/config"
	"github.com/tsawler/go-wgancls/dataset"
	"github.com/tsawler/go-wgancls/metrics"
	"github.com/tsawler/go-wgancls/model"
	"github.com/tsawler/go-wgancls/training"
	"github.com/tsawler/go-wgancls/vision"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "wgancls",
		Short:        "Text-conditioned Wasserstein GAN training",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.envFile)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "configuration file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with WGANCLS_* variables")
	registerSettings(root.PersistentFlags())

	root.AddCommand(newTrainCmd(opts), newSampleCmd(opts), newInspectCmd(opts))
	return root
}

// registerSettings adds one flag per configuration option, named after it.
func registerSettings(flags *pflag.FlagSet) {
	settings := config.DefaultConfig().Settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := config.FlagName(key)
		switch v := settings[key].(type) {
		case float64:
			flags.Float64(name, v, key)
		case int:
			flags.Int(name, v, key)
		case int64:
			flags.Int64(name, v, key)
		case bool:
			flags.Bool(name, v, key)
		case string:
			flags.String(name, v, key)
		}
	}
}

// loadEnv reads a dotenv file. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func newTrainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train, resuming from the newest checkpoint if there is one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg)
		},
	}
}

func runTrain(ctx context.Context, cfg config.Config) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	ds, err := loadDataset(cfg)
	if err != nil {
		return err
	}
	m, err := newModel(cfg, ds)
	if err != nil {
		return err
	}
	logger.Printf("dataset examples=%d\n%s", ds.NumExamples(), model.Summary(m))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	sink, err := openSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Printf("level=warn msg=\"closing metrics failed\" err=%q", err.Error())
		}
	}()

	tc, err := training.NewTrainingContext(cfg, m, logger)
	if err != nil {
		return err
	}
	tc.Out = os.Stdout

	prefetcher, err := dataset.NewPrefetcher(ds, dataset.PrefetchConfig{BatchSize: cfg.BatchSize})
	if err != nil {
		return err
	}
	if err := prefetcher.Start(); err != nil {
		return err
	}
	defer prefetcher.Stop()

	trainer, err := training.NewTrainer(tc, prefetcher, store, sink)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = trainer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Printf("training interrupted at step %d", trainer.Counter())
		return nil
	}
	if err != nil {
		return err
	}
	logger.Printf("training finished at step %d", trainer.Counter())
	return nil
}

func newSampleCmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Render a sample grid from the newest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(cfg.SampleDir, "sample.png")
			}
			return runSample(cfg, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output PNG (default <sample-dir>/sample.png)")
	return cmd
}

func runSample(cfg config.Config, out string) error {
	ds, err := loadDataset(cfg)
	if err != nil {
		return err
	}
	m, err := newModel(cfg, ds)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	ckpt, err := training.RestoreFromStore(store, m)
	if err != nil {
		return err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = ckpt.TrainingState.Seed
	}
	eval, err := training.FixedEvaluationSet(ds, training.NewNoiseSampler(seed), cfg.SampleCount, cfg.NoiseDim)
	if err != nil {
		return err
	}
	grid, err := training.RenderSamples(m, eval, cfg.ImageSize, cfg.ImageChannels)
	if err != nil {
		return err
	}
	if err := vision.SavePNG(grid, out); err != nil {
		return err
	}
	if err := training.WriteCaptions(filepath.Dir(out), eval.Captions); err != nil {
		return err
	}
	fmt.Printf("wrote %s from checkpoint step %d\n", out, ckpt.TrainingState.Step)
	return nil
}

func newInspectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [checkpoint]",
		Short: "Print the metadata and training state of a checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load(opts.configPath, cmd.Flags())
				if err != nil {
					return err
				}
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				entry, ok, err := store.Latest()
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no checkpoint in %s", store.Dir())
				}
				path = entry.Path
			}

			ckpt, err := checkpoints.LoadFile(path)
			if err != nil {
				return err
			}
			printCheckpoint(path, ckpt)
			return nil
		},
	}
}

func printCheckpoint(path string, ckpt *checkpoints.Checkpoint) {
	s := ckpt.TrainingState
	fmt.Printf("Checkpoint: %s\n", path)
	fmt.Printf("  Framework:   %s %s\n", ckpt.Metadata.Framework, ckpt.Metadata.Version)
	fmt.Printf("  Created:     %s\n", ckpt.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	if ckpt.Metadata.Description != "" {
		fmt.Printf("  Description: %s\n", ckpt.Metadata.Description)
	}
	fmt.Printf("  Step:        %d (epoch %d, index %d)\n", s.Step, s.Epoch, s.Index)
	fmt.Printf("  LR:          critic %g, generator %g\n", s.CriticLearningRate, s.GeneratorLearningRate)
	fmt.Printf("  Non-finite:  %d\n", s.NonFiniteSteps)
	fmt.Printf("  Seed:        %d\n", s.Seed)

	var params int64
	for _, w := range ckpt.Weights {
		params += int64(len(w.Data))
	}
	fmt.Printf("  Weights:     %d tensors, %s parameters\n", len(ckpt.Weights), model.FormatParameterCount(params))
	for _, o := range ckpt.OptimizerStates {
		fmt.Printf("  Optimizer:   %s %s (%d tensors)\n", o.Partition, o.Type, len(o.StateData))
	}
}

func loadDataset(cfg config.Config) (*dataset.Memory, error) {
	opts := []dataset.MemoryOption{dataset.WithSeed(uint64(cfg.Seed))}
	if cfg.DatasetPath != "" {
		return dataset.LoadJSONL(cfg.DatasetPath, dataset.ImageFormat{Size: cfg.ImageSize, Channels: cfg.ImageChannels}, opts...)
	}
	return dataset.Synthetic(dataset.SyntheticConfig{
		Examples:      cfg.SyntheticExamples,
		ImageSize:     cfg.ImageSize,
		Channels:      cfg.ImageChannels,
		EmbeddingSize: cfg.EmbeddingDimension,
		Seed:          uint64(cfg.Seed),
	}, opts...)
}

func newModel(cfg config.Config, ds *dataset.Memory) (*model.Reference, error) {
	if ds.EmbeddingSize() != cfg.EmbeddingDimension {
		return nil, fmt.Errorf("dataset embeddings have %d values, embedding_dimension is %d", ds.EmbeddingSize(), cfg.EmbeddingDimension)
	}
	return model.NewReference(model.Dims{
		Image:     cfg.ImageSize * cfg.ImageSize * cfg.ImageChannels,
		Embedding: cfg.EmbeddingDimension,
		Condition: cfg.ConditionDim,
		Noise:     cfg.NoiseDim,
	}, uint64(cfg.Seed))
}

func openStore(cfg config.Config) (*checkpoints.Store, error) {
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	return checkpoints.NewStore(cfg.CheckpointDir, format, cfg.CheckpointRetention)
}

// openSink writes events under the logs directory and, when a metrics URL
// is configured, also to the plotting service.
func openSink(cfg config.Config, logger *log.Logger) (metrics.Sink, error) {
	file, err := metrics.NewFileSink(cfg.LogsDir)
	if err != nil {
		return nil, err
	}
	if cfg.MetricsURL == "" {
		return file, nil
	}

	hc := metrics.DefaultHTTPSinkConfig()
	hc.BaseURL = cfg.MetricsURL
	remote := metrics.NewHTTPSink(hc)
	if err := remote.CheckHealth(); err != nil {
		logger.Printf("level=warn msg=\"plotting service unavailable, events stay buffered\" err=%q", err.Error())
	}
	return metrics.Multi(file, remote), nil
}
