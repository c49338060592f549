// Command gluetune fine-tunes a classifier on a GLUE task and records the
// run's metrics.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/config"
	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/finetune"
	"github.com/Noofbiz/gluetune/simple"
	"github.com/Noofbiz/gluetune/tokenizer"
)

// vocabFile is read from the model directory.
const vocabFile = "vocab.txt"

type rootArgs struct {
	configPath string
	overrides  config.Overrides
	shuffle    bool
	noShuffle  bool
}

var args rootArgs

var rootCmd = &cobra.Command{
	Use:   "gluetune",
	Short: "Fine-tune sequence classifiers on GLUE tasks",
	Long: `
gluetune prepares GLUE task data, fine-tunes a classifier on it and validates
on every validation split of the task. Runs and metrics are kept in a SQLite
database and can be plotted.
	`,
	SilenceUsage: true,
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&args.configPath, "config", "c", "", "YAML config file (defaults are used when empty)")
	f.StringVarP(&args.overrides.Task, "task", "t", "", "GLUE task name")
	f.StringVarP(&args.overrides.ModelNameOrPath, "model", "m", "", "model directory holding vocab.txt and weights")
	f.StringVar(&args.overrides.DataDir, "data-dir", "", "directory with one sub-directory of split files per task")
	f.StringVar(&args.overrides.CacheDir, "cache-dir", "", "token cache directory")
	f.StringVar(&args.overrides.DownloadURL, "download-url", "", "archive URL fetched when a task has no data; {task} is replaced")
	f.StringVar(&args.overrides.OutputDir, "output-dir", "", "directory for saved weights")
	f.StringVar(&args.overrides.RunDB, "run-db", "", "SQLite database of runs and metrics")
	f.IntVar(&args.overrides.MaxSeqLength, "max-seq-length", 0, "maximum tokens per example")
	f.IntVar(&args.overrides.TrainBatchSize, "train-batch-size", 0, "training batch size")
	f.IntVar(&args.overrides.EvalBatchSize, "eval-batch-size", 0, "validation batch size")
	f.IntVar(&args.overrides.Workers, "workers", 0, "parallel tokenization workers")
	f.Int64Var(&args.overrides.Seed, "seed", 0, "random seed")
	f.BoolVar(&args.shuffle, "shuffle", false, "shuffle training examples every epoch")
	f.BoolVar(&args.noShuffle, "no-shuffle", false, "keep training examples in file order")

	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newPrepareCmd())
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newPlotCmd())
}

// loadConfig reads the config file (or defaults), applies flag overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.Defaults()
	if args.configPath != "" {
		loaded, err := config.Load(args.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	o := args.overrides
	switch {
	case args.shuffle && args.noShuffle:
		return nil, errors.New("--shuffle and --no-shuffle are exclusive")
	case args.shuffle:
		on := true
		o.Shuffle = &on
	case args.noShuffle:
		off := false
		o.Shuffle = &off
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildDataModule loads the model's vocabulary and creates the data module.
func buildDataModule(cfg *config.Config) (*datasets.DataModule, *tokenizer.WordPiece, error) {
	tok, err := tokenizer.LoadVocab(filepath.Join(cfg.ModelNameOrPath, vocabFile), cfg.DoLowerCase)
	if err != nil {
		return nil, nil, err
	}
	dm, err := datasets.NewDataModule(cfg.DataOptions(tok))
	if err != nil {
		return nil, nil, err
	}
	return dm, tok, nil
}

// buildModel loads the network from the model directory and wraps it.
func buildModel(cfg *config.Config, vocabSize int) (*finetune.GLUETransformer, error) {
	task := cfg.GLUETask()
	net, err := simple.FromPretrained(cfg.ModelNameOrPath, simple.Config{
		VocabSize:    vocabSize,
		EmbeddingDim: cfg.EmbeddingDim,
		NumLabels:    task.Info().NumLabels,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	return finetune.New(cfg.Hyperparameters(nil), net)
}
