package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/config"
	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/glue"
	"github.com/Noofbiz/gluetune/runlog"
	"github.com/Noofbiz/gluetune/trainer"
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the supported GLUE tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tTEXT FIELDS\tLABELS\tMETRICS")
			for _, t := range glue.Tasks() {
				info := t.Info()
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t, strings.Join(info.TextFields, ","), info.NumLabels, strings.Join(info.Metrics, ","))
			}
			return w.Flush()
		},
	}
}

func newPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Download the task data if needed and warm the token cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dm, _, err := buildDataModule(cfg)
			if err != nil {
				return err
			}
			if err := dm.Prepare(cmd.Context()); err != nil {
				return err
			}
			if err := dm.Configure(cmd.Context(), datasets.StageTest); err != nil {
				return err
			}
			for _, name := range dm.SplitNames() {
				split, _ := dm.Split(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d examples\t%v\n", name, split.Len(), split.Columns)
			}
			return nil
		},
	}
}

// trainFlags holds the train flags for which zero is a valid setting. They
// reach the overrides only when given on the command line.
type trainFlags struct {
	warmupSteps int
	weightDecay float64
	clip        float64
}

func (t *trainFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&t.warmupSteps, "warmup-steps", 0, "linear warmup steps")
	f.Float64Var(&t.weightDecay, "weight-decay", 0, "AdamW weight decay (biases and layer norm weights are excluded)")
	f.Float64Var(&t.clip, "gradient-clip-val", 0, "gradient norm clip (0 = off)")
}

func (t *trainFlags) apply(cmd *cobra.Command, o *config.Overrides) {
	f := cmd.Flags()
	if f.Changed("warmup-steps") {
		o.WarmupSteps = &t.warmupSteps
	}
	if f.Changed("weight-decay") {
		o.WeightDecay = &t.weightDecay
	}
	if f.Changed("gradient-clip-val") {
		o.GradientClipVal = &t.clip
	}
}

func newTrainCmd() *cobra.Command {
	var tf trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune on the task and validate after every epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tf.apply(cmd, &args.overrides)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runTrain(cmd, cfg)
		},
	}
	f := cmd.Flags()
	o := &args.overrides
	f.Float64Var(&o.LearningRate, "learning-rate", 0, "peak learning rate")
	f.Float64Var(&o.AdamEpsilon, "adam-epsilon", 0, "AdamW epsilon")
	f.IntVar(&o.Epochs, "epochs", 0, "number of epochs")
	f.IntVar(&o.Devices, "devices", 0, "device count used to size the schedule")
	f.IntVar(&o.Accumulate, "accumulate-grad-batches", 0, "batches per optimizer step")
	f.IntVar(&o.LimitTrain, "limit-train-batches", 0, "train batches per epoch (0 = all)")
	f.IntVar(&o.LimitVal, "limit-val-batches", 0, "validation batches per split (0 = all)")
	tf.bind(cmd)
	return cmd
}

func runTrain(cmd *cobra.Command, cfg *config.Config) (err error) {
	dm, tok, err := buildDataModule(cfg)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg, tok.VocabSize())
	if err != nil {
		return err
	}
	store, err := runlog.NewStore(cfg.RunDB)
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := store.StartRun(cfg.Task, cfg.ModelNameOrPath, cfg)
	if err != nil {
		return err
	}
	defer func() {
		status := runlog.StatusFinished
		if err != nil {
			status = runlog.StatusFailed
		}
		if ferr := store.FinishRun(run.ID, status); ferr != nil {
			klog.Errorf("finish run %s: %v", run.ID, ferr)
		}
	}()
	klog.Infof("run %s: task=%s model=%s", run.ID, cfg.Task, cfg.ModelNameOrPath)

	rec := runlog.NewRecorder(store, run.ID)
	summary, err := trainer.Fit(cmd.Context(), cfg, model, dm, rec)
	if err != nil {
		return err
	}
	outDir := filepath.Join(cfg.OutputDir, run.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", outDir)
	}
	if err := model.Save(outDir); err != nil {
		return err
	}

	best, epoch := summary.Best()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d steps in %s, train_loss=%.4f, best mean val_loss=%.4f (epoch %d), weights in %s\n",
		run.ID, summary.Steps, summary.Elapsed.Round(time.Millisecond), summary.LastTrainLoss, best, epoch, outDir)
	printReported(cmd, summary)
	return rec.Err()
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Evaluate the model on every validation split of the task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dm, tok, err := buildDataModule(cfg)
			if err != nil {
				return err
			}
			model, err := buildModel(cfg, tok.VocabSize())
			if err != nil {
				return err
			}
			summary, err := trainer.Validate(cmd.Context(), cfg, model, dm, nil)
			if err != nil {
				return err
			}
			printReported(cmd, summary)
			return nil
		},
	}
}

func printReported(cmd *cobra.Command, summary trainer.Summary) {
	if len(summary.Validation) == 0 {
		return
	}
	last := summary.Validation[len(summary.Validation)-1]
	keys := make([]string, 0, len(last.Reported))
	for k := range last.Reported {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.6f\n", k, last.Reported[k])
	}
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := runlog.NewStore(cfg.RunDB)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Runs(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTASK\tMODEL\tSTATUS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Task, r.Model, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 = all)")
	return cmd
}

func newPlotCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "plot [run-id]",
		Short: "Plot the loss and metric curves of a run (latest when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := runlog.NewStore(cfg.RunDB)
			if err != nil {
				return err
			}
			defer store.Close()

			var runID string
			if len(posArgs) == 1 {
				runID = posArgs[0]
			} else {
				runs, err := store.Runs(1)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					return errors.Wrap(runlog.ErrRunNotFound, "no runs recorded")
				}
				runID = runs[0].ID
			}
			if _, err := store.GetRun(runID); err != nil {
				return err
			}
			series, err := store.Series(runID)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.PlotDir
			}
			paths, err := runlog.PlotMetrics(outDir, runID, series)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (defaults to plot_dir)")
	return cmd
}
