// Package trainer runs the fit and validation loops over a DataModule and a
// GLUETransformer.
package trainer

import (
	"context"
	"io"
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/config"
	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/finetune"
	"github.com/Noofbiz/gluetune/simple"
)

// Recorder persists scalar values with the epoch and global step they were
// produced at. runlog.Recorder implements it.
type Recorder interface {
	Record(epoch, step int, key string, value float64) error
}

// Summary describes a finished fit or validation pass.
type Summary struct {
	Steps         int
	Epochs        int
	LastTrainLoss float64
	// Validation holds one aggregate per validation pass in run order.
	Validation []finetune.AggregateResult
	Elapsed    time.Duration
}

// Best returns the lowest MeanLoss seen and the epoch it came from, or -1.
func (s Summary) Best() (float64, int) {
	best, epoch := math.Inf(1), -1
	for i, v := range s.Validation {
		if v.MeanLoss < best {
			best, epoch = v.MeanLoss, i
		}
	}
	return best, epoch
}

type loop struct {
	cfg   *config.Config
	model *finetune.GLUETransformer
	rec   Recorder

	epoch int
	step  int
}

// Fit prepares and configures dm for the fit stage, sizes the schedule and
// trains model for cfg.Epochs epochs, validating after each one. rec may be
// nil.
func Fit(ctx context.Context, cfg *config.Config, model *finetune.GLUETransformer, dm *datasets.DataModule, rec Recorder) (Summary, error) {
	start := time.Now()
	if err := dm.Prepare(ctx); err != nil {
		return Summary{}, errors.Wrap(err, "prepare")
	}
	if err := dm.Configure(ctx, datasets.StageFit); err != nil {
		return Summary{}, errors.Wrap(err, "configure")
	}
	if err := bindEvalSplits(model, dm); err != nil {
		return Summary{}, err
	}
	train, err := dm.TrainSequence()
	if err != nil {
		return Summary{}, err
	}
	val, err := dm.ValidationSequence()
	if err != nil {
		return Summary{}, err
	}

	model.Setup(datasets.StageFit, finetune.SetupInfo{
		TrainSize:             train.NumExamples(),
		Devices:               cfg.Devices,
		AccumulateGradBatches: cfg.AccumulateGradBatches,
		Epochs:                cfg.Epochs,
	})
	opt, _, err := model.ConfigureOptimizers()
	if err != nil {
		return Summary{}, err
	}
	klog.Infof("fit %s: %d train examples, %d batches/epoch, %d epochs, %d total steps, validation %s over %v",
		dm.Task(), train.NumExamples(), train.Len(), cfg.Epochs, model.TotalSteps(), val.Kind(), dm.EvalSplits().Names())

	l := &loop{cfg: cfg, model: model, rec: rec}
	model.Reporter = l.reporter()
	var summary Summary
	for l.epoch = 0; l.epoch < cfg.Epochs; l.epoch++ {
		loss, err := l.trainEpoch(ctx, train)
		if err != nil {
			return summary, errors.Wrapf(err, "epoch %d", l.epoch)
		}
		summary.LastTrainLoss = loss
		summary.Epochs = l.epoch + 1

		agg, err := l.validate(ctx, val)
		if err != nil {
			return summary, errors.Wrapf(err, "validate epoch %d", l.epoch)
		}
		summary.Validation = append(summary.Validation, agg)
		summary.Steps = l.step
		klog.Infof("epoch %d done: step=%d train_loss=%.6f val_loss=%.6f mean_val_loss=%.6f lr=%.3g",
			l.epoch, l.step, loss, agg.Loss, agg.MeanLoss, opt.LR())
	}
	summary.Steps = l.step
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// Validate prepares and configures dm for the validate stage and runs one
// validation pass.
func Validate(ctx context.Context, cfg *config.Config, model *finetune.GLUETransformer, dm *datasets.DataModule, rec Recorder) (Summary, error) {
	start := time.Now()
	if err := dm.Prepare(ctx); err != nil {
		return Summary{}, errors.Wrap(err, "prepare")
	}
	if err := dm.Configure(ctx, datasets.StageValidate); err != nil {
		return Summary{}, errors.Wrap(err, "configure")
	}
	if err := bindEvalSplits(model, dm); err != nil {
		return Summary{}, err
	}
	val, err := dm.ValidationSequence()
	if err != nil {
		return Summary{}, err
	}
	l := &loop{cfg: cfg, model: model, rec: rec}
	model.Reporter = l.reporter()
	agg, err := l.validate(ctx, val)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Validation: []finetune.AggregateResult{agg}, Elapsed: time.Since(start)}, nil
}

// bindEvalSplits gives the model the validation splits found by Configure
// when its hyperparameters name none, and checks them otherwise.
func bindEvalSplits(model *finetune.GLUETransformer, dm *datasets.DataModule) error {
	found := dm.EvalSplits().Names()
	if len(model.Hparams.EvalSplits) == 0 {
		model.Hparams.EvalSplits = found
		return nil
	}
	if !slices.Equal(model.Hparams.EvalSplits, found) {
		return errors.Wrapf(finetune.ErrSplitMismatch, "model expects %v, data has %v", model.Hparams.EvalSplits, found)
	}
	return nil
}

func (l *loop) reporter() finetune.Reporter {
	return finetune.ReporterFunc(func(key string, value float64) {
		l.record(key, value)
	})
}

func (l *loop) record(key string, value float64) {
	if l.rec == nil {
		return
	}
	// the recorder logs its own failures; a broken store must not stop training
	_ = l.rec.Record(l.epoch, l.step, key, value)
}

// trainEpoch runs the training batches of one epoch and returns the mean loss
// of the batches it saw. Gradients of AccumulateGradBatches batches are
// averaged before each optimizer step; a trailing partial group still steps.
func (l *loop) trainEpoch(ctx context.Context, seq *datasets.Sequence) (float64, error) {
	if err := seq.Restart(); err != nil {
		return 0, err
	}
	accum := max(1, l.cfg.AccumulateGradBatches)
	net := l.model.Network()
	net.ZeroGrad()

	var (
		total   float64
		batches int
		pending int
	)
	step := func() error {
		if pending == 0 {
			return nil
		}
		simple.ScaleGrads(net.Params(), 1/float64(pending))
		norm, err := l.model.OptimizerStep(l.cfg.GradientClipVal)
		if err != nil {
			return err
		}
		pending = 0
		l.step++
		if l.cfg.LogEvery > 0 && l.step%l.cfg.LogEvery == 0 {
			klog.Infof("epoch %d step %d: loss=%.6f grad_norm=%.4f", l.epoch, l.step, total/float64(batches), norm)
			l.record("train_loss", total/float64(batches))
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if l.cfg.LimitTrainBatches > 0 && batches >= l.cfg.LimitTrainBatches {
			break
		}
		batch, err := nextBatch(seq)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "next train batch")
		}
		loss, err := l.model.TrainingStep(batch)
		if err != nil {
			return 0, errors.Wrapf(err, "train batch %d", batches)
		}
		total += loss
		batches++
		pending++
		if pending == accum {
			if err := step(); err != nil {
				return 0, err
			}
		}
	}
	if err := step(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, errors.New("no training batches")
	}
	mean := total / float64(batches)
	l.record("train_loss_epoch", mean)
	return mean, nil
}

// validate runs every split of set, in order, and aggregates the outputs.
func (l *loop) validate(ctx context.Context, set datasets.ValidationSet) (finetune.AggregateResult, error) {
	seqs := set.Sequences()
	splits := make([]finetune.SplitOutputs, 0, len(seqs))
	for i, ns := range seqs {
		outputs, err := l.validateSplit(ctx, ns.Seq, i)
		if err != nil {
			return finetune.AggregateResult{}, errors.Wrapf(err, "split %s", ns.Split)
		}
		splits = append(splits, finetune.SplitOutputs{Name: ns.Split, Outputs: outputs})
	}

	var results finetune.ValidationResults
	if set.Kind() == datasets.MultiSplit {
		results = finetune.MultiSplitResults{Splits: splits}
	} else {
		results = finetune.SingleSplitResults{Outputs: splits[0].Outputs}
	}
	return l.model.ValidationEpochAggregate(results)
}

func (l *loop) validateSplit(ctx context.Context, seq *datasets.Sequence, index int) ([]finetune.ValidationOutput, error) {
	if err := seq.Restart(); err != nil {
		return nil, err
	}
	var outputs []finetune.ValidationOutput
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.cfg.LimitValBatches > 0 && len(outputs) >= l.cfg.LimitValBatches {
			break
		}
		batch, err := nextBatch(seq)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "next validation batch")
		}
		out, err := l.model.ValidationStep(batch, index)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// nextBatch reads one batch through the gomlx Dataset protocol and restores
// its row layout. The yielded spec must name the split being read.
func nextBatch(src datasets.BatchSource) (datasets.Batch, error) {
	spec, inputs, labels, err := src.Yield()
	if err != nil {
		return datasets.Batch{}, err
	}
	if name, ok := spec.(string); !ok || name != src.Name() {
		return datasets.Batch{}, errors.Errorf("batch of split %v yielded while reading %s", spec, src.Name())
	}
	return datasets.BatchFromTensors(inputs, labels)
}
