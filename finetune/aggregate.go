package finetune

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/glue"
)

var (
	// ErrEmptySplit is returned when a split produced no validation outputs.
	ErrEmptySplit = errors.New("split has no validation outputs")
	// ErrSplitMismatch is returned when results don't line up with the
	// configured validation splits.
	ErrSplitMismatch = errors.New("validation results do not match eval splits")
)

// Reporter receives named scalar values, for a logger or a run store.
type Reporter interface {
	Report(key string, value float64)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(key string, value float64)

func (f ReporterFunc) Report(key string, value float64) { f(key, value) }

// ValidationResults is what a validation epoch collected: SingleSplitResults
// or MultiSplitResults.
type ValidationResults interface {
	Kind() datasets.SplitKind
}

// SingleSplitResults holds the per-batch outputs of the only validation
// split, in the order they were produced.
type SingleSplitResults struct {
	Outputs []ValidationOutput
}

func (SingleSplitResults) Kind() datasets.SplitKind { return datasets.SingleSplit }

// SplitOutputs holds the per-batch outputs of one named split.
type SplitOutputs struct {
	Name    string
	Outputs []ValidationOutput
}

// MultiSplitResults holds outputs of several validation splits, in the order
// the validation set listed them.
type MultiSplitResults struct {
	Splits []SplitOutputs
}

func (MultiSplitResults) Kind() datasets.SplitKind { return datasets.MultiSplit }

// SplitResult is the aggregate of one split.
type SplitResult struct {
	Name string
	// Label suffixes the reported keys; empty for a single split.
	Label    string
	Loss     float64
	Metrics  map[string]float64
	Examples int
}

// AggregateResult is the outcome of ValidationEpochAggregate.
type AggregateResult struct {
	// Loss is the mean loss of the single split or, with several splits, the
	// mean loss of the last one. Callers tracking a best checkpoint across
	// splits should use MeanLoss.
	Loss float64
	// MeanLoss averages the split losses.
	MeanLoss float64
	// Reported maps every reported key to its value.
	Reported map[string]float64
	Splits   []SplitResult
}

// ValidationEpochAggregate concatenates the outputs of each split in arrival
// order, averages batch losses and computes the task metrics. A single split
// reports "val_loss" and bare metric names; several splits report
// "val_loss_<label>" and "<metric>_<label>", where label is the part of the
// split name after its last underscore, in the order the splits were given.
func (m *GLUETransformer) ValidationEpochAggregate(results ValidationResults) (AggregateResult, error) {
	var splits []SplitOutputs
	switch r := results.(type) {
	case SingleSplitResults:
		if len(m.Hparams.EvalSplits) > 1 {
			return AggregateResult{}, errors.Wrapf(ErrSplitMismatch, "got 1 split, want %d", len(m.Hparams.EvalSplits))
		}
		name := ""
		if len(m.Hparams.EvalSplits) == 1 {
			name = m.Hparams.EvalSplits[0]
		}
		splits = []SplitOutputs{{Name: name, Outputs: r.Outputs}}
	case MultiSplitResults:
		if err := m.checkSplits(r.Splits); err != nil {
			return AggregateResult{}, err
		}
		splits = r.Splits
	default:
		return AggregateResult{}, errors.Errorf("unsupported validation results %T", results)
	}

	agg := AggregateResult{Reported: map[string]float64{}}
	multi := results.Kind() == datasets.MultiSplit
	losses := make([]float64, 0, len(splits))
	for _, s := range splits {
		res, err := m.aggregateSplit(s)
		if err != nil {
			return AggregateResult{}, err
		}
		suffix := ""
		if multi {
			res.Label = datasets.SplitLabel(s.Name)
			suffix = "_" + res.Label
		}
		m.report(&agg, "val_loss"+suffix, res.Loss)
		for _, name := range m.Hparams.Task.Info().Metrics {
			m.report(&agg, name+suffix, res.Metrics[name])
		}
		agg.Splits = append(agg.Splits, res)
		agg.Loss = res.Loss
		losses = append(losses, res.Loss)
	}
	agg.MeanLoss = stat.Mean(losses, nil)
	return agg, nil
}

func (m *GLUETransformer) checkSplits(splits []SplitOutputs) error {
	want := m.Hparams.EvalSplits
	if len(want) == 0 {
		return nil
	}
	if len(splits) != len(want) {
		return errors.Wrapf(ErrSplitMismatch, "got %d splits, want %d", len(splits), len(want))
	}
	for i, s := range splits {
		if s.Name != want[i] {
			return errors.Wrapf(ErrSplitMismatch, "split %d is %q, want %q", i, s.Name, want[i])
		}
	}
	return nil
}

func (m *GLUETransformer) aggregateSplit(s SplitOutputs) (SplitResult, error) {
	if len(s.Outputs) == 0 {
		return SplitResult{}, errors.Wrapf(ErrEmptySplit, "%q", s.Name)
	}
	preds, labels, losses := concatOutputs(s.Outputs)
	metrics, err := glue.ComputeMetrics(m.Hparams.Task, preds, labels)
	if err != nil {
		return SplitResult{}, errors.Wrapf(err, "metrics of %q", s.Name)
	}
	return SplitResult{
		Name:     s.Name,
		Loss:     stat.Mean(losses, nil),
		Metrics:  metrics,
		Examples: len(preds),
	}, nil
}

// concatOutputs joins predictions and labels of the batches in order and
// collects the batch losses.
func concatOutputs(outputs []ValidationOutput) (preds, labels, losses []float64) {
	losses = make([]float64, len(outputs))
	for i, out := range outputs {
		preds = append(preds, out.Predictions...)
		labels = append(labels, out.Labels...)
		losses[i] = out.Loss
	}
	return preds, labels, losses
}

func (m *GLUETransformer) report(agg *AggregateResult, key string, value float64) {
	agg.Reported[key] = value
	klog.V(1).Infof("%s=%.6f", key, value)
	if m.Reporter != nil {
		m.Reporter.Report(key, value)
	}
}
