// Package finetune wraps a classification network with the per-step logic of
// GLUE fine-tuning: training and validation steps, end-of-epoch metric
// aggregation across one or several validation splits, optimizer and
// learning-rate schedule construction, and the total step count.
package finetune

import (
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/simple"
)

// ErrNoLabels is returned when a step that needs a loss sees unlabeled examples.
var ErrNoLabels = errors.New("batch has unlabeled examples")

// SetupInfo carries what Setup needs to size the learning-rate schedule.
type SetupInfo struct {
	TrainSize             int
	Devices               int
	AccumulateGradBatches int
	Epochs                int
}

// TotalSteps is the number of optimization steps of a fit:
// ((trainSize / (batchSize * devices)) / accumulate) * epochs, with integer
// division and devices and accumulate floored at 1.
func TotalSteps(trainSize, batchSize int, info SetupInfo) int {
	if batchSize <= 0 {
		return 0
	}
	perEpoch := trainSize / (batchSize * max(1, info.Devices))
	return perEpoch / max(1, info.AccumulateGradBatches) * max(0, info.Epochs)
}

// GLUETransformer drives a simple.Network for one GLUE task.
type GLUETransformer struct {
	Hparams Hyperparameters
	// Reporter receives the values computed by ValidationEpochAggregate; nil
	// discards them.
	Reporter Reporter

	net        simple.Network
	totalSteps int
	optimizer  *simple.AdamW
	scheduler  *simple.LinearWarmup
}

// New validates hp and wraps net, whose label count must match the task.
func New(hp Hyperparameters, net simple.Network) (*GLUETransformer, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if net == nil {
		return nil, errors.New("network is nil")
	}
	if net.NumLabels() != hp.NumLabels {
		return nil, errors.Errorf("network has %d labels, task %s needs %d", net.NumLabels(), hp.Task, hp.NumLabels)
	}
	return &GLUETransformer{Hparams: hp, net: net}, nil
}

// Network returns the wrapped network.
func (m *GLUETransformer) Network() simple.Network { return m.net }

// TotalSteps returns the step count computed by Setup.
func (m *GLUETransformer) TotalSteps() int { return m.totalSteps }

// Setup sizes the learning-rate schedule. Only the fit stage does anything.
func (m *GLUETransformer) Setup(stage datasets.Stage, info SetupInfo) {
	if stage != datasets.StageFit {
		return
	}
	m.totalSteps = TotalSteps(info.TrainSize, m.Hparams.TrainBatchSize, info)
	klog.V(1).Infof("setup: train_size=%d devices=%d accumulate=%d epochs=%d total_steps=%d",
		info.TrainSize, info.Devices, info.AccumulateGradBatches, info.Epochs, m.totalSteps)
}

// ConfigureOptimizers builds AdamW over two parameter groups, one without
// weight decay for biases and layer norm weights, and the warmup-linear
// schedule over the total steps computed by Setup. The optimizer's learning
// rate is set to the schedule's value at step 0.
func (m *GLUETransformer) ConfigureOptimizers() (*simple.AdamW, *simple.LinearWarmup, error) {
	groups := simple.GroupByDecay(m.net.Params(), m.Hparams.WeightDecay)
	opt, err := simple.NewAdamW(groups, m.Hparams.LearningRate, m.Hparams.AdamEpsilon)
	if err != nil {
		return nil, nil, err
	}
	sched := simple.NewLinearWarmup(m.Hparams.WarmupSteps, m.totalSteps)
	opt.SetScale(sched.Current())
	m.optimizer, m.scheduler = opt, sched
	return opt, sched, nil
}

// Forward runs the network once without touching gradients.
func (m *GLUETransformer) Forward(batch datasets.Batch) (simple.Output, error) {
	return m.net.Forward(batch, false)
}

// TrainingStep runs the network on a labeled batch, adds the gradients of its
// loss to the parameters and returns the loss.
func (m *GLUETransformer) TrainingStep(batch datasets.Batch) (float64, error) {
	out, err := m.net.Forward(batch, true)
	if err != nil {
		return 0, err
	}
	if !out.HasLoss {
		return 0, ErrNoLabels
	}
	return out.Loss, nil
}

// OptimizerStep clips gradients to clipNorm (when > 0), applies the update,
// advances the schedule and clears gradients. It returns the gradient norm
// before clipping.
func (m *GLUETransformer) OptimizerStep(clipNorm float64) (float64, error) {
	if m.optimizer == nil {
		return 0, errors.New("optimizers not configured")
	}
	norm := simple.ClipGradNorm(m.net.Params(), clipNorm)
	m.optimizer.Step()
	m.optimizer.SetScale(m.scheduler.Step())
	m.optimizer.ZeroGrad()
	return norm, nil
}

// ValidationOutput is what ValidationStep returns for one batch.
type ValidationOutput struct {
	Loss        float64
	Predictions []float64
	Labels      []float64
}

// ValidationStep evaluates one validation batch. Predictions are the arg-max
// class per example when the task has several labels, and the single logit
// itself for regression. splitIndex is the position of the batch's split in
// the validation set and only used for logging.
func (m *GLUETransformer) ValidationStep(batch datasets.Batch, splitIndex int) (ValidationOutput, error) {
	out, err := m.net.Forward(batch, false)
	if err != nil {
		return ValidationOutput{}, errors.Wrapf(err, "validation split %d", splitIndex)
	}
	if !out.HasLoss {
		return ValidationOutput{}, errors.Wrapf(ErrNoLabels, "validation split %d", splitIndex)
	}
	for i, row := range out.Logits {
		if len(row) != m.Hparams.NumLabels {
			return ValidationOutput{}, errors.Errorf("example %d has %d logits, want %d", i, len(row), m.Hparams.NumLabels)
		}
	}
	labels := make([]float64, len(batch.Labels))
	for i, l := range batch.Labels {
		labels[i] = float64(l)
	}
	return ValidationOutput{
		Loss:        out.Loss,
		Predictions: simple.Predictions(out.Logits),
		Labels:      labels,
	}, nil
}

// Save writes the network parameters to dir/weights.gob, where FromPretrained
// finds them.
func (m *GLUETransformer) Save(dir string) error {
	return simple.Save(filepath.Join(dir, simple.WeightsFile), m.net.Params())
}
