package finetune

import (
	"github.com/pkg/errors"

	"github.com/Noofbiz/gluetune/glue"
)

// Hyperparameters of a fine-tuning run.
type Hyperparameters struct {
	ModelNameOrPath string
	Task            glue.Task
	// NumLabels defaults to the task's label count when zero.
	NumLabels      int
	LearningRate   float64
	AdamEpsilon    float64
	WarmupSteps    int
	WeightDecay    float64
	TrainBatchSize int
	EvalBatchSize  int
	// EvalSplits are the validation split names, in order, as found by the
	// data module.
	EvalSplits []string
}

// DefaultHyperparameters returns the usual GLUE fine-tuning settings for task.
func DefaultHyperparameters(task glue.Task) Hyperparameters {
	h := Hyperparameters{
		Task:           task,
		LearningRate:   2e-5,
		AdamEpsilon:    1e-8,
		TrainBatchSize: 32,
		EvalBatchSize:  32,
	}
	if task.Valid() {
		h.NumLabels = task.Info().NumLabels
	}
	return h
}

// Validate checks every field and fills NumLabels from the task when unset.
func (h *Hyperparameters) Validate() error {
	if !h.Task.Valid() {
		return errors.Wrapf(glue.ErrUnknownTask, "task %d", int(h.Task))
	}
	want := h.Task.Info().NumLabels
	if h.NumLabels == 0 {
		h.NumLabels = want
	}
	if h.NumLabels != want {
		return errors.Errorf("task %s has %d labels, got num_labels=%d", h.Task, want, h.NumLabels)
	}
	if h.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", h.LearningRate)
	}
	if h.AdamEpsilon <= 0 {
		return errors.Errorf("adam_epsilon must be > 0 (got %g)", h.AdamEpsilon)
	}
	if h.WarmupSteps < 0 {
		return errors.Errorf("warmup_steps must be >= 0 (got %d)", h.WarmupSteps)
	}
	if h.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %g)", h.WeightDecay)
	}
	if h.TrainBatchSize <= 0 {
		return errors.Errorf("train_batch_size must be > 0 (got %d)", h.TrainBatchSize)
	}
	if h.EvalBatchSize <= 0 {
		return errors.Errorf("eval_batch_size must be > 0 (got %d)", h.EvalBatchSize)
	}
	return nil
}
