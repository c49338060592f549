// Package glue describes the GLUE benchmark tasks: which text fields each task
// encodes, how many target classes it has and which metrics score it.
package glue

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownTask is returned when a task identifier is not one of the GLUE tasks.
var ErrUnknownTask = errors.New("unknown task")

// Task identifies one GLUE task.
type Task int

const (
	CoLA Task = iota
	SST2
	MRPC
	QQP
	STSB
	MNLI
	QNLI
	RTE
	WNLI
	AX

	numTasks
)

// Info is the static configuration of a task.
type Info struct {
	// TextFields are the raw column names to encode, in order. One field means
	// single sentence encoding, two fields means pair encoding.
	TextFields []string
	// NumLabels is the number of classes; 1 means regression.
	NumLabels int
	// Metrics are the metric names ComputeMetrics returns for the task.
	Metrics []string
}

// Tasks returns every task in declaration order.
func Tasks() []Task {
	out := make([]Task, 0, numTasks)
	for t := Task(0); t < numTasks; t++ {
		out = append(out, t)
	}
	return out
}

// ParseTask maps an identifier such as "mrpc" to its Task.
func ParseTask(name string) (Task, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, t := range Tasks() {
		if t.String() == key {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownTask, "%q", name)
}

// String returns the lower-case task identifier used by the dataset files.
func (t Task) String() string {
	switch t {
	case CoLA:
		return "cola"
	case SST2:
		return "sst2"
	case MRPC:
		return "mrpc"
	case QQP:
		return "qqp"
	case STSB:
		return "stsb"
	case MNLI:
		return "mnli"
	case QNLI:
		return "qnli"
	case RTE:
		return "rte"
	case WNLI:
		return "wnli"
	case AX:
		return "ax"
	}
	return "unknown"
}

// Valid reports whether t is one of the enumerated tasks.
func (t Task) Valid() bool {
	return t >= 0 && t < numTasks
}

// Info returns the configuration for t. It panics on an invalid task, which
// can only be built by converting an out of range integer.
func (t Task) Info() Info {
	switch t {
	case CoLA:
		return Info{TextFields: []string{"sentence"}, NumLabels: 2, Metrics: []string{MetricMatthews}}
	case SST2:
		return Info{TextFields: []string{"sentence"}, NumLabels: 2, Metrics: []string{MetricAccuracy}}
	case MRPC:
		return Info{TextFields: []string{"sentence1", "sentence2"}, NumLabels: 2, Metrics: []string{MetricAccuracy, MetricF1}}
	case QQP:
		return Info{TextFields: []string{"question1", "question2"}, NumLabels: 2, Metrics: []string{MetricAccuracy, MetricF1}}
	case STSB:
		return Info{TextFields: []string{"sentence1", "sentence2"}, NumLabels: 1, Metrics: []string{MetricPearson, MetricSpearman}}
	case MNLI:
		return Info{TextFields: []string{"premise", "hypothesis"}, NumLabels: 3, Metrics: []string{MetricAccuracy}}
	case QNLI:
		return Info{TextFields: []string{"question", "sentence"}, NumLabels: 2, Metrics: []string{MetricAccuracy}}
	case RTE:
		return Info{TextFields: []string{"sentence1", "sentence2"}, NumLabels: 2, Metrics: []string{MetricAccuracy}}
	case WNLI:
		return Info{TextFields: []string{"sentence1", "sentence2"}, NumLabels: 2, Metrics: []string{MetricAccuracy}}
	case AX:
		return Info{TextFields: []string{"premise", "hypothesis"}, NumLabels: 3, Metrics: []string{MetricMatthews}}
	}
	panic(errors.Errorf("glue: invalid task %d", int(t)))
}

// IsRegression reports whether the task predicts a single score.
func (t Task) IsRegression() bool {
	return t.Info().NumLabels == 1
}
