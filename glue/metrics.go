package glue

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Metric names, matching the keys reported by the reference GLUE scorer.
const (
	MetricAccuracy = "accuracy"
	MetricF1       = "f1"
	MetricMatthews = "matthews_correlation"
	MetricPearson  = "pearson"
	MetricSpearman = "spearmanr"
)

// ComputeMetrics scores predictions against labels with the metrics of task.
// For classification tasks both slices hold class indices; for stsb they hold
// similarity scores.
func ComputeMetrics(task Task, predictions, labels []float64) (map[string]float64, error) {
	if !task.Valid() {
		return nil, errors.Wrapf(ErrUnknownTask, "task %d", int(task))
	}
	if len(predictions) != len(labels) {
		return nil, errors.Errorf("glue: %d predictions for %d labels", len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return nil, errors.New("glue: no predictions to score")
	}

	out := make(map[string]float64, 2)
	for _, name := range task.Info().Metrics {
		switch name {
		case MetricAccuracy:
			out[name] = Accuracy(predictions, labels)
		case MetricF1:
			out[name] = F1(predictions, labels)
		case MetricMatthews:
			out[name] = MatthewsCorrelation(predictions, labels)
		case MetricPearson:
			out[name] = Pearson(predictions, labels)
		case MetricSpearman:
			out[name] = Spearman(predictions, labels)
		}
	}
	return out, nil
}

// Accuracy is the fraction of exact matches.
func Accuracy(predictions, labels []float64) float64 {
	if len(predictions) == 0 {
		return 0
	}
	hits := 0
	for i := range predictions {
		if predictions[i] == labels[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(predictions))
}

// F1 is the binary F1 score with 1 as the positive class. It is 0 when there
// are no true positives.
func F1(predictions, labels []float64) float64 {
	var tp, fp, fn float64
	for i := range predictions {
		pos := predictions[i] == 1
		truth := labels[i] == 1
		switch {
		case pos && truth:
			tp++
		case pos && !truth:
			fp++
		case !pos && truth:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}

// MatthewsCorrelation is the multi-class Matthews correlation coefficient
// computed from the confusion matrix. Degenerate inputs score 0.
func MatthewsCorrelation(predictions, labels []float64) float64 {
	trueCounts := map[float64]float64{}
	predCounts := map[float64]float64{}
	var correct float64
	for i := range predictions {
		trueCounts[labels[i]]++
		predCounts[predictions[i]]++
		if predictions[i] == labels[i] {
			correct++
		}
	}
	n := float64(len(predictions))
	var tp, pp, tt float64
	for class, t := range trueCounts {
		tp += t * predCounts[class]
		tt += t * t
	}
	for _, p := range predCounts {
		pp += p * p
	}
	covYtYp := correct*n - tp
	covYpYp := n*n - pp
	covYtYt := n*n - tt
	if covYpYp*covYtYt == 0 {
		return 0
	}
	return covYtYp / math.Sqrt(covYtYt*covYpYp)
}

// Pearson is the Pearson correlation. Constant inputs score 0, not NaN, so a
// degenerate epoch still compares and stores as a number.
func Pearson(x, y []float64) float64 {
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// Spearman is the Pearson correlation of the average ranks of x and y.
func Spearman(x, y []float64) float64 {
	return Pearson(ranks(x), ranks(y))
}

// ranks assigns 1-based ranks, averaging ties.
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && values[idx[end]] == values[idx[start]] {
			end++
		}
		avg := float64(start+end+1) / 2
		for k := start; k < end; k++ {
			out[idx[k]] = avg
		}
		start = end
	}
	return out
}
