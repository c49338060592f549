// Package simple holds a small, self-contained sequence classifier written in
// pure Go together with the optimizer, learning-rate schedule and checkpoint
// helpers it is trained with. It is deliberately lightweight so tests run
// quickly and deterministically; a heavier network can be swapped in through
// the Network interface.
package simple

import (
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/Noofbiz/gluetune/datasets"
)

// Parameter names of BagClassifier, following the usual BERT checkpoint layout.
const (
	ParamWordEmbeddings   = "embeddings.word_embeddings.weight"
	ParamLayerNormWeight  = "embeddings.LayerNorm.weight"
	ParamLayerNormBias    = "embeddings.LayerNorm.bias"
	ParamClassifierWeight = "classifier.weight"
	ParamClassifierBias   = "classifier.bias"
)

const layerNormEps = 1e-5

// Config holds the sizes and initialization of a BagClassifier.
type Config struct {
	// VocabSize is the number of rows of the embedding table.
	VocabSize int

	// EmbeddingDim is the width of token embeddings. Default: 32.
	EmbeddingDim int

	// NumLabels is the number of output logits. 1 means regression.
	NumLabels int

	// Seed controls weight initialization.
	Seed int64

	// InitRange is the half width of the uniform initializer. Default: 0.1.
	InitRange float64
}

// Param is a named, flat, row-major tensor with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: shape, Value: make([]float64, n), Grad: make([]float64, n)}
}

// Output is the result of one network call over a batch.
type Output struct {
	// Logits is [batch][num labels].
	Logits [][]float64
	// Loss is the batch mean loss; only set when HasLoss.
	Loss    float64
	HasLoss bool
}

// Network is a classification network trained by gradient descent.
//
// Forward computes logits for the batch, and the loss when every example is
// labeled. With accumulate set, gradients of the loss are added to each
// parameter's Grad; they keep accumulating until ZeroGrad.
type Network interface {
	Forward(batch datasets.Batch, accumulate bool) (Output, error)
	Params() []*Param
	ZeroGrad()
	NumLabels() int
}

// BagClassifier mean-pools the embeddings of the attended tokens, normalizes
// the pooled vector and projects it onto the labels. Classification uses a
// softmax cross-entropy loss, regression (one label) a squared error.
type BagClassifier struct {
	Config Config

	embeddings *Param
	lnWeight   *Param
	lnBias     *Param
	clsWeight  *Param
	clsBias    *Param
}

var _ Network = (*BagClassifier)(nil)

// NewBagClassifier creates a randomly initialized classifier.
func NewBagClassifier(cfg Config) (*BagClassifier, error) {
	if cfg.VocabSize <= 0 {
		return nil, errors.Errorf("vocab size must be > 0 (got %d)", cfg.VocabSize)
	}
	if cfg.NumLabels <= 0 {
		return nil, errors.Errorf("num labels must be > 0 (got %d)", cfg.NumLabels)
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 32
	}
	if cfg.EmbeddingDim < 0 {
		return nil, errors.Errorf("embedding dim must be > 0 (got %d)", cfg.EmbeddingDim)
	}
	if cfg.InitRange <= 0 {
		cfg.InitRange = 0.1
	}

	d := cfg.EmbeddingDim
	m := &BagClassifier{
		Config:     cfg,
		embeddings: newParam(ParamWordEmbeddings, cfg.VocabSize, d),
		lnWeight:   newParam(ParamLayerNormWeight, d),
		lnBias:     newParam(ParamLayerNormBias, d),
		clsWeight:  newParam(ParamClassifierWeight, cfg.NumLabels, d),
		clsBias:    newParam(ParamClassifierBias, cfg.NumLabels),
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := range m.embeddings.Value {
		m.embeddings.Value[i] = (rng.Float64()*2 - 1) * cfg.InitRange
	}
	// Xavier/Glorot uniform for the head
	limit := math.Sqrt(6.0 / float64(d+cfg.NumLabels))
	for i := range m.clsWeight.Value {
		m.clsWeight.Value[i] = (rng.Float64()*2 - 1) * limit
	}
	for i := range m.lnWeight.Value {
		m.lnWeight.Value[i] = 1
	}
	return m, nil
}

// NumLabels returns the number of logits per example.
func (m *BagClassifier) NumLabels() int { return m.Config.NumLabels }

// Params returns the parameters in a fixed order.
func (m *BagClassifier) Params() []*Param {
	return []*Param{m.embeddings, m.lnWeight, m.lnBias, m.clsWeight, m.clsBias}
}

// ZeroGrad clears accumulated gradients.
func (m *BagClassifier) ZeroGrad() {
	for _, p := range m.Params() {
		clear(p.Grad)
	}
}

// exampleState keeps the intermediate values of one example for backprop.
type exampleState struct {
	tokens []int32
	xhat   []float64
	normed []float64
	invStd float64
}

// Forward implements Network.
func (m *BagClassifier) Forward(batch datasets.Batch, accumulate bool) (Output, error) {
	n := batch.Size()
	d := m.Config.EmbeddingDim
	labels := m.Config.NumLabels
	out := Output{Logits: make([][]float64, n)}
	if n == 0 {
		return out, nil
	}

	states := make([]exampleState, n)
	for b := 0; b < n; b++ {
		st, err := m.pool(batch.InputIDs[b], batch.AttentionMask[b])
		if err != nil {
			return Output{}, errors.Wrapf(err, "example %d", b)
		}
		states[b] = st
		logits := make([]float64, labels)
		for j := 0; j < labels; j++ {
			sum := m.clsBias.Value[j]
			row := m.clsWeight.Value[j*d : (j+1)*d]
			for k := 0; k < d; k++ {
				sum += row[k] * st.normed[k]
			}
			logits[j] = sum
		}
		out.Logits[b] = logits
	}

	if !batch.HasLabels() {
		return out, nil
	}

	dLogits := make([][]float64, n)
	var total float64
	for b := 0; b < n; b++ {
		loss, grad, err := m.lossAndGrad(out.Logits[b], float64(batch.Labels[b]))
		if err != nil {
			return Output{}, errors.Wrapf(err, "example %d", b)
		}
		total += loss
		for j := range grad {
			grad[j] /= float64(n)
		}
		dLogits[b] = grad
	}
	out.Loss = total / float64(n)
	out.HasLoss = true

	if accumulate {
		for b := 0; b < n; b++ {
			m.backward(states[b], dLogits[b])
		}
	}
	return out, nil
}

// pool averages the attended token embeddings and applies the layer norm.
func (m *BagClassifier) pool(ids, mask []int32) (exampleState, error) {
	d := m.Config.EmbeddingDim
	pooled := make([]float64, d)
	st := exampleState{}
	for i, id := range ids {
		if i < len(mask) && mask[i] == 0 {
			continue
		}
		if id < 0 || int(id) >= m.Config.VocabSize {
			return exampleState{}, errors.Errorf("token id %d outside vocabulary of %d", id, m.Config.VocabSize)
		}
		st.tokens = append(st.tokens, id)
		row := m.embeddings.Value[int(id)*d : (int(id)+1)*d]
		for k := range pooled {
			pooled[k] += row[k]
		}
	}
	if len(st.tokens) > 0 {
		inv := 1 / float64(len(st.tokens))
		for k := range pooled {
			pooled[k] *= inv
		}
	}

	var mean, variance float64
	for _, v := range pooled {
		mean += v
	}
	mean /= float64(d)
	for _, v := range pooled {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(d)
	st.invStd = 1 / math.Sqrt(variance+layerNormEps)

	st.xhat = make([]float64, d)
	st.normed = make([]float64, d)
	for k, v := range pooled {
		st.xhat[k] = (v - mean) * st.invStd
		st.normed[k] = st.xhat[k]*m.lnWeight.Value[k] + m.lnBias.Value[k]
	}
	return st, nil
}

// lossAndGrad returns the loss of one example and its gradient w.r.t. logits.
func (m *BagClassifier) lossAndGrad(logits []float64, label float64) (float64, []float64, error) {
	grad := make([]float64, len(logits))
	if len(logits) == 1 {
		diff := logits[0] - label
		grad[0] = 2 * diff
		return diff * diff, grad, nil
	}

	class := int(label)
	if float64(class) != label || class < 0 || class >= len(logits) {
		return 0, nil, errors.Errorf("label %v is not a class index in [0, %d)", label, len(logits))
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, l)
	}
	var sum float64
	for j, l := range logits {
		grad[j] = math.Exp(l - maxLogit)
		sum += grad[j]
	}
	for j := range grad {
		grad[j] /= sum
	}
	loss := -math.Log(math.Max(grad[class], 1e-300))
	grad[class] -= 1
	return loss, grad, nil
}

func (m *BagClassifier) backward(st exampleState, dLogits []float64) {
	d := m.Config.EmbeddingDim

	dNormed := make([]float64, d)
	for j, g := range dLogits {
		m.clsBias.Grad[j] += g
		row := m.clsWeight.Value[j*d : (j+1)*d]
		gradRow := m.clsWeight.Grad[j*d : (j+1)*d]
		for k := 0; k < d; k++ {
			gradRow[k] += g * st.normed[k]
			dNormed[k] += g * row[k]
		}
	}

	// layer norm backward
	dXhat := make([]float64, d)
	var meanD, meanDX float64
	for k := 0; k < d; k++ {
		m.lnWeight.Grad[k] += dNormed[k] * st.xhat[k]
		m.lnBias.Grad[k] += dNormed[k]
		dXhat[k] = dNormed[k] * m.lnWeight.Value[k]
		meanD += dXhat[k]
		meanDX += dXhat[k] * st.xhat[k]
	}
	meanD /= float64(d)
	meanDX /= float64(d)

	if len(st.tokens) == 0 {
		return
	}
	scale := st.invStd / float64(len(st.tokens))
	dPooled := make([]float64, d)
	for k := 0; k < d; k++ {
		dPooled[k] = (dXhat[k] - meanD - st.xhat[k]*meanDX) * scale
	}
	for _, id := range st.tokens {
		gradRow := m.embeddings.Grad[int(id)*d : (int(id)+1)*d]
		for k := range gradRow {
			gradRow[k] += dPooled[k]
		}
	}
}

// Predictions turns logits into predictions: the arg-max class when there is
// more than one label, the single logit itself otherwise.
func Predictions(logits [][]float64) []float64 {
	preds := make([]float64, len(logits))
	for i, row := range logits {
		if len(row) == 1 {
			preds[i] = row[0]
			continue
		}
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		preds[i] = float64(best)
	}
	return preds
}

// NoDecay reports whether weight decay must be skipped for a parameter name:
// biases and layer norm weights are not decayed.
func NoDecay(name string) bool {
	return strings.Contains(name, "bias") || strings.Contains(name, "LayerNorm.weight")
}
