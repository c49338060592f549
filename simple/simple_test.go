package simple

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/gluetune/datasets"
)

func makeBatch(t *testing.T, ids [][]int32, labels []float32) datasets.Batch {
	t.Helper()
	features := make([]datasets.Feature, len(ids))
	for i, row := range ids {
		mask := make([]int32, len(row))
		for j, id := range row {
			if id != 0 {
				mask[j] = 1
			}
		}
		features[i] = datasets.Feature{
			InputIDs:      row,
			TokenTypeIDs:  make([]int32, len(row)),
			AttentionMask: mask,
			Label:         labels[i],
		}
	}
	b, err := datasets.MakeBatch(features)
	require.NoError(t, err)
	return b
}

func TestNewBagClassifierValidates(t *testing.T) {
	_, err := NewBagClassifier(Config{VocabSize: 0, NumLabels: 2})
	assert.Error(t, err)
	_, err = NewBagClassifier(Config{VocabSize: 10, NumLabels: 0})
	assert.Error(t, err)

	m, err := NewBagClassifier(Config{VocabSize: 10, NumLabels: 3, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 32, m.Config.EmbeddingDim)
	var names []string
	for _, p := range m.Params() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"embeddings.word_embeddings.weight",
		"embeddings.LayerNorm.weight",
		"embeddings.LayerNorm.bias",
		"classifier.weight",
		"classifier.bias",
	}, names)
}

func TestForwardShapesAndLoss(t *testing.T) {
	m, err := NewBagClassifier(Config{VocabSize: 8, EmbeddingDim: 4, NumLabels: 3, Seed: 7})
	require.NoError(t, err)

	b := makeBatch(t, [][]int32{{2, 4, 5, 3}, {2, 6, 3, 0}}, []float32{0, 2})
	out, err := m.Forward(b, false)
	require.NoError(t, err)
	require.Len(t, out.Logits, 2)
	assert.Len(t, out.Logits[0], 3)
	assert.True(t, out.HasLoss)
	assert.Greater(t, out.Loss, 0.0)

	unlabeled := makeBatch(t, [][]int32{{2, 4, 3, 0}}, []float32{datasets.NoLabel})
	out, err = m.Forward(unlabeled, true)
	require.NoError(t, err)
	assert.False(t, out.HasLoss)
	for _, p := range m.Params() {
		for _, g := range p.Grad {
			require.Zero(t, g, "no gradient expected without labels")
		}
	}

	_, err = m.Forward(makeBatch(t, [][]int32{{2, 99}}, []float32{0}), false)
	assert.Error(t, err)
	_, err = m.Forward(makeBatch(t, [][]int32{{2, 4}}, []float32{5}), false)
	assert.Error(t, err)
}

// Analytic gradients must agree with central differences of the loss.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	for _, tc := range []struct {
		name      string
		numLabels int
		labels    []float32
	}{
		{"classification", 3, []float32{0, 2, 1}},
		{"regression", 1, []float32{0.5, 3.2, 1.0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewBagClassifier(Config{VocabSize: 7, EmbeddingDim: 4, NumLabels: tc.numLabels, Seed: 3, InitRange: 0.5})
			require.NoError(t, err)
			b := makeBatch(t, [][]int32{{2, 4, 5, 3}, {2, 6, 6, 3}, {2, 1, 3, 0}}, tc.labels)

			m.ZeroGrad()
			_, err = m.Forward(b, true)
			require.NoError(t, err)

			const h = 1e-6
			for _, p := range m.Params() {
				for i := range p.Value {
					orig := p.Value[i]
					p.Value[i] = orig + h
					plus, err := m.Forward(b, false)
					require.NoError(t, err)
					p.Value[i] = orig - h
					minus, err := m.Forward(b, false)
					require.NoError(t, err)
					p.Value[i] = orig

					numeric := (plus.Loss - minus.Loss) / (2 * h)
					assert.InDelta(t, numeric, p.Grad[i], 1e-5+1e-3*math.Abs(numeric), "%s[%d]", p.Name, i)
				}
			}
		})
	}
}

// TestTrainingReducesLoss verifies AdamW on the classifier fits a tiny
// separable dataset.
func TestTrainingReducesLoss(t *testing.T) {
	m, err := NewBagClassifier(Config{VocabSize: 10, EmbeddingDim: 8, NumLabels: 2, Seed: 42})
	require.NoError(t, err)
	b := makeBatch(t, [][]int32{
		{2, 4, 5, 3}, {2, 4, 4, 3}, {2, 5, 4, 3},
		{2, 7, 8, 3}, {2, 8, 8, 3}, {2, 7, 7, 3},
	}, []float32{1, 1, 1, 0, 0, 0})

	opt, err := NewAdamW(GroupByDecay(m.Params(), 0.01), 0.05, 1e-8)
	require.NoError(t, err)

	before, err := m.Forward(b, false)
	require.NoError(t, err)
	for step := 0; step < 100; step++ {
		opt.ZeroGrad()
		_, err := m.Forward(b, true)
		require.NoError(t, err)
		ClipGradNorm(m.Params(), 1.0)
		opt.Step()
	}
	after, err := m.Forward(b, false)
	require.NoError(t, err)
	t.Logf("loss before=%.6f after=%.6f", before.Loss, after.Loss)

	assert.Less(t, after.Loss, before.Loss)
	assert.Equal(t, []float64{1, 1, 1, 0, 0, 0}, Predictions(after.Logits))
	assert.Equal(t, 100, opt.Steps())
}

func TestGroupByDecay(t *testing.T) {
	m, err := NewBagClassifier(Config{VocabSize: 5, EmbeddingDim: 2, NumLabels: 2})
	require.NoError(t, err)
	groups := GroupByDecay(m.Params(), 0.01)
	require.Len(t, groups, 2)

	names := func(g ParamGroup) []string {
		var out []string
		for _, p := range g.Params {
			out = append(out, p.Name)
		}
		return out
	}
	assert.Equal(t, 0.01, groups[0].WeightDecay)
	assert.Equal(t, []string{ParamWordEmbeddings, ParamClassifierWeight}, names(groups[0]))
	assert.Equal(t, 0.0, groups[1].WeightDecay)
	assert.Equal(t, []string{ParamLayerNormWeight, ParamLayerNormBias, ParamClassifierBias}, names(groups[1]))
}

func TestAdamWDecouplesWeightDecay(t *testing.T) {
	decayed := &Param{Name: "w", Value: []float64{1}, Grad: []float64{0}}
	kept := &Param{Name: "b", Value: []float64{1}, Grad: []float64{0}}
	opt, err := NewAdamW([]ParamGroup{
		{Params: []*Param{decayed}, WeightDecay: 0.1},
		{Params: []*Param{kept}},
	}, 0.1, 1e-8)
	require.NoError(t, err)

	opt.Step()
	assert.InDelta(t, 0.99, decayed.Value[0], 1e-12)
	assert.Equal(t, 1.0, kept.Value[0])

	// the first Adam step moves each weight by about lr against the gradient sign
	p := &Param{Name: "x", Value: []float64{0}, Grad: []float64{4}}
	opt, err = NewAdamW([]ParamGroup{{Params: []*Param{p}}}, 0.01, 1e-8)
	require.NoError(t, err)
	opt.Step()
	assert.InDelta(t, -0.01, p.Value[0], 1e-6)

	opt.SetScale(0.5)
	assert.Equal(t, 0.005, opt.LR())
	_, err = NewAdamW(nil, 0, 1e-8)
	assert.Error(t, err)
	_, err = NewAdamW(nil, 0.1, 0)
	assert.Error(t, err)
}

func TestLinearWarmup(t *testing.T) {
	s := NewLinearWarmup(2, 6)
	want := []float64{0, 0.5, 1, 0.75, 0.5, 0.25, 0, 0}
	got := []float64{s.Current()}
	for i := 1; i < len(want); i++ {
		got = append(got, s.Step())
	}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "step %d", i)
	}

	noWarmup := NewLinearWarmup(0, 4)
	assert.Equal(t, 1.0, noWarmup.Factor(0))
	assert.Equal(t, 0.5, noWarmup.Factor(2))
}

func TestClipGradNorm(t *testing.T) {
	p := &Param{Name: "x", Value: make([]float64, 2), Grad: []float64{3, 4}}
	norm := ClipGradNorm([]*Param{p}, 1)
	assert.Equal(t, 5.0, norm)
	assert.InDelta(t, 1.0, math.Hypot(p.Grad[0], p.Grad[1]), 1e-5)

	q := &Param{Name: "y", Value: make([]float64, 2), Grad: []float64{0.3, 0.4}}
	ClipGradNorm([]*Param{q}, 1)
	assert.Equal(t, []float64{0.3, 0.4}, q.Grad)
}

func TestPredictions(t *testing.T) {
	assert.Equal(t, []float64{1, 0, 2}, Predictions([][]float64{{0.1, 0.9}, {3, -1}, {0, 1, 2}}))
	assert.Equal(t, []float64{0.25, 4.5}, Predictions([][]float64{{0.25}, {4.5}}))
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, err := NewBagClassifier(Config{VocabSize: 6, EmbeddingDim: 3, NumLabels: 2, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, Save(filepath.Join(dir, WeightsFile), src.Params()))

	same, err := FromPretrained(dir, Config{VocabSize: 6, EmbeddingDim: 3, NumLabels: 2, Seed: 99})
	require.NoError(t, err)
	for i, p := range same.Params() {
		assert.Equal(t, src.Params()[i].Value, p.Value, p.Name)
	}

	// a different head keeps its own initialization
	other, err := NewBagClassifier(Config{VocabSize: 6, EmbeddingDim: 3, NumLabels: 3, Seed: 5})
	require.NoError(t, err)
	loaded, err := Load(filepath.Join(dir, WeightsFile), other.Params())
	require.NoError(t, err)
	assert.Equal(t, []string{ParamWordEmbeddings, ParamLayerNormWeight, ParamLayerNormBias}, loaded)

	fresh, err := FromPretrained(t.TempDir(), Config{VocabSize: 6, EmbeddingDim: 3, NumLabels: 2, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, src.Params()[0].Value, fresh.Params()[0].Value)
}
