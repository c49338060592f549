package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch stacks Features along a new leading dimension. Row i of every field
// belongs to the same example.
type Batch struct {
	InputIDs      [][]int32
	TokenTypeIDs  [][]int32
	AttentionMask [][]int32
	Labels        []float32
}

// MakeBatch stacks features, checking they share one sequence length.
func MakeBatch(features []Feature) (Batch, error) {
	b := Batch{
		InputIDs:      make([][]int32, len(features)),
		TokenTypeIDs:  make([][]int32, len(features)),
		AttentionMask: make([][]int32, len(features)),
		Labels:        make([]float32, len(features)),
	}
	if len(features) == 0 {
		return b, nil
	}
	seqLen := len(features[0].InputIDs)
	for i, f := range features {
		if len(f.InputIDs) != seqLen || len(f.TokenTypeIDs) != seqLen || len(f.AttentionMask) != seqLen {
			return Batch{}, errors.Errorf("inconsistent sequence length at example %d: expected %d, got %d/%d/%d",
				i, seqLen, len(f.InputIDs), len(f.TokenTypeIDs), len(f.AttentionMask))
		}
		b.InputIDs[i] = f.InputIDs
		b.TokenTypeIDs[i] = f.TokenTypeIDs
		b.AttentionMask[i] = f.AttentionMask
		b.Labels[i] = f.Label
	}
	return b, nil
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return len(b.InputIDs) }

// SeqLen is the padded sequence length, 0 for an empty batch.
func (b Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// HasLabels reports whether every example carries a gold label.
func (b Batch) HasLabels() bool {
	if len(b.Labels) == 0 {
		return false
	}
	for _, l := range b.Labels {
		if l == NoLabel {
			return false
		}
	}
	return true
}

// Tensors converts the batch to gomlx tensors: input ids, token type ids and
// attention mask as int32 [batch, seq_len], and labels as float32 [batch].
func (b Batch) Tensors() (inputs []*tensors.Tensor, labels *tensors.Tensor) {
	n, seqLen := b.Size(), b.SeqLen()
	// handle empty batch gracefully
	if n == 0 || seqLen == 0 {
		empty := make([][]int32, 0)
		inputs = []*tensors.Tensor{
			tensors.FromAnyValue(empty),
			tensors.FromAnyValue(empty),
			tensors.FromAnyValue(empty),
		}
		return inputs, tensors.FromAnyValue(make([]float32, 0))
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(flatten(b.InputIDs, seqLen), n, seqLen),
		tensors.FromFlatDataAndDimensions(flatten(b.TokenTypeIDs, seqLen), n, seqLen),
		tensors.FromFlatDataAndDimensions(flatten(b.AttentionMask, seqLen), n, seqLen),
	}
	labelData := append([]float32(nil), b.Labels...)
	return inputs, tensors.FromFlatDataAndDimensions(labelData, n)
}

// BatchFromTensors is the inverse of Tensors: it takes the inputs and labels
// of a gomlx Yield and restores the row layout the classifier reads.
func BatchFromTensors(inputs []*tensors.Tensor, labels []*tensors.Tensor) (Batch, error) {
	if len(inputs) != 3 {
		return Batch{}, errors.Errorf("expected 3 input tensors, got %d", len(inputs))
	}
	if len(labels) != 1 {
		return Batch{}, errors.Errorf("expected 1 label tensor, got %d", len(labels))
	}
	var fields [3][][]int32
	for i, t := range inputs {
		rows, err := int32Rows(t)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "input %d", i)
		}
		fields[i] = rows
	}
	var lab []float32
	if labels[0] != nil {
		lab, _ = labels[0].Value().([]float32)
	}
	n := len(fields[0])
	if len(fields[1]) != n || len(fields[2]) != n || len(lab) != n {
		return Batch{}, errors.Errorf("tensor batch sizes disagree: %d/%d/%d inputs, %d labels",
			n, len(fields[1]), len(fields[2]), len(lab))
	}
	features := make([]Feature, n)
	for i := range features {
		features[i] = Feature{
			InputIDs:      fields[0][i],
			TokenTypeIDs:  fields[1][i],
			AttentionMask: fields[2][i],
			Label:         lab[i],
		}
	}
	return MakeBatch(features)
}

func int32Rows(t *tensors.Tensor) ([][]int32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	switch v := t.Value().(type) {
	case [][]int32:
		return v, nil
	case []int32:
		// an empty batch has no second dimension
		if len(v) == 0 {
			return nil, nil
		}
	}
	return nil, errors.Errorf("expected an int32 [batch, seq_len] tensor, got %s", t.Shape())
}

func flatten(rows [][]int32, seqLen int) []int32 {
	flat := make([]int32, len(rows)*seqLen)
	for i, row := range rows {
		copy(flat[i*seqLen:], row)
	}
	return flat
}
