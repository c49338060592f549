// Package datasets turns GLUE split files into batches of fixed-length token ids
// suitable for the classifier in package simple, or for a GoMLX training loop.
//
// Layout on disk:
//
//	<data dir>/<task>/<split>.jsonl   one JSON object per line
//	<data dir>/<task>/<split>.csv     header row naming the columns
//
// Split names are taken from the file names (train, validation,
// validation_matched, test_mismatched, ...). Each example carries the raw text
// columns of its task plus "label" (an integer class, a float score for stsb,
// or -1 for unlabeled test rows) and optionally "idx".
//
// Processing follows the usual fine-tuning recipe:
//   - every example is tokenized (pair-encoded for two-field tasks)
//   - the raw "label" column becomes "labels"
//   - only the model columns in LoaderColumns are kept
//   - validation splits are the ones whose name contains "validation"
//
// Batches can be converted to gomlx tensors with Batch.Tensors and back with
// BatchFromTensors. Sequence implements the Yield/Name pair of gomlx's
// train.Dataset, which is how the trainer reads every batch.
package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/gluetune/tokenizer"
)

// NoLabel marks an example without a gold label (test splits).
const NoLabel float32 = -1

// Column names produced by tokenization.
const (
	ColumnInputIDs      = "input_ids"
	ColumnTokenTypeIDs  = "token_type_ids"
	ColumnAttentionMask = "attention_mask"
	ColumnLabels        = "labels"

	rawLabelColumn = "label"
	rawIndexColumn = "idx"
)

// LoaderColumns is the allow-list of columns a processed split may expose to a model.
var LoaderColumns = []string{
	"datasets_idx",
	ColumnInputIDs,
	ColumnTokenTypeIDs,
	ColumnAttentionMask,
	"start_positions",
	"end_positions",
	ColumnLabels,
}

// Example is one raw row of a split file.
type Example struct {
	Index  int
	Fields map[string]string
	Label  float32
}

// Feature is the tokenized, labeled form of an Example.
type Feature struct {
	InputIDs      []int32
	TokenTypeIDs  []int32
	AttentionMask []int32
	Label         float32
}

func newFeature(enc tokenizer.Encoding, label float32) Feature {
	return Feature{
		InputIDs:      enc.InputIDs,
		TokenTypeIDs:  enc.TokenTypeIDs,
		AttentionMask: enc.AttentionMask,
		Label:         label,
	}
}

// Dataset is the sized, named view shared by raw splits and sequences.
type Dataset interface {
	Len() int
	Name() string
}

var (
	_ Dataset = (*RawSplit)(nil)
	_ Dataset = (*Sequence)(nil)
)

// BatchSource produces batches one at a time. Next returns io.EOF once the
// epoch is exhausted; Restart rewinds it.
type BatchSource interface {
	Name() string
	Len() int
	Next() (Batch, error)
	Restart() error

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}
