// Package tokenizer turns raw text into fixed-length token id sequences.
//
// WordPiece wraps the BERT pipeline of github.com/sugarme/tokenizer: the BERT
// normalizer (text cleaning, CJK character splitting, optional lower-casing
// and accent stripping), the BERT pre-tokenizer and a WordPiece model read
// from the checkpoint's vocab.txt. Pairs are encoded jointly as
// [CLS] A [SEP] B [SEP] with token type ids 0 and 1, and truncated
// longest-first so the pair always fits the requested length.
package tokenizer

import (
	"sync"

	"github.com/pkg/errors"
	hftok "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// Special tokens every vocab must contain.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

// Encoding is the model input for one example, padded to a fixed length.
type Encoding struct {
	InputIDs      []int32
	TokenTypeIDs  []int32
	AttentionMask []int32
}

// Tokenizer encodes single texts or text pairs to exactly maxLen positions.
type Tokenizer interface {
	Encode(text string, maxLen int) (Encoding, error)
	EncodePair(textA, textB string, maxLen int) (Encoding, error)
	VocabSize() int
}

// WordPiece is a vocab-driven sub-word tokenizer.
type WordPiece struct {
	// the library tokenizer is not documented as safe for concurrent use
	mu sync.Mutex
	tk *hftok.Tokenizer

	vocabSize                  int
	padID, unkID, clsID, sepID int32
}

var _ Tokenizer = (*WordPiece)(nil)

// LoadVocab reads a vocab file with one token per line; the line number is the id.
// With lowercase set, text is lower-cased and stripped of accents first, as
// uncased BERT checkpoints expect.
func LoadVocab(path string, lowercase bool) (*WordPiece, error) {
	model, err := wordpiece.NewWordPieceFromFile(path, UnkToken)
	if err != nil {
		return nil, errors.Wrapf(err, "load vocab %s", path)
	}
	tk := hftok.NewTokenizer(model)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, lowercase, true, lowercase))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	w := &WordPiece{tk: tk, vocabSize: tk.GetVocabSize(false)}
	for _, special := range []struct {
		name string
		dst  *int32
	}{
		{PadToken, &w.padID},
		{UnkToken, &w.unkID},
		{ClsToken, &w.clsID},
		{SepToken, &w.sepID},
	} {
		id, ok := tk.TokenToId(special.name)
		if !ok {
			return nil, errors.Errorf("tokenizer: vocab %s is missing %s", path, special.name)
		}
		*special.dst = int32(id)
	}
	return w, nil
}

// VocabSize is the number of ids the tokenizer can produce.
func (w *WordPiece) VocabSize() int { return w.vocabSize }

// PadID returns the id used for padding positions.
func (w *WordPiece) PadID() int32 { return w.padID }

// Tokenize splits text into vocab ids without special tokens. CJK characters
// become one word each; a word with no WordPiece split maps to a single [UNK].
func (w *WordPiece) Tokenize(text string) ([]int32, error) {
	w.mu.Lock()
	enc, err := w.tk.EncodeSingle(text, false)
	w.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "tokenize")
	}
	ids := make([]int32, len(enc.Ids))
	for i, id := range enc.Ids {
		ids[i] = int32(id)
	}
	return ids, nil
}

// Encode produces [CLS] text [SEP], truncated and padded to maxLen.
func (w *WordPiece) Encode(text string, maxLen int) (Encoding, error) {
	ids, err := w.Tokenize(text)
	if err != nil {
		return Encoding{}, err
	}
	if budget := maxLen - 2; len(ids) > budget {
		ids = ids[:max(budget, 0)]
	}
	seq := make([]int32, 0, maxLen)
	seq = append(seq, w.clsID)
	seq = append(seq, ids...)
	seq = append(seq, w.sepID)
	return w.pad(seq, len(seq), maxLen), nil
}

// EncodePair produces [CLS] a [SEP] b [SEP], truncating the longer side first.
func (w *WordPiece) EncodePair(textA, textB string, maxLen int) (Encoding, error) {
	a, err := w.Tokenize(textA)
	if err != nil {
		return Encoding{}, err
	}
	b, err := w.Tokenize(textB)
	if err != nil {
		return Encoding{}, err
	}
	a, b = TruncateLongestFirst(a, b, maxLen-3)
	seq := make([]int32, 0, maxLen)
	seq = append(seq, w.clsID)
	seq = append(seq, a...)
	seq = append(seq, w.sepID)
	firstSegment := len(seq)
	seq = append(seq, b...)
	seq = append(seq, w.sepID)
	return w.pad(seq, firstSegment, maxLen), nil
}

// TruncateLongestFirst drops tokens from the end of the longer sequence, the
// second one on ties, until both fit in budget.
func TruncateLongestFirst(a, b []int32, budget int) ([]int32, []int32) {
	if budget < 0 {
		budget = 0
	}
	for len(a)+len(b) > budget {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}

// pad lays seq out over maxLen positions. Positions from firstSegment on get
// token type 1, which is a no-op for single sequences.
func (w *WordPiece) pad(seq []int32, firstSegment, maxLen int) Encoding {
	if len(seq) > maxLen {
		seq = seq[:maxLen]
	}
	enc := Encoding{
		InputIDs:      make([]int32, maxLen),
		TokenTypeIDs:  make([]int32, maxLen),
		AttentionMask: make([]int32, maxLen),
	}
	for i := range enc.InputIDs {
		if i >= len(seq) {
			enc.InputIDs[i] = w.padID
			continue
		}
		enc.InputIDs[i] = seq[i]
		enc.AttentionMask[i] = 1
		if i >= firstSegment {
			enc.TokenTypeIDs[i] = 1
		}
	}
	return enc
}
