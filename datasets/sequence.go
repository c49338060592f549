package datasets

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Sequence is a lazy, restartable producer of batches over one processed
// split. Batches are stacked on demand; nothing is copied up front.
type Sequence struct {
	name      string
	features  []Feature
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	pos   int
}

// NewSequence builds a sequence over features. With shuffle set, the order is
// drawn from one rng seeded here, so every Restart continues that stream: the
// epochs differ from each other but the whole run repeats for the same seed.
func NewSequence(name string, features []Feature, batchSize int, shuffle bool, seed int64) *Sequence {
	if batchSize <= 0 {
		batchSize = 1
	}
	s := &Sequence{
		name:      name,
		features:  features,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	s.resetOrder()
	return s
}

// Name returns the split the sequence reads from.
func (s *Sequence) Name() string { return s.name }

// Len returns the number of batches per epoch; the last one may be short.
func (s *Sequence) Len() int {
	return (len(s.features) + s.batchSize - 1) / s.batchSize
}

// NumExamples returns the number of examples per epoch.
func (s *Sequence) NumExamples() int { return len(s.features) }

// BatchSize returns the configured batch size.
func (s *Sequence) BatchSize() int { return s.batchSize }

// Next returns the next batch, or io.EOF when the epoch is done.
func (s *Sequence) Next() (Batch, error) {
	if s.pos >= len(s.order) {
		return Batch{}, io.EOF
	}
	end := min(s.pos+s.batchSize, len(s.order))
	picked := make([]Feature, 0, end-s.pos)
	for _, idx := range s.order[s.pos:end] {
		picked = append(picked, s.features[idx])
	}
	s.pos = end
	return MakeBatch(picked)
}

// Restart rewinds the sequence for a new epoch.
func (s *Sequence) Restart() error {
	s.resetOrder()
	return nil
}

// Yield returns the next batch as gomlx tensors. The spec value is the split
// name so a training loop can tell validation splits apart.
func (s *Sequence) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := s.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	in, lab := batch.Tensors()
	return s.name, in, []*tensors.Tensor{lab}, nil
}

func (s *Sequence) resetOrder() {
	if len(s.order) != len(s.features) {
		s.order = make([]int, len(s.features))
	}
	for i := range s.order {
		s.order[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.pos = 0
}

var _ BatchSource = (*Sequence)(nil)
