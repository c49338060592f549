package datasets

import "strings"

// SplitKind tells whether a task validates on one split or several.
type SplitKind int

const (
	SingleSplit SplitKind = iota
	MultiSplit
)

func (k SplitKind) String() string {
	if k == MultiSplit {
		return "multi"
	}
	return "single"
}

// SplitSet is the ordered list of validation split names of a configured
// DataModule. It is fixed once Configure returns.
type SplitSet struct {
	names []string
}

// NewSplitSet keeps the names containing "validation", preserving order.
func NewSplitSet(names []string) SplitSet {
	var kept []string
	for _, n := range names {
		if strings.Contains(n, "validation") {
			kept = append(kept, n)
		}
	}
	return SplitSet{names: kept}
}

// Names returns the validation split names in order.
func (s SplitSet) Names() []string { return append([]string(nil), s.names...) }

// Len returns the number of validation splits.
func (s SplitSet) Len() int { return len(s.names) }

// Kind is MultiSplit when more than one validation split exists.
func (s SplitSet) Kind() SplitKind {
	if len(s.names) > 1 {
		return MultiSplit
	}
	return SingleSplit
}

// SplitLabel is the token after the last underscore of a split name, so
// "validation_matched" becomes "matched". Names without an underscore are
// returned unchanged.
func SplitLabel(name string) string {
	if i := strings.LastIndex(name, "_"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// NamedSequence pairs a validation split name with its batches.
type NamedSequence struct {
	Split string
	Seq   *Sequence
}

// ValidationSet is what DataModule.ValidationSequence returns: a
// SingleSplitSet or a MultiSplitSet.
type ValidationSet interface {
	Kind() SplitKind
	// Sequences lists every split in order; a single split yields one entry.
	Sequences() []NamedSequence
}

// SingleSplitSet is the validation set of tasks with one validation split.
type SingleSplitSet struct {
	Split string
	Seq   *Sequence
}

func (SingleSplitSet) Kind() SplitKind { return SingleSplit }

func (s SingleSplitSet) Sequences() []NamedSequence {
	return []NamedSequence{{Split: s.Split, Seq: s.Seq}}
}

// MultiSplitSet is the validation set of tasks such as mnli with matched and
// mismatched validation splits.
type MultiSplitSet struct {
	Splits []NamedSequence
}

func (MultiSplitSet) Kind() SplitKind { return MultiSplit }

func (m MultiSplitSet) Sequences() []NamedSequence {
	return append([]NamedSequence(nil), m.Splits...)
}
