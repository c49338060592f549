package datasets

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/gluetune/glue"
	"github.com/Noofbiz/gluetune/tokenizer"
)

var (
	// ErrNotPrepared is returned by Configure before Prepare succeeded.
	ErrNotPrepared = errors.New("data module not prepared")
	// ErrNotConfigured is returned by the sequence getters before Configure.
	ErrNotConfigured = errors.New("data module not configured")
	// ErrMissingSplit is returned when a split a stage needs was not found.
	ErrMissingSplit = errors.New("missing split")
	// ErrMissingData is returned by Prepare when no split files exist and no
	// download URL is configured.
	ErrMissingData = errors.New("no split files found")
)

// Stage names the phase a DataModule or model is configured for.
type Stage string

const (
	StageFit      Stage = "fit"
	StageValidate Stage = "validate"
	StageTest     Stage = "test"
)

// TrainSplit is the split TrainSequence reads.
const TrainSplit = "train"

// Options configures a DataModule.
type Options struct {
	Task glue.Task
	// DataDir holds one sub-directory of split files per task.
	DataDir string
	// CacheDir holds the persisted token cache; empty disables caching.
	CacheDir string
	// DownloadURL is fetched by Prepare when the task has no split files. A
	// "{task}" placeholder is replaced with the task identifier.
	DownloadURL string
	// CacheNamespace separates token cache entries of different tokenizers.
	CacheNamespace string

	MaxSeqLength   int
	TrainBatchSize int
	EvalBatchSize  int
	Shuffle        bool
	Seed           int64
	// Workers bounds concurrent tokenization; 0 means 1.
	Workers int

	Tokenizer  tokenizer.Tokenizer
	HTTPClient *http.Client
}

// ProcessedSplit is a tokenized split restricted to the model columns.
type ProcessedSplit struct {
	Name     string
	Columns  []string
	Features []Feature
}

// Len returns the number of features.
func (p *ProcessedSplit) Len() int { return len(p.Features) }

// DataModule loads, tokenizes and batches the splits of one GLUE task.
type DataModule struct {
	opts Options
	info glue.Info

	prepared bool
	cache    *TokenCache

	splits     map[string]*ProcessedSplit
	splitOrder []string
	evalSplits SplitSet
}

// NewDataModule validates opts and returns an unprepared DataModule.
func NewDataModule(opts Options) (*DataModule, error) {
	if !opts.Task.Valid() {
		return nil, errors.Wrapf(glue.ErrUnknownTask, "task %d", int(opts.Task))
	}
	if opts.MaxSeqLength <= 0 {
		return nil, errors.Errorf("max sequence length must be > 0 (got %d)", opts.MaxSeqLength)
	}
	if opts.TrainBatchSize <= 0 || opts.EvalBatchSize <= 0 {
		return nil, errors.Errorf("batch sizes must be > 0 (got train=%d eval=%d)", opts.TrainBatchSize, opts.EvalBatchSize)
	}
	if opts.Tokenizer == nil {
		return nil, errors.New("tokenizer is nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &DataModule{opts: opts, info: opts.Task.Info()}, nil
}

// Task returns the configured task.
func (d *DataModule) Task() glue.Task { return d.opts.Task }

// TextFields returns the raw columns encoded for the task.
func (d *DataModule) TextFields() []string { return append([]string(nil), d.info.TextFields...) }

// NumLabels returns the number of target classes for the task.
func (d *DataModule) NumLabels() int { return d.info.NumLabels }

// EvalSplits returns the validation split names found by Configure.
func (d *DataModule) EvalSplits() SplitSet { return d.evalSplits }

// TaskDir is the directory holding the task's split files.
func (d *DataModule) TaskDir() string {
	return filepath.Join(d.opts.DataDir, d.opts.Task.String())
}

// Split returns a processed split by name.
func (d *DataModule) Split(name string) (*ProcessedSplit, bool) {
	s, ok := d.splits[name]
	return s, ok
}

// SplitNames returns every processed split name in load order.
func (d *DataModule) SplitNames() []string { return append([]string(nil), d.splitOrder...) }

// Configure loads and tokenizes every split of the task. stage decides which
// splits must exist: train and validation for fit, validation for validate.
func (d *DataModule) Configure(ctx context.Context, stage Stage) error {
	if !d.prepared {
		return ErrNotPrepared
	}
	files, err := DiscoverSplits(d.TaskDir())
	if err != nil {
		return err
	}
	names := SortedSplitNames(files)

	splits := make(map[string]*ProcessedSplit, len(names))
	for _, name := range names {
		raw, err := LoadSplit(files[name], d.info.TextFields)
		if err != nil {
			return errors.Wrapf(err, "load split %s", name)
		}
		features, err := d.tokenize(ctx, raw.Examples())
		if err != nil {
			return errors.Wrapf(err, "tokenize split %s", name)
		}
		splits[name] = &ProcessedSplit{
			Name:     name,
			Columns:  modelColumns(raw.Columns()),
			Features: features,
		}
		klog.V(1).Infof("split=%s examples=%d columns=%v", name, len(features), splits[name].Columns)
	}

	evalSplits := NewSplitSet(names)
	switch stage {
	case StageFit:
		if _, ok := splits[TrainSplit]; !ok {
			return errors.Wrapf(ErrMissingSplit, "%s has no %s split", d.opts.Task, TrainSplit)
		}
		fallthrough
	case StageValidate:
		if evalSplits.Len() == 0 {
			return errors.Wrapf(ErrMissingSplit, "%s has no validation split", d.opts.Task)
		}
	}

	if d.cache != nil {
		if err := d.cache.Save(); err != nil {
			klog.Warningf("token cache not saved: %v", err)
		}
	}

	d.splits = splits
	d.splitOrder = names
	d.evalSplits = evalSplits
	klog.Infof("task=%s stage=%s splits=%v validation=%v", d.opts.Task, stage, names, evalSplits.Names())
	return nil
}

// Tokenize encodes examples into features. Single-field tasks encode the one
// text column; two-field tasks encode (text A, text B) jointly. Labels are
// copied in order.
func (d *DataModule) Tokenize(examples []Example) ([]Feature, error) {
	return d.tokenize(context.Background(), examples)
}

func (d *DataModule) tokenize(ctx context.Context, examples []Example) ([]Feature, error) {
	features := make([]Feature, len(examples))
	chunk := (len(examples) + d.opts.Workers - 1) / d.opts.Workers
	if chunk == 0 {
		return features, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for start := 0; start < len(examples); start += chunk {
		start, end := start, min(start+chunk, len(examples))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				enc, err := d.encode(examples[i])
				if err != nil {
					return errors.Wrapf(err, "example %d", examples[i].Index)
				}
				features[i] = newFeature(enc, examples[i].Label)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return features, nil
}

func (d *DataModule) encode(ex Example) (tokenizer.Encoding, error) {
	texts := make([]string, len(d.info.TextFields))
	for i, field := range d.info.TextFields {
		text, ok := ex.Fields[field]
		if !ok {
			return tokenizer.Encoding{}, errors.Errorf("missing text field %q", field)
		}
		texts[i] = text
	}

	if d.cache != nil {
		if enc, ok := d.cache.Get(texts, d.opts.MaxSeqLength); ok {
			return enc, nil
		}
	}
	var (
		enc tokenizer.Encoding
		err error
	)
	if len(texts) == 2 {
		enc, err = d.opts.Tokenizer.EncodePair(texts[0], texts[1], d.opts.MaxSeqLength)
	} else {
		enc, err = d.opts.Tokenizer.Encode(texts[0], d.opts.MaxSeqLength)
	}
	if err != nil {
		return tokenizer.Encoding{}, err
	}
	if d.cache != nil {
		d.cache.Set(texts, d.opts.MaxSeqLength, enc)
	}
	return enc, nil
}

// TrainSequence returns the training batches.
func (d *DataModule) TrainSequence() (*Sequence, error) {
	if d.splits == nil {
		return nil, ErrNotConfigured
	}
	split, ok := d.splits[TrainSplit]
	if !ok {
		return nil, errors.Wrapf(ErrMissingSplit, "%s", TrainSplit)
	}
	return NewSequence(split.Name, split.Features, d.opts.TrainBatchSize, d.opts.Shuffle, d.opts.Seed), nil
}

// ValidationSequence returns one sequence when the task has a single
// validation split, and the ordered list of sequences otherwise.
func (d *DataModule) ValidationSequence() (ValidationSet, error) {
	if d.splits == nil {
		return nil, ErrNotConfigured
	}
	names := d.evalSplits.Names()
	if len(names) == 0 {
		return nil, errors.Wrapf(ErrMissingSplit, "validation")
	}
	seqs := make([]NamedSequence, 0, len(names))
	for _, name := range names {
		split := d.splits[name]
		seqs = append(seqs, NamedSequence{
			Split: name,
			Seq:   NewSequence(name, split.Features, d.opts.EvalBatchSize, false, d.opts.Seed),
		})
	}
	if len(seqs) == 1 {
		return SingleSplitSet{Split: seqs[0].Split, Seq: seqs[0].Seq}, nil
	}
	return MultiSplitSet{Splits: seqs}, nil
}

// TestSequences returns a sequence per split whose name contains "test".
func (d *DataModule) TestSequences() ([]NamedSequence, error) {
	if d.splits == nil {
		return nil, ErrNotConfigured
	}
	var out []NamedSequence
	for _, name := range d.splitOrder {
		if !strings.Contains(name, "test") {
			continue
		}
		split := d.splits[name]
		out = append(out, NamedSequence{
			Split: name,
			Seq:   NewSequence(name, split.Features, d.opts.EvalBatchSize, false, d.opts.Seed),
		})
	}
	return out, nil
}

// modelColumns is the tokenized column set of a split restricted to
// LoaderColumns, in allow-list order. Raw text columns never survive.
func modelColumns(raw []string) []string {
	present := map[string]bool{
		ColumnInputIDs:      true,
		ColumnTokenTypeIDs:  true,
		ColumnAttentionMask: true,
		ColumnLabels:        true,
	}
	for _, c := range raw {
		if c != rawLabelColumn {
			present[c] = true
		}
	}
	var kept []string
	for _, c := range LoaderColumns {
		if present[c] {
			kept = append(kept, c)
		}
	}
	return kept
}
