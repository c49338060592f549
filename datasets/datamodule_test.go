package datasets

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/gluetune/glue"
	"github.com/Noofbiz/gluetune/tokenizer"
)

var testVocab = []string{
	tokenizer.PadToken, tokenizer.UnkToken, tokenizer.ClsToken, tokenizer.SepToken,
	"the", "cat", "sat", "on", "mat",
	"play", "##ing", "##ed", ",", ".",
	"dog", "cafe",
}

func newTestTokenizer(t *testing.T) *tokenizer.WordPiece {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(testVocab, "\n")+"\n"), 0o644))
	wp, err := tokenizer.LoadVocab(path, true)
	require.NoError(t, err)
	return wp
}

func testOptions(t *testing.T, task glue.Task, dataDir string) Options {
	return Options{
		Task:           task,
		DataDir:        dataDir,
		MaxSeqLength:   8,
		TrainBatchSize: 2,
		EvalBatchSize:  2,
		Seed:           42,
		Workers:        3,
		Tokenizer:      newTestTokenizer(t),
	}
}

// writeJSONLines writes one JSON object per row to <dir>/<task>/<split>.jsonl.
func writeJSONLines(t *testing.T, dir string, task glue.Task, split string, rows []map[string]any) {
	t.Helper()
	taskDir := filepath.Join(dir, task.String())
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		require.NoError(t, enc.Encode(r))
	}
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, split+".jsonl"), buf.Bytes(), 0o644))
}

func colaRows(labels ...int) []map[string]any {
	sentences := []string{"the cat sat", "the dog sat on the mat", "cat", "the cat sat on the mat playing"}
	rows := make([]map[string]any, len(labels))
	for i, l := range labels {
		rows[i] = map[string]any{"sentence": sentences[i%len(sentences)], "label": l, "idx": i}
	}
	return rows
}

func mnliRows(labels ...int) []map[string]any {
	rows := make([]map[string]any, len(labels))
	for i, l := range labels {
		rows[i] = map[string]any{"premise": "the cat sat", "hypothesis": "the dog", "label": l, "idx": i}
	}
	return rows
}

func configured(t *testing.T, opts Options, stage Stage) *DataModule {
	t.Helper()
	dm, err := NewDataModule(opts)
	require.NoError(t, err)
	require.NoError(t, dm.Prepare(context.Background()))
	require.NoError(t, dm.Configure(context.Background(), stage))
	return dm
}

func TestNewDataModuleRejectsUnknownTask(t *testing.T) {
	opts := testOptions(t, glue.Task(99), t.TempDir())
	_, err := NewDataModule(opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, glue.ErrUnknownTask))
}

func TestTextFieldsAndNumLabels(t *testing.T) {
	cola, err := NewDataModule(testOptions(t, glue.CoLA, t.TempDir()))
	require.NoError(t, err)
	assert.Len(t, cola.TextFields(), 1)
	assert.Equal(t, 2, cola.NumLabels())

	mrpc, err := NewDataModule(testOptions(t, glue.MRPC, t.TempDir()))
	require.NoError(t, err)
	assert.Len(t, mrpc.TextFields(), 2)
	assert.Equal(t, 2, mrpc.NumLabels())
}

func TestConfigureRequiresPrepare(t *testing.T) {
	dir := t.TempDir()
	writeJSONLines(t, dir, glue.CoLA, "train", colaRows(1, 0))
	dm, err := NewDataModule(testOptions(t, glue.CoLA, dir))
	require.NoError(t, err)
	err = dm.Configure(context.Background(), StageFit)
	assert.True(t, errors.Is(err, ErrNotPrepared))

	_, err = dm.TrainSequence()
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestPrepareWithoutFilesOrURL(t *testing.T) {
	dm, err := NewDataModule(testOptions(t, glue.CoLA, t.TempDir()))
	require.NoError(t, err)
	err = dm.Prepare(context.Background())
	assert.True(t, errors.Is(err, ErrMissingData))
}

func TestTokenizeLengthsAndLabels(t *testing.T) {
	dm, err := NewDataModule(testOptions(t, glue.CoLA, t.TempDir()))
	require.NoError(t, err)

	examples := []Example{
		{Index: 0, Fields: map[string]string{"sentence": "the cat"}, Label: 1},
		{Index: 1, Fields: map[string]string{"sentence": "the cat sat on the mat playing dog"}, Label: 0},
		{Index: 2, Fields: map[string]string{"sentence": ""}, Label: 0},
		{Index: 3, Fields: map[string]string{"sentence": "dog"}, Label: NoLabel},
	}
	features, err := dm.Tokenize(examples)
	require.NoError(t, err)
	require.Len(t, features, len(examples))
	for i, f := range features {
		assert.Len(t, f.InputIDs, 8, "example %d", i)
		assert.Len(t, f.TokenTypeIDs, 8, "example %d", i)
		assert.Len(t, f.AttentionMask, 8, "example %d", i)
		assert.Equal(t, examples[i].Label, f.Label)
	}
	assert.Equal(t, []int32{2, 4, 5, 3, 0, 0, 0, 0}, features[0].InputIDs)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 1, 1}, features[1].AttentionMask)

	_, err = dm.Tokenize([]Example{{Fields: map[string]string{"text": "x"}}})
	assert.Error(t, err)
}

func TestTokenizePairMatchesFixture(t *testing.T) {
	opts := testOptions(t, glue.MRPC, t.TempDir())
	opts.MaxSeqLength = 10
	dm, err := NewDataModule(opts)
	require.NoError(t, err)

	features, err := dm.Tokenize([]Example{{
		Fields: map[string]string{"sentence1": "the cat", "sentence2": "the dog"},
		Label:  1,
	}})
	require.NoError(t, err)
	require.Len(t, features, 1)

	want, err := opts.Tokenizer.EncodePair("the cat", "the dog", 10)
	require.NoError(t, err)
	assert.Equal(t, want.InputIDs, features[0].InputIDs)
	assert.Equal(t, []int32{2, 4, 5, 3, 4, 14, 3, 0, 0, 0}, features[0].InputIDs)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 1, 0, 0, 0}, features[0].TokenTypeIDs)
	assert.Equal(t, float32(1), features[0].Label)
}

func TestConfigureSingleValidationSplit(t *testing.T) {
	dir := t.TempDir()
	writeJSONLines(t, dir, glue.CoLA, "train", colaRows(1, 0, 1, 1, 0))
	writeJSONLines(t, dir, glue.CoLA, "validation", colaRows(1, 0, 0))
	writeJSONLines(t, dir, glue.CoLA, "test", colaRows(-1, -1))

	dm := configured(t, testOptions(t, glue.CoLA, dir), StageFit)
	assert.Equal(t, []string{"test", "train", "validation"}, dm.SplitNames())
	assert.Equal(t, []string{"validation"}, dm.EvalSplits().Names())
	assert.Equal(t, SingleSplit, dm.EvalSplits().Kind())

	train, ok := dm.Split("train")
	require.True(t, ok)
	assert.Equal(t, []string{ColumnInputIDs, ColumnTokenTypeIDs, ColumnAttentionMask, ColumnLabels}, train.Columns)
	assert.Equal(t, 5, train.Len())

	val, err := dm.ValidationSequence()
	require.NoError(t, err)
	single, ok := val.(SingleSplitSet)
	require.True(t, ok)
	assert.Equal(t, "validation", single.Split)
	assert.Equal(t, 2, single.Seq.Len())

	tests, err := dm.TestSequences()
	require.NoError(t, err)
	require.Len(t, tests, 1)
	batch, err := tests[0].Seq.Next()
	require.NoError(t, err)
	assert.False(t, batch.HasLabels())
	assert.Equal(t, []float32{NoLabel, NoLabel}, batch.Labels)
}

func TestConfigureMNLIMultiSplit(t *testing.T) {
	dir := t.TempDir()
	writeJSONLines(t, dir, glue.MNLI, "train", mnliRows(0, 1, 2))
	writeJSONLines(t, dir, glue.MNLI, "validation_mismatched", mnliRows(2, 2))
	writeJSONLines(t, dir, glue.MNLI, "validation_matched", mnliRows(0, 1, 2))
	writeJSONLines(t, dir, glue.MNLI, "test_matched", mnliRows(-1))

	dm := configured(t, testOptions(t, glue.MNLI, dir), StageFit)
	assert.Equal(t, []string{"validation_matched", "validation_mismatched"}, dm.EvalSplits().Names())
	assert.Equal(t, MultiSplit, dm.EvalSplits().Kind())

	val, err := dm.ValidationSequence()
	require.NoError(t, err)
	multi, ok := val.(MultiSplitSet)
	require.True(t, ok)
	require.Len(t, multi.Splits, 2)
	assert.Equal(t, "validation_matched", multi.Splits[0].Split)
	assert.Equal(t, 3, multi.Splits[0].Seq.NumExamples())
	assert.Equal(t, "validation_mismatched", multi.Splits[1].Split)
	assert.Equal(t, 2, multi.Splits[1].Seq.NumExamples())
	assert.Equal(t, MultiSplit, val.Kind())
	assert.Len(t, val.Sequences(), 2)
}

func TestConfigureFitNeedsTrainSplit(t *testing.T) {
	dir := t.TempDir()
	writeJSONLines(t, dir, glue.CoLA, "validation", colaRows(1, 0))

	dm, err := NewDataModule(testOptions(t, glue.CoLA, dir))
	require.NoError(t, err)
	require.NoError(t, dm.Prepare(context.Background()))
	err = dm.Configure(context.Background(), StageFit)
	assert.True(t, errors.Is(err, ErrMissingSplit))

	require.NoError(t, dm.Configure(context.Background(), StageValidate))
	_, err = dm.TrainSequence()
	assert.True(t, errors.Is(err, ErrMissingSplit))
}

func TestConfigureReadsCSV(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, glue.STSB.String())
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	csv := "sentence1,sentence2,label\nthe cat,the dog,3.5\n\"cat, dog\",mat,0.25\n"
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "validation.csv"), []byte(csv), 0o644))

	dm := configured(t, testOptions(t, glue.STSB, dir), StageValidate)
	val, ok := dm.Split("validation")
	require.True(t, ok)
	require.Equal(t, 2, val.Len())
	assert.Equal(t, float32(3.5), val.Features[0].Label)
	assert.Equal(t, float32(0.25), val.Features[1].Label)
}

func TestSequenceOrderAndRestart(t *testing.T) {
	features := make([]Feature, 5)
	for i := range features {
		features[i] = Feature{
			InputIDs:      []int32{2, int32(i), 3},
			TokenTypeIDs:  []int32{0, 0, 0},
			AttentionMask: []int32{1, 1, 1},
			Label:         float32(i),
		}
	}
	seq := NewSequence("train", features, 2, false, 1)
	assert.Equal(t, 3, seq.Len())

	var labels []float32
	var sizes []int
	for {
		b, err := seq.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		labels = append(labels, b.Labels...)
		sizes = append(sizes, b.Size())
	}
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, labels)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	require.NoError(t, seq.Restart())
	b, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, b.Labels)

	shuffled := NewSequence("train", features, 5, true, 7)
	b, err = shuffled.Next()
	require.NoError(t, err)
	assert.ElementsMatch(t, []float32{0, 1, 2, 3, 4}, b.Labels)
}

func TestBatchTensors(t *testing.T) {
	features := []Feature{
		{InputIDs: []int32{2, 4, 3, 0}, TokenTypeIDs: []int32{0, 0, 0, 0}, AttentionMask: []int32{1, 1, 1, 0}, Label: 1},
		{InputIDs: []int32{2, 5, 6, 3}, TokenTypeIDs: []int32{0, 0, 0, 0}, AttentionMask: []int32{1, 1, 1, 1}, Label: 0},
	}
	b, err := MakeBatch(features)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 4, b.SeqLen())
	assert.True(t, b.HasLabels())

	inputs, labels := b.Tensors()
	require.Len(t, inputs, 3)
	for _, in := range inputs {
		assert.Equal(t, []int{2, 4}, in.Shape().Dimensions)
	}
	assert.Equal(t, []int{2}, labels.Shape().Dimensions)

	_, err = MakeBatch([]Feature{features[0], {InputIDs: []int32{1}}})
	assert.Error(t, err)

	seq := NewSequence("validation_matched", features, 2, false, 0)
	spec, in, lab, err := seq.Yield()
	require.NoError(t, err)
	assert.Equal(t, "validation_matched", spec)
	assert.Len(t, in, 3)
	assert.Len(t, lab, 1)

	back, err := BatchFromTensors(in, lab)
	require.NoError(t, err)
	assert.Equal(t, b, back)

	_, err = BatchFromTensors(in[:2], lab)
	assert.Error(t, err)
	_, err = BatchFromTensors(in, nil)
	assert.Error(t, err)
}

func TestSequenceShuffleAdvancesPerEpoch(t *testing.T) {
	features := make([]Feature, 20)
	for i := range features {
		features[i] = Feature{
			InputIDs:      []int32{2, 3},
			TokenTypeIDs:  []int32{0, 0},
			AttentionMask: []int32{1, 1},
			Label:         float32(i),
		}
	}
	epoch := func(seq *Sequence) []float32 {
		b, err := seq.Next()
		require.NoError(t, err)
		require.NoError(t, seq.Restart())
		return b.Labels
	}

	a := NewSequence("train", features, len(features), true, 11)
	b := NewSequence("train", features, len(features), true, 11)
	first, second := epoch(a), epoch(a)
	assert.NotEqual(t, first, second, "each epoch draws a new order")
	assert.Equal(t, first, epoch(b), "same seed, same first epoch")
	assert.Equal(t, second, epoch(b), "same seed, same second epoch")
}

func TestSplitLabel(t *testing.T) {
	assert.Equal(t, "matched", SplitLabel("validation_matched"))
	assert.Equal(t, "mismatched", SplitLabel("validation_mismatched"))
	assert.Equal(t, "validation", SplitLabel("validation"))

	set := NewSplitSet([]string{"test_matched", "train", "validation_matched", "validation_mismatched"})
	assert.Equal(t, []string{"validation_matched", "validation_mismatched"}, set.Names())
}

func TestTokenCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	cache := OpenTokenCache(path, "test", 0)
	enc := tokenizer.Encoding{
		InputIDs:      []int32{2, 4, 3},
		TokenTypeIDs:  []int32{0, 0, 0},
		AttentionMask: []int32{1, 1, 1},
	}
	_, ok := cache.Get([]string{"the"}, 3)
	assert.False(t, ok)
	cache.Set([]string{"the"}, 3, enc)
	got, ok := cache.Get([]string{"the"}, 3)
	require.True(t, ok)
	assert.Equal(t, enc, got)
	// a different max length is a different entry
	_, ok = cache.Get([]string{"the"}, 4)
	assert.False(t, ok)
	require.NoError(t, cache.Save())

	reopened := OpenTokenCache(path, "test", 0)
	got, ok = reopened.Get([]string{"the"}, 3)
	require.True(t, ok)
	assert.Equal(t, enc, got)
	_, ok = OpenTokenCache(path, "other", 0).Get([]string{"the"}, 3)
	assert.False(t, ok)
}

func TestConfigureUsesTokenCache(t *testing.T) {
	dir := t.TempDir()
	writeJSONLines(t, dir, glue.CoLA, "train", colaRows(1, 0, 1))
	writeJSONLines(t, dir, glue.CoLA, "validation", colaRows(1))
	opts := testOptions(t, glue.CoLA, dir)
	opts.CacheDir = filepath.Join(dir, "cache")

	first := configured(t, opts, StageFit)
	_, _, entries := first.cache.Stats()
	assert.Equal(t, uint64(3), entries)

	second := configured(t, opts, StageFit)
	lookups, misses, _ := second.cache.Stats()
	assert.Equal(t, uint64(4), lookups)
	assert.Equal(t, uint64(0), misses)

	a, _ := first.Split("train")
	b, _ := second.Split("train")
	assert.Equal(t, a.Features, b.Features)
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPrepareDownloadsArchive(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"MRPC/train.jsonl":      `{"sentence1":"the cat","sentence2":"the dog","label":1,"idx":0}` + "\n",
		"MRPC/validation.jsonl": `{"sentence1":"cat","sentence2":"dog","label":0,"idx":0}` + "\n",
		"MRPC/README.md":        "ignored",
		"MRPC/test.json":        `{"sentence1":"cat","sentence2":"dog","label":-1}`,
		"../escape.csv":         "sentence1,sentence2,label\n",
	})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/mrpc.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	opts := testOptions(t, glue.MRPC, dir)
	opts.DownloadURL = srv.URL + "/{task}.zip"
	opts.HTTPClient = srv.Client()

	dm, err := NewDataModule(opts)
	require.NoError(t, err)
	require.NoError(t, dm.Prepare(context.Background()))
	require.NoError(t, dm.Prepare(context.Background()))

	taskDir := filepath.Join(dir, "mrpc")
	assert.FileExists(t, filepath.Join(taskDir, "train.jsonl"))
	assert.FileExists(t, filepath.Join(taskDir, "validation.jsonl"))
	assert.FileExists(t, filepath.Join(taskDir, "escape.csv"))
	assert.FileExists(t, filepath.Join(taskDir, preparedMarker))
	assert.NoFileExists(t, filepath.Join(taskDir, "README.md"))
	assert.NoFileExists(t, filepath.Join(taskDir, "test.json"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.csv"))

	again, err := NewDataModule(opts)
	require.NoError(t, err)
	require.NoError(t, again.Prepare(context.Background()))
	assert.Equal(t, int32(1), hits.Load())

	require.NoError(t, dm.Configure(context.Background(), StageFit))
	train, err := dm.TrainSequence()
	require.NoError(t, err)
	assert.Equal(t, 1, train.NumExamples())
}

func TestPrepareReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	opts := testOptions(t, glue.RTE, t.TempDir())
	opts.DownloadURL = srv.URL + "/{task}.zip"
	dm, err := NewDataModule(opts)
	require.NoError(t, err)
	err = dm.Prepare(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
}

func TestSplitFormatsAgree(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"train.jsonl", "validation.CSV", "test.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("sentence,label\n"), 0o644))
	}
	found, err := DiscoverSplits(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"train", "validation"}, SortedSplitNames(found))

	_, err = LoadSplit(filepath.Join(dir, "test.json"), []string{"sentence"})
	assert.Error(t, err)
}
