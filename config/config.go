package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Noofbiz/gluetune/datasets"
	"github.com/Noofbiz/gluetune/finetune"
	"github.com/Noofbiz/gluetune/glue"
	"github.com/Noofbiz/gluetune/tokenizer"
)

// Config captures the runtime knobs for a fine-tuning run.
type Config struct {
	ModelNameOrPath string  `yaml:"model_name_or_path"`
	Task            string  `yaml:"task"`
	MaxSeqLength    int     `yaml:"max_seq_length"`
	TrainBatchSize  int     `yaml:"train_batch_size"`
	EvalBatchSize   int     `yaml:"eval_batch_size"`
	LearningRate    float64 `yaml:"learning_rate"`
	AdamEpsilon     float64 `yaml:"adam_epsilon"`
	WarmupSteps     int     `yaml:"warmup_steps"`
	WeightDecay     float64 `yaml:"weight_decay"`
	Seed            int64   `yaml:"seed"`
	DoLowerCase     bool    `yaml:"do_lower_case"`

	Epochs                int     `yaml:"epochs"`
	Devices               int     `yaml:"devices"`
	AccumulateGradBatches int     `yaml:"accumulate_grad_batches"`
	LimitTrainBatches     int     `yaml:"limit_train_batches"`
	LimitValBatches       int     `yaml:"limit_val_batches"`
	GradientClipVal       float64 `yaml:"gradient_clip_val"`
	LogEvery              int     `yaml:"log_every"`

	DataDir     string `yaml:"data_dir"`
	CacheDir    string `yaml:"cache_dir"`
	DownloadURL string `yaml:"download_url"`
	OutputDir   string `yaml:"output_dir"`
	RunDB       string `yaml:"run_db"`
	PlotDir     string `yaml:"plot_dir"`

	EmbeddingDim int  `yaml:"embedding_dim"`
	Workers      int  `yaml:"workers"`
	Shuffle      bool `yaml:"shuffle"`
}

// Overrides captures CLI supplied values. Zero values leave the config as is.
type Overrides struct {
	ModelNameOrPath string
	Task            string
	MaxSeqLength    int
	TrainBatchSize  int
	EvalBatchSize   int
	LearningRate    float64
	AdamEpsilon     float64
	Seed            int64
	Epochs          int
	Devices         int
	Accumulate      int
	LimitTrain      int
	LimitVal        int
	DataDir         string
	CacheDir        string
	DownloadURL     string
	OutputDir       string
	RunDB           string
	Workers         int

	// Zero is a meaningful value for these, so they are only applied when set.
	WarmupSteps     *int
	WeightDecay     *float64
	GradientClipVal *float64
	Shuffle         *bool
}

// Defaults returns the settings used for any key a config file leaves out.
func Defaults() *Config {
	return &Config{
		ModelNameOrPath:       "models/bert-base-uncased",
		Task:                  glue.MRPC.String(),
		MaxSeqLength:          128,
		TrainBatchSize:        32,
		EvalBatchSize:         32,
		LearningRate:          2e-5,
		AdamEpsilon:           1e-8,
		Seed:                  42,
		DoLowerCase:           true,
		Epochs:                1,
		Devices:               1,
		AccumulateGradBatches: 1,
		LogEvery:              50,
		DataDir:               "data",
		CacheDir:              ".cache/gluetune",
		OutputDir:             "runs",
		RunDB:                 "runs/runs.db",
		PlotDir:               "runs/plots",
		EmbeddingDim:          32,
		Workers:               runtime.NumCPU(),
		Shuffle:               true,
	}
}

// Load reads a YAML config on top of Defaults and validates it. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Defaults()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero or set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ModelNameOrPath != "" {
		c.ModelNameOrPath = o.ModelNameOrPath
	}
	if o.Task != "" {
		c.Task = o.Task
	}
	if o.MaxSeqLength > 0 {
		c.MaxSeqLength = o.MaxSeqLength
	}
	if o.TrainBatchSize > 0 {
		c.TrainBatchSize = o.TrainBatchSize
	}
	if o.EvalBatchSize > 0 {
		c.EvalBatchSize = o.EvalBatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.AdamEpsilon > 0 {
		c.AdamEpsilon = o.AdamEpsilon
	}
	if o.WarmupSteps != nil {
		c.WarmupSteps = *o.WarmupSteps
	}
	if o.WeightDecay != nil {
		c.WeightDecay = *o.WeightDecay
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Devices > 0 {
		c.Devices = o.Devices
	}
	if o.Accumulate > 0 {
		c.AccumulateGradBatches = o.Accumulate
	}
	if o.LimitTrain > 0 {
		c.LimitTrainBatches = o.LimitTrain
	}
	if o.LimitVal > 0 {
		c.LimitValBatches = o.LimitVal
	}
	if o.GradientClipVal != nil {
		c.GradientClipVal = *o.GradientClipVal
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.DownloadURL != "" {
		c.DownloadURL = o.DownloadURL
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
	}
	if o.RunDB != "" {
		c.RunDB = o.RunDB
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Shuffle != nil {
		c.Shuffle = *o.Shuffle
	}
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := glue.ParseTask(c.Task); err != nil {
		return err
	}
	if c.ModelNameOrPath == "" {
		return errors.New("model_name_or_path must be set")
	}
	if c.MaxSeqLength < 3 {
		return errors.Errorf("max_seq_length must be >= 3 (got %d)", c.MaxSeqLength)
	}
	if c.TrainBatchSize <= 0 {
		return errors.Errorf("train_batch_size must be > 0 (got %d)", c.TrainBatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return errors.Errorf("eval_batch_size must be > 0 (got %d)", c.EvalBatchSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.AdamEpsilon <= 0 {
		return errors.Errorf("adam_epsilon must be > 0 (got %g)", c.AdamEpsilon)
	}
	if c.WarmupSteps < 0 {
		return errors.Errorf("warmup_steps must be >= 0 (got %d)", c.WarmupSteps)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.Devices <= 0 {
		return errors.Errorf("devices must be > 0 (got %d)", c.Devices)
	}
	if c.AccumulateGradBatches <= 0 {
		return errors.Errorf("accumulate_grad_batches must be > 0 (got %d)", c.AccumulateGradBatches)
	}
	if c.LimitTrainBatches < 0 || c.LimitValBatches < 0 {
		return errors.Errorf("batch limits must be >= 0 (got train=%d val=%d)", c.LimitTrainBatches, c.LimitValBatches)
	}
	if c.GradientClipVal < 0 {
		return errors.Errorf("gradient_clip_val must be >= 0 (got %g)", c.GradientClipVal)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.EmbeddingDim <= 0 {
		return errors.Errorf("embedding_dim must be > 0 (got %d)", c.EmbeddingDim)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

// GLUETask returns the parsed task. Call after Validate.
func (c *Config) GLUETask() glue.Task {
	t, _ := glue.ParseTask(c.Task)
	return t
}

// Hyperparameters maps the config onto the model wrapper settings.
// evalSplits come from the configured data module.
func (c *Config) Hyperparameters(evalSplits []string) finetune.Hyperparameters {
	task := c.GLUETask()
	return finetune.Hyperparameters{
		ModelNameOrPath: c.ModelNameOrPath,
		Task:            task,
		NumLabels:       task.Info().NumLabels,
		LearningRate:    c.LearningRate,
		AdamEpsilon:     c.AdamEpsilon,
		WarmupSteps:     c.WarmupSteps,
		WeightDecay:     c.WeightDecay,
		TrainBatchSize:  c.TrainBatchSize,
		EvalBatchSize:   c.EvalBatchSize,
		EvalSplits:      evalSplits,
	}
}

// DataOptions maps the config onto data module options.
func (c *Config) DataOptions(tok tokenizer.Tokenizer) datasets.Options {
	return datasets.Options{
		Task:           c.GLUETask(),
		DataDir:        c.DataDir,
		CacheDir:       c.CacheDir,
		DownloadURL:    c.DownloadURL,
		CacheNamespace: c.ModelNameOrPath,
		MaxSeqLength:   c.MaxSeqLength,
		TrainBatchSize: c.TrainBatchSize,
		EvalBatchSize:  c.EvalBatchSize,
		Shuffle:        c.Shuffle,
		Seed:           c.Seed,
		Workers:        c.Workers,
		Tokenizer:      tok,
	}
}
