package simple

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightsFile is the checkpoint file name inside a model directory.
const WeightsFile = "weights.gob"

type savedParam struct {
	Shape []int
	Value []float64
}

// Save writes the parameter values to path, keyed by name.
func Save(path string, params []*Param) error {
	state := make(map[string]savedParam, len(params))
	for _, p := range params {
		state[p.Name] = savedParam{Shape: p.Shape, Value: p.Value}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create checkpoint %s", path)
	}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	return f.Close()
}

// Load copies values saved at path into params with a matching name and
// shape, and returns the names it loaded. Saved tensors without a matching
// parameter, such as a classifier head of another task, are skipped.
func Load(path string, params []*Param) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer f.Close()
	state := map[string]savedParam{}
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}

	var loaded []string
	for _, p := range params {
		saved, ok := state[p.Name]
		if !ok {
			continue
		}
		if !slices.Equal(saved.Shape, p.Shape) || len(saved.Value) != len(p.Value) {
			klog.Warningf("checkpoint %s: %s has shape %v, want %v; keeping initialization", path, p.Name, saved.Shape, p.Shape)
			continue
		}
		copy(p.Value, saved.Value)
		loaded = append(loaded, p.Name)
	}
	return loaded, nil
}

// FromPretrained builds a classifier and, when dir holds a checkpoint, loads
// its weights by name. Without a checkpoint the seeded initialization is kept.
func FromPretrained(dir string, cfg Config) (*BagClassifier, error) {
	m, err := NewBagClassifier(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, WeightsFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			klog.Infof("no checkpoint at %s, using seeded initialization", path)
			return m, nil
		}
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	loaded, err := Load(path, m.Params())
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %d/%d parameters from %s", len(loaded), len(m.Params()), path)
	return m, nil
}
