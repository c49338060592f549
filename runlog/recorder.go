package runlog

import (
	"sync"

	"k8s.io/klog/v2"
)

// Recorder writes the metrics of one run to a Store. It satisfies the
// trainer's recorder interface.
type Recorder struct {
	store *Store
	runID string

	mu  sync.Mutex
	err error
}

// NewRecorder records into the given run.
func NewRecorder(store *Store, runID string) *Recorder {
	return &Recorder{store: store, runID: runID}
}

// RunID returns the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// Record stores one value. The first failure is kept and returned by Err; the
// training loop is not interrupted by a failing store.
func (r *Recorder) Record(epoch, step int, key string, value float64) error {
	err := r.store.RecordMetric(r.runID, Metric{Epoch: epoch, Step: step, Key: key, Value: value})
	if err != nil {
		klog.Errorf("run %s: %v", r.runID, err)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
	return err
}

// Err returns the first recording error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
