package datasets

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseLabel parses a label cell. Empty cells mean the row is unlabeled.
func parseLabel(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoLabel, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// hasSplitFiles reports whether dir exists and holds at least one split file.
func hasSplitFiles(dir string) (bool, error) {
	splits, err := DiscoverSplits(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return len(splits) > 0, nil
}

// ensureDir creates path if it doesn't exist (silently succeeds if present).
func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}
