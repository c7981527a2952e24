package toolkit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/pkiengine/backend"
)

// scratch is a per-operation temporary directory. Callers defer Close so the
// files are removed on every exit path.
type scratch struct {
	dir string
}

func newScratch() (*scratch, error) {
	dir, err := os.MkdirTemp("", "pkiengine-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch directory: %v", backend.ErrExternal, err)
	}
	return &scratch{dir: dir}, nil
}

func (s *scratch) write(name, content string) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("%w: writing %s: %v", backend.ErrExternal, name, err)
	}
	return path, nil
}

func (s *scratch) Close() error {
	return os.RemoveAll(s.dir)
}
