package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSink writes archives into a directory.
type LocalSink struct {
	dir string
}

// NewLocalSink creates dir if needed.
func NewLocalSink(dir string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Put writes data atomically: a temp file is renamed into place.
func (s *LocalSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// Dir returns the archive directory.
func (s *LocalSink) Dir() string {
	return s.dir
}
