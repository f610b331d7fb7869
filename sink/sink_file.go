package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes objects as files. Relative keys are placed under Root;
// absolute keys are written where they point.
type FileSink struct {
	root string
	perm os.FileMode
}

// NewFile creates the root directory (recursively) if it does not exist.
func NewFile(root string) (*FileSink, error) {
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %q: %w", root, err)
	}
	return &FileSink{root: root, perm: 0o644}, nil
}

func (s *FileSink) Root() string { return s.root }

// Path returns the file path a key is written to.
func (s *FileSink) Path(key string) string {
	if filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(s.root, key)
}

func (s *FileSink) Write(ctx context.Context, req WriteRequest) error {
	_, err := s.Put(ctx, req)
	return err
}

func (s *FileSink) Put(ctx context.Context, req WriteRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Key == "" {
		return "", fmt.Errorf("empty key")
	}

	p := s.Path(req.Key)
	if dir := filepath.Dir(p); dir != filepath.Clean(s.root) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create dir %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(p, req.Data, s.perm); err != nil {
		return "", fmt.Errorf("write file %q: %w", p, err)
	}
	return DoneMarker(p), nil
}
