package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalStore keeps artifacts on the local filesystem, sharded by day so a
// long-lived deployment does not accumulate one enormous directory.
type LocalStore struct {
	mu      sync.RWMutex
	baseDir string
	index   map[string]string // artifactID -> relative path
}

// NewLocalStore creates the base directory and an empty index.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		index:   make(map[string]string),
	}, nil
}

// Put writes the artifact under <base>/<yyyy>/<mm>/<dd>/<id><ext>. The
// write goes to a temp file first and is renamed into place, so readers
// never observe a partial artifact.
func (s *LocalStore) Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error) {
	now := time.Now().UTC()
	relDir := filepath.Join(
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
	)
	dir := filepath.Join(s.baseDir, relDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	filename := artifactID + extensionForMediaType(opts.MediaType)
	path := filepath.Join(dir, filename)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	s.mu.Lock()
	s.index[artifactID] = filepath.Join(relDir, filename)
	s.mu.Unlock()

	return "file://" + path, nil
}

// Get opens a stored artifact by id.
func (s *LocalStore) Get(ctx context.Context, artifactID string) (io.ReadCloser, error) {
	s.mu.RLock()
	relPath, ok := s.index[artifactID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", artifactID)
	}

	f, err := os.Open(filepath.Join(s.baseDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// Delete removes an artifact. Deleting an unknown id is a no-op.
func (s *LocalStore) Delete(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	relPath, ok := s.index[artifactID]
	if ok {
		delete(s.index, artifactID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return os.Remove(filepath.Join(s.baseDir, relPath))
}

// Exists reports whether the artifact is present on disk.
func (s *LocalStore) Exists(ctx context.Context, artifactID string) (bool, error) {
	s.mu.RLock()
	relPath, ok := s.index[artifactID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.baseDir, relPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
