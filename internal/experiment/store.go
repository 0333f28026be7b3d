// Package experiment stores experiments as folders on disk.
//
// An experiment "20240229-5689864ffd94" lives in
// <root>/20240229/20240229-5689864ffd94/ next to a small experiment.yaml
// record. Files attached to it (action logs) are written atomically under a
// per-experiment lock.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/aqueduct/internal/filelock"
	"github.com/harrison/aqueduct/internal/models"
)

// RecordFile is the metadata file inside every experiment folder.
const RecordFile = "experiment.yaml"

const lockFile = ".attach.lock"

// Store is what the executor needs from experiment storage.
type Store interface {
	Get(ctx context.Context, id string) (*models.Experiment, error)
	AttachFile(ctx context.Context, id, name string, data []byte) (string, error)
}

// record is the on-disk experiment.yaml.
type record struct {
	ID        string    `yaml:"id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// FSStore keeps experiments under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at root.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// Dir returns the folder an experiment id maps to.
func (s *FSStore) Dir(id string) (string, error) {
	if !models.IsExperimentRef(id) {
		return "", fmt.Errorf("%w: malformed experiment id %q", models.ErrValidation, id)
	}
	prefix := id[:strings.IndexByte(id, '-')]
	return filepath.Join(s.root, prefix, id), nil
}

// Create makes the folder and record for a new experiment. Creating an
// experiment that already exists returns it unchanged.
func (s *FSStore) Create(ctx context.Context, id string) (*models.Experiment, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	if exp, err := s.Get(ctx, id); err == nil {
		return exp, nil
	} else if !models.IsNotFound(err) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create experiment folder: %w", err)
	}
	data, err := yaml.Marshal(record{ID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode experiment record: %w", err)
	}
	if err := filelock.LockAndWrite(filepath.Join(dir, RecordFile), data); err != nil {
		return nil, fmt.Errorf("write experiment record: %w", err)
	}
	return &models.Experiment{ID: id, Path: dir}, nil
}

// Get returns the experiment or a not-found error.
func (s *FSStore) Get(ctx context.Context, id string) (*models.Experiment, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &models.NotFoundError{Kind: "experiment", Name: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read experiment %s: %w", id, err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("experiment folder %s holds record for %q", dir, rec.ID)
	}
	return &models.Experiment{ID: id, Path: dir}, nil
}

// AttachFile writes data as a new file in the experiment folder and returns
// its path. An existing file is never overwritten; the name gets a numeric
// suffix instead.
func (s *FSStore) AttachFile(ctx context.Context, id, name string, data []byte) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid file name %q", models.ErrValidation, name)
	}
	exp, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var path string
	err = filelock.WithLock(ctx, filepath.Join(exp.Path, lockFile), func() error {
		path = freeName(exp.Path, name)
		return filelock.AtomicWrite(path, data)
	})
	if err != nil {
		return "", fmt.Errorf("attach %s to experiment %s: %w", name, id, err)
	}
	return path, nil
}

// Files lists the attached files of an experiment, sorted by name.
func (s *FSStore) Files(ctx context.Context, id string) ([]string, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(exp.Path)
	if err != nil {
		return nil, fmt.Errorf("list experiment %s: %w", id, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || n == RecordFile || strings.HasPrefix(n, ".") || strings.HasSuffix(n, ".lock") {
			continue
		}
		names = append(names, n)
	}
	return names, nil
}

// freeName returns dir/name, or dir/base-N.ext for the first N not taken.
func freeName(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return path
		}
	}
}
