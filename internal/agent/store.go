package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sasa-tomic/openclaw-lxd/internal/fileutil"
)

// Store persists the registry document.
type Store interface {
	Load(ctx context.Context) (*Registry, error)
	Save(ctx context.Context, r *Registry) error
}

// FileStore keeps the registry as an indented JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Decode parses a stored registry document.
func Decode(data []byte) (*Registry, error) {
	r := NewRegistry()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decoding agent registry: %w", err)
	}
	if r.ActiveAgents == nil {
		r.ActiveAgents = map[string]*Run{}
	}
	for id, run := range r.ActiveAgents {
		if run == nil {
			delete(r.ActiveAgents, id)
			continue
		}
		if run.TaskID == "" {
			run.TaskID = id
		}
		if run.Status == "" {
			run.Status = StatusRunning
		}
	}
	return r, nil
}

// Load returns the stored registry, or an empty one when none exists.
func (f *FileStore) Load(_ context.Context) (*Registry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent registry: %w", err)
	}
	return Decode(data)
}

// Save overwrites the stored registry.
func (f *FileStore) Save(_ context.Context, r *Registry) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding agent registry: %w", err)
	}
	if err := fileutil.WriteAtomic(f.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing agent registry: %w", err)
	}
	return nil
}
