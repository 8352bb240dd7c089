package coefficients

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var _ storage.CoefficientStore = (*FileStore)(nil)

// FileStore keeps the coefficient state in a local JSON file. It is used when no
// database is configured.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadCoefficients reads the state file. Returns storage.ErrNotFound if it does not exist.
func (f *FileStore) LoadCoefficients(_ context.Context) (*domain.CoefficientState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read coefficient file: %w", err)
	}

	state := domain.NewCoefficientState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode coefficient file: %w", err)
	}
	return state.Clone(), nil
}

// SaveCoefficients writes the state to a temp file and renames it over the old one.
func (f *FileStore) SaveCoefficients(_ context.Context, state *domain.CoefficientState) error {
	if state == nil {
		return storage.ErrInvalidInput
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode coefficients: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create coefficient dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".coefficients-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace coefficient file: %w", err)
	}
	return nil
}
