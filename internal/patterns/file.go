package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

// FileStore keeps each record in `.scenario_control_<name>.json` inside dir.
type FileStore struct {
	dir string
	log logger.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, log logger.Logger) *FileStore {
	return &FileStore{dir: dir, log: log}
}

// Path returns the record file for a scenario.
func (s *FileStore) Path(scenario string) string {
	return filepath.Join(s.dir, ".scenario_control_"+scenario+".json")
}

func (s *FileStore) Load(ctx context.Context, scenario string) State {
	data, err := os.ReadFile(s.Path(scenario))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("reading control record for %s: %v", scenario, err)
		}
		return Default()
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("control record for %s is corrupt, using defaults: %v", scenario, err)
		return Default()
	}
	return state
}

// Save writes a temp file next to the record, syncs it, then renames it over
// the record so readers never see a partial write.
func (s *FileStore) Save(ctx context.Context, scenario string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding control record: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".scenario_control_"+scenario+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(scenario)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename temp file to %s: %w", s.Path(scenario), err)
	}
	return nil
}
