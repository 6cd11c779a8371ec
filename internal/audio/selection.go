package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Selection is the persisted device choice. Nil means system default.
type Selection struct {
	OutputIndex *int `yaml:"output_device_index"`
	InputIndex  *int `yaml:"input_device_index"`
}

// SelectionStore keeps the current Selection and writes it back on change.
type SelectionStore struct {
	path    string
	mu      sync.RWMutex
	current Selection
}

// OpenSelectionStore loads path, falling back to initial when the file does
// not exist yet.
func OpenSelectionStore(path string, initial Selection) (*SelectionStore, error) {
	s := &SelectionStore{path: path, current: initial}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device selection: %w", err)
	}
	var stored Selection
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse device selection: %w", err)
	}
	s.current = stored
	return s, nil
}

func (s *SelectionStore) Current() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Selection{OutputIndex: clone(s.current.OutputIndex), InputIndex: clone(s.current.InputIndex)}
}

// Output returns the selected output index; safe to hand to the playback path
// as a device lookup func.
func (s *SelectionStore) Output() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current.OutputIndex)
}

func (s *SelectionStore) Input() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current.InputIndex)
}

func (s *SelectionStore) SetOutput(index *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.OutputIndex = clone(index)
	return s.commit(next)
}

func (s *SelectionStore) SetInput(index *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.InputIndex = clone(index)
	return s.commit(next)
}

func (s *SelectionStore) commit(next Selection) error {
	if s.path != "" {
		if err := writeSelection(s.path, next); err != nil {
			return err
		}
	}
	s.current = next
	return nil
}

func writeSelection(path string, sel Selection) error {
	data, err := yaml.Marshal(sel)
	if err != nil {
		return fmt.Errorf("encode device selection: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create selection dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".audio_devices-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp selection: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write device selection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close device selection: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace device selection: %w", err)
	}
	return nil
}

func clone(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
