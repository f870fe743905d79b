package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// OutputStore keeps one file per execution with the command's output.
type OutputStore struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File // executionID -> file
}

// NewOutputStore creates dir if needed.
func NewOutputStore(dir string) (*OutputStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &OutputStore{
		dir:   dir,
		files: make(map[string]*os.File),
	}, nil
}

// Open starts the output file for an execution and writes its header.
func (s *OutputStore) Open(executionID, presetID, command string) error {
	path := s.Path(executionID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	header := fmt.Sprintf("# Execution: %s\n# Preset: %s\n# Command: %s\n# Started: %s\n\n",
		executionID, presetID, command, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output header: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.files[executionID]; ok {
		_ = existing.Close()
	}
	s.files[executionID] = f
	return nil
}

// Append writes one line of output. Lines for executions without an open
// file are dropped.
func (s *OutputStore) Append(executionID, stream, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[executionID]
	if !ok {
		return nil
	}

	prefix := ""
	if stream == "stderr" {
		prefix = "[ERR] "
	}
	_, err := fmt.Fprintf(f, "[%s] %s%s\n", time.Now().UTC().Format("15:04:05"), prefix, line)
	return err
}

// Complete writes the footer and closes the file.
func (s *OutputStore) Complete(executionID string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[executionID]
	if !ok {
		return nil
	}
	delete(s.files, executionID)

	_, _ = fmt.Fprintf(f, "\n# Finished: %s\n# Exit code: %d\n", time.Now().UTC().Format(time.RFC3339), exitCode)
	return f.Close()
}

// Path returns the output file for an execution.
func (s *OutputStore) Path(executionID string) string {
	return filepath.Join(s.dir, filepath.Base(executionID)+".log")
}

// List returns the execution IDs that have output on disk, sorted.
func (s *OutputStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			ids = append(ids, e.Name()[:len(e.Name())-len(".log")])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes all open files.
func (s *OutputStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = make(map[string]*os.File)
	return nil
}
