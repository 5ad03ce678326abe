package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// filePrefix starts every checkpoint file name; the id is prefix + step.
const filePrefix = "wgancls-"

// Entry describes one checkpoint file in a store directory.
type Entry struct {
	ID      string
	Step    int
	Path    string
	Format  CheckpointFormat
	ModTime time.Time
}

// Store manages a directory of checkpoints. Writes are atomic (temporary
// file, fsync, rename) so an interrupted save never leaves a partial
// checkpoint under a final name.
type Store struct {
	dir       string
	format    CheckpointFormat
	retention int
	mu        sync.Mutex
}

// NewStore creates the directory if needed. retention is the number of most
// recent checkpoints kept after each save, 0 keeps everything.
func NewStore(dir string, format CheckpointFormat, retention int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory must be set")
	}
	if retention < 0 {
		return nil, fmt.Errorf("checkpoint retention must be non-negative, got %d", retention)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir, format: format, retention: retention}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// IDForStep returns the checkpoint id used for a step counter value.
func IDForStep(step int) string {
	return filePrefix + strconv.Itoa(step)
}

// Save writes the checkpoint atomically and prunes old checkpoints. It
// returns the checkpoint id.
func (s *Store) Save(c *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Marshal(c, s.format)
	if err != nil {
		return "", err
	}

	id := IDForStep(c.TrainingState.Step)
	path := filepath.Join(s.dir, id+s.format.Extension())
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}

	if err := s.prune(); err != nil {
		return id, fmt.Errorf("checkpoint %s saved but cleanup failed: %w", id, err)
	}
	return id, nil
}

// List returns the checkpoints in the directory ordered by step, oldest
// first. Files in either format are listed.
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		entry, ok := parseEntry(f.Name())
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entry.Path = filepath.Join(s.dir, f.Name())
		entry.ModTime = info.ModTime()
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Step != entries[j].Step {
			return entries[i].Step < entries[j].Step
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

// Latest returns the checkpoint with the highest step.
func (s *Store) Latest() (Entry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// Load reads the most recent checkpoint. ok is false with a nil error when
// the directory holds none; an unreadable checkpoint is an error.
func (s *Store) Load() (bool, *Checkpoint, error) {
	entry, ok, err := s.Latest()
	if err != nil || !ok {
		return false, nil, err
	}
	c, err := LoadFile(entry.Path)
	if err != nil {
		return false, nil, err
	}
	return true, c, nil
}

// LoadFile reads a checkpoint, picking the format from the file extension.
func LoadFile(path string) (*Checkpoint, error) {
	format := FormatBinary
	if strings.HasSuffix(path, FormatJSON.Extension()) {
		format = FormatJSON
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	c, err := Unmarshal(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

func (s *Store) prune() error {
	if s.retention <= 0 {
		return nil
	}
	entries, err := s.List()
	if err != nil {
		return err
	}
	if len(entries) <= s.retention {
		return nil
	}

	// Remove oldest checkpoints
	toRemove := len(entries) - s.retention
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(entries[i].Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", entries[i].Path, err)
		}
	}
	return nil
}

func parseEntry(name string) (Entry, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return Entry{}, false
	}

	var format CheckpointFormat
	var id string
	switch {
	case strings.HasSuffix(name, FormatBinary.Extension()):
		format, id = FormatBinary, strings.TrimSuffix(name, FormatBinary.Extension())
	case strings.HasSuffix(name, FormatJSON.Extension()):
		format, id = FormatJSON, strings.TrimSuffix(name, FormatJSON.Extension())
	default:
		return Entry{}, false
	}

	step, err := strconv.Atoi(strings.TrimPrefix(id, filePrefix))
	if err != nil || step < 0 {
		return Entry{}, false
	}
	return Entry{ID: id, Step: step, Format: format}, true
}

func writeFileAtomic(path string, data []byte) error {
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tempPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write checkpoint data to %s: %w", tempPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync %s: %w", tempPath, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temporary checkpoint file %s before rename: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary checkpoint file to %s: %w", path, err)
	}
	return nil
}
