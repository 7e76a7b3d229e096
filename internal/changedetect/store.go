package changedetect

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store persists one record count per (date, kind) pair.
type Store interface {
	// Load returns the stored count, or ok=false when none exists.
	Load(date time.Time, kind string) (count int, ok bool, err error)

	// Save overwrites the stored count.
	Save(date time.Time, kind string, count int) error
}

// FileStore keeps each counter in a small text file named
// <dir>/<kind>_<yyyy-MM-dd>.txt holding the decimal count.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating marker directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the marker file path for (date, kind).
func (s *FileStore) Path(date time.Time, kind string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.txt", kind, date.Format(time.DateOnly)))
}

// Load reads the marker for (date, kind). Content that is not a decimal
// integer is reported as absent so the next decision exports again.
func (s *FileStore) Load(date time.Time, kind string) (int, bool, error) {
	path := s.Path(date, kind)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading marker %s: %w", path, err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		slog.Warn("ignoring unreadable change marker", "path", path, "error", err)
		return 0, false, nil
	}
	return n, true, nil
}

// Save writes the marker through a temp file and rename, so readers never
// observe a partially written count.
func (s *FileStore) Save(date time.Time, kind string, count int) error {
	path := s.Path(date, kind)

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating marker temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(count)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing marker %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing marker %s: %w", path, err)
	}
	return nil
}
