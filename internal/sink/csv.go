// Package sink writes delimited export files.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// DefaultDelimiter separates fields when none is configured.
const DefaultDelimiter = ';'

// CSV writes delimited files atomically: rows are written to a temp file in
// the target directory which is renamed over the destination only after a
// successful flush. Readers never observe a partially written file.
type CSV struct {
	delimiter rune
}

// NewCSV returns a sink using delimiter, or DefaultDelimiter when zero.
func NewCSV(delimiter rune) (*CSV, error) {
	if delimiter == 0 {
		delimiter = DefaultDelimiter
	}
	if delimiter == '"' || delimiter == '\r' || delimiter == '\n' || !utf8.ValidRune(delimiter) || delimiter == utf8.RuneError {
		return nil, fmt.Errorf("invalid delimiter %q", delimiter)
	}
	return &CSV{delimiter: delimiter}, nil
}

// Delimiter returns the configured field delimiter.
func (s *CSV) Delimiter() rune {
	return s.delimiter
}

// WriteDelimited writes headers followed by rows to path, creating parent
// directories as needed.
func (s *CSV) WriteDelimited(path string, headers []string, rows [][]string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	w.Comma = s.delimiter

	if len(headers) > 0 {
		if err = w.Write(headers); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i, row := range rows {
		if err = w.Write(row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
