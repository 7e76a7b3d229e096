package trigger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the terminal outcome of a trigger file.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusInvalid Status = "invalid"
)

// ProcessedDir is the archive subdirectory of the trigger folder.
const ProcessedDir = "processed"

const archiveStamp = "20060102-150405"

// archivePath returns a free destination for src in dir:
// <name>_<yyyyMMdd-HHmmss>_<status>.json, with _<n> appended before the
// extension when that name is taken.
func archivePath(dir, src string, status Status, at time.Time) (string, error) {
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	base := fmt.Sprintf("%s_%s_%s", name, at.Format(archiveStamp), status)

	candidate := filepath.Join(dir, base+".json")
	for n := 1; ; n++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, n))
	}
}
