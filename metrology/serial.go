package metrology

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultSerialPattern matches the nine digit unit serial in a verification folder name.
const DefaultSerialPattern = `(\d{9})`

// outputTimeLayout formats run timestamps as 2006-01-02_15-04-05.
const outputTimeLayout = "2006-01-02_15-04-05"

// SerialIDFromPath returns the first capture group of pattern in the path
// element closest to the file, so the unit folder wins over any digits higher
// up the tree. An empty pattern uses DefaultSerialPattern.
func SerialIDFromPath(path, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultSerialPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("compiling serial pattern: %w", err)
	}
	elems := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	for i := len(elems) - 1; i >= 0; i-- {
		if match := re.FindStringSubmatch(elems[i]); len(match) >= 2 && match[1] != "" {
			return match[1], nil
		}
	}
	return "", fmt.Errorf("%w in %q", ErrSerialNotFound, path)
}

// RunDir returns the per-run output directory
// <root>/<serial>_Verification-<timestamp>.
func RunDir(root, serial string, at time.Time) string {
	return filepath.Join(root, fmt.Sprintf("%s_Verification-%s", serial, at.Format(outputTimeLayout)))
}

// ReportFileName names the rendered verdict table for a run.
func ReportFileName(serial string, at time.Time) string {
	return fmt.Sprintf("%s_Verification_Results_%s.png", serial, at.Format(outputTimeLayout))
}
