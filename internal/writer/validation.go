package writer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Run directory name format: run_2026-08-30T14-30-00
var runNameRegex = regexp.MustCompile(`^run_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}$`)

// ValidateRunName validates a run directory name before any resume,
// inspect or publish command touches the filesystem. Rejects path
// traversal, absolute paths, separators, and anything outside the
// expected run_ timestamp format, then confirms the resolved path stays
// under the output directory.
func ValidateRunName(outputDir, runName string) error {
	if runName == "" {
		return fmt.Errorf("run name cannot be empty")
	}
	if strings.Contains(runName, "..") {
		return fmt.Errorf("invalid run name: contains '..'")
	}
	if filepath.IsAbs(runName) {
		return fmt.Errorf("invalid run name: must be a relative directory name")
	}
	if strings.ContainsAny(runName, "/\\") {
		return fmt.Errorf("invalid run name: must not contain path separators")
	}
	if !runNameRegex.MatchString(runName) {
		return fmt.Errorf("invalid run name format: expected 'run_YYYY-MM-DDTHH-MM-SS', got %q", runName)
	}

	if outputDir == "" {
		outputDir = "output"
	}

	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Clean(filepath.Join(outputDir, runName)))
	if err != nil {
		return fmt.Errorf("failed to resolve run path: %w", err)
	}

	// Separator suffix blocks prefix collisions between sibling dirs
	if !strings.HasPrefix(absPath, absOutput+string(filepath.Separator)) {
		return fmt.Errorf("run path escapes output directory")
	}

	return nil
}
