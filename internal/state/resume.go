package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)


// Validate verifies a persisted state is compatible with the current config
func Validate(rs *models.RunState, cfg *config.Config) error {
	if rs.Version != models.StateVersion {
		return fmt.Errorf("state schema version %d is not supported (want %d)", rs.Version, models.StateVersion)
	}
	if rs.RunID == "" {
		return fmt.Errorf("state has no run id")
	}

	expectedHash := ComputeConfigHash(cfg)
	if rs.ConfigHash != expectedHash {
		return fmt.Errorf("state config mismatch: run was started with different pipeline settings (hash: %s vs %s)", rs.ConfigHash, expectedHash)
	}

	if rs.Complete() {
		return fmt.Errorf("run is already complete, nothing to resume")
	}

	if len(rs.DatasetPaths) != len(cfg.Pipeline.DatasetPaths) {
		return fmt.Errorf("state dataset list length %d does not match config (%d)", len(rs.DatasetPaths), len(cfg.Pipeline.DatasetPaths))
	}

	return nil
}

// FirstIncompleteIteration returns the lowest iteration index at or after
// the run's initial index that has not been checkpointed, or the index past
// the dataset list when every iteration is done.
func FirstIncompleteIteration(rs *models.RunState) int {
	for idx := rs.InitialIteration; idx < len(rs.DatasetPaths); idx++ {
		if !rs.Iteration(idx).Checkpointed() {
			return idx
		}
	}
	return len(rs.DatasetPaths)
}

// CompletedIterations counts fully checkpointed iterations
func CompletedIterations(rs *models.RunState) int {
	count := 0
	for _, it := range rs.Iterations {
		if it.Checkpointed() {
			count++
		}
	}
	return count
}

// ProgressPercentage reports overall run progress over the configured
// iteration range, weighting each iteration by its completed stages
func ProgressPercentage(rs *models.RunState) float64 {
	total := len(rs.DatasetPaths) - rs.InitialIteration
	if total <= 0 {
		return 0.0
	}

	done := 0.0
	for idx := rs.InitialIteration; idx < len(rs.DatasetPaths); idx++ {
		it := rs.Iteration(idx)
		if it == nil {
			continue
		}
		stages := 0
		for _, s := range models.StageOrder {
			if it.StageDone(s) {
				stages++
			}
		}
		done += float64(stages) / float64(len(models.StageOrder))
	}
	return done / float64(total) * 100.0
}

// LatestRunDir returns the newest resumable run directory name under
// outputDir, for the --latest resume flag. Run names sort
// lexicographically by timestamp.
func LatestRunDir(outputDir string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run_") {
			continue
		}
		if _, err := os.Stat(filepath.Join(outputDir, entry.Name(), StateFilename)); err != nil {
			continue
		}
		candidates = append(candidates, entry.Name())
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("no resumable runs found in %s", outputDir)
	}

	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}
