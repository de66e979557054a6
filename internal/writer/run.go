package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Artifact filenames inside each iteration directory
const (
	GenerationsFilename = "generations.jsonl"
	ScoredFilename      = "scored.jsonl"
	PairsFilename       = "pairs.jsonl"
)

// RunManager owns the run directory layout: state.json and run.log at the
// top, per-iteration artifacts under iterations/, training outputs under
// models/.
type RunManager struct {
	runDir string
	logger *slog.Logger
}

// NewRunManager creates a fresh timestamped run directory under outputDir,
// or reuses an existing one in resume mode.
func NewRunManager(logger *slog.Logger, outputDir, resumeFromRun string) (*RunManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var runDir string
	if resumeFromRun != "" {
		runDir = filepath.Join(outputDir, resumeFromRun)
		if _, err := os.Stat(runDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("run directory not found: %s", runDir)
		}
		logger.Info("Resuming existing run", "path", runDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		runDir = filepath.Join(outputDir, "run_"+timestamp)
		if err := os.MkdirAll(runDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
		logger.Info("Created run directory", "path", runDir)
	}

	return &RunManager{runDir: runDir, logger: logger}, nil
}

// RunDir returns the run directory path
func (rm *RunManager) RunDir() string {
	return rm.runDir
}

// LogPath returns the run log file path
func (rm *RunManager) LogPath() string {
	return filepath.Join(rm.runDir, "run.log")
}

// ConfigBackupPath returns the config backup path
func (rm *RunManager) ConfigBackupPath() string {
	return filepath.Join(rm.runDir, "config_backup.toml")
}

// IterationDir returns (and creates) the artifact directory for an iteration
func (rm *RunManager) IterationDir(idx int) (string, error) {
	dir := filepath.Join(rm.runDir, "iterations", fmt.Sprintf("iter_%04d", idx))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create iteration directory: %w", err)
	}
	return dir, nil
}

// ModelOutputDir returns the requested training-output directory for an
// iteration. The training service creates it; the pipeline only names it.
func (rm *RunManager) ModelOutputDir(idx int) string {
	return filepath.Join(rm.runDir, "models", fmt.Sprintf("iter_%04d", idx))
}

// BackupConfig copies the config file into the run directory so a finished
// run records exactly what produced it
func (rm *RunManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := rm.ConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	rm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
