package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/lamim/alignforge/pkg/models"
)

// ArtifactWriter appends JSON lines to one stage artifact file. The mutex
// makes Write safe under worker fan-out; Close syncs before closing so a
// stage is only marked complete once its artifact is durable.
type ArtifactWriter struct {
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	logger *slog.Logger
	count  int
}

// NewArtifactWriter truncates and opens the artifact file at path
func NewArtifactWriter(path string, logger *slog.Logger) (*ArtifactWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}

	logger.Debug("Created artifact file", "path", path)

	return &ArtifactWriter{
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// Write appends one record as a JSON line
func (aw *ArtifactWriter) Write(record any) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := aw.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	aw.count++
	return nil
}

// Count returns the number of records written so far
func (aw *ArtifactWriter) Count() int {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.count
}

// Close flushes, syncs and closes the artifact file
func (aw *ArtifactWriter) Close() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if err := aw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := aw.file.Sync(); err != nil {
		aw.logger.Warn("Failed to sync artifact file", "error", err)
	}
	if err := aw.file.Close(); err != nil {
		return fmt.Errorf("failed to close artifact file: %w", err)
	}
	return nil
}

// WriteGenerations persists the generation stage output for an iteration
func WriteGenerations(iterDir string, batches []models.GenerationBatch, logger *slog.Logger) error {
	aw, err := NewArtifactWriter(filepath.Join(iterDir, GenerationsFilename), logger)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if len(batch.Candidates) == 0 {
			_ = aw.Close()
			return fmt.Errorf("generation batch for prompt %q has no candidates", batch.PromptID)
		}
		if err := aw.Write(batch); err != nil {
			_ = aw.Close()
			return err
		}
	}
	return aw.Close()
}

// LoadGenerations reads a persisted generation artifact back, in file order
// (which is prompt order)
func LoadGenerations(iterDir string) ([]models.GenerationBatch, error) {
	var batches []models.GenerationBatch
	err := readLines(filepath.Join(iterDir, GenerationsFilename), func(line []byte) error {
		var batch models.GenerationBatch
		if err := json.Unmarshal(line, &batch); err != nil {
			return err
		}
		batches = append(batches, batch)
		return nil
	})
	return batches, err
}

// WriteScored persists scored groups plus the exclusion list for an iteration
func WriteScored(iterDir string, groups []models.ScoredGroup, excluded []models.SkippedPrompt, logger *slog.Logger) error {
	aw, err := NewArtifactWriter(filepath.Join(iterDir, ScoredFilename), logger)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, c := range group.Candidates {
			if math.IsNaN(c.Reward) || math.IsInf(c.Reward, 0) {
				_ = aw.Close()
				return fmt.Errorf("scored group %q carries a non-finite reward", group.PromptID)
			}
		}
		if err := aw.Write(group); err != nil {
			_ = aw.Close()
			return err
		}
	}
	if err := aw.Close(); err != nil {
		return err
	}

	if len(excluded) == 0 {
		return nil
	}
	ew, err := NewArtifactWriter(filepath.Join(iterDir, "excluded.jsonl"), logger)
	if err != nil {
		return err
	}
	for _, skip := range excluded {
		if err := ew.Write(skip); err != nil {
			_ = ew.Close()
			return err
		}
	}
	return ew.Close()
}

// LoadScored reads a persisted scoring artifact back
func LoadScored(iterDir string) ([]models.ScoredGroup, error) {
	var groups []models.ScoredGroup
	err := readLines(filepath.Join(iterDir, ScoredFilename), func(line []byte) error {
		var group models.ScoredGroup
		if err := json.Unmarshal(line, &group); err != nil {
			return err
		}
		groups = append(groups, group)
		return nil
	})
	return groups, err
}

// pairRecord is the on-disk DPO schema consumed by the training service
type pairRecord struct {
	Prompt         string  `json:"prompt"`
	Chosen         string  `json:"chosen"`
	Rejected       string  `json:"rejected"`
	ChosenReward   float64 `json:"chosen_reward"`
	RejectedReward float64 `json:"rejected_reward"`
	Margin         float64 `json:"margin"`
	MaskPrompt     bool    `json:"mask_prompt"`
}

// PairsPath returns where an iteration's preference dataset lives, whether
// or not it has been written yet
func PairsPath(iterDir string) string {
	return filepath.Join(iterDir, PairsFilename)
}

// WritePairs persists the iteration's preference dataset in the training
// service's schema and returns its path. Every record is validated before
// writing; a malformed pair fails the stage instead of poisoning training.
func WritePairs(iterDir string, pairs []models.PreferencePair, logger *slog.Logger) (string, error) {
	path := filepath.Join(iterDir, PairsFilename)
	aw, err := NewArtifactWriter(path, logger)
	if err != nil {
		return "", err
	}
	for _, pair := range pairs {
		if err := validatePair(pair); err != nil {
			_ = aw.Close()
			return "", fmt.Errorf("invalid pair for prompt %q: %w", pair.PromptID, err)
		}
		rec := pairRecord{
			Prompt:         pair.Prompt,
			Chosen:         pair.Chosen,
			Rejected:       pair.Rejected,
			ChosenReward:   pair.ChosenReward,
			RejectedReward: pair.RejectedReward,
			Margin:         pair.Margin,
			MaskPrompt:     pair.MaskPrompt,
		}
		if err := aw.Write(rec); err != nil {
			_ = aw.Close()
			return "", err
		}
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// LoadPairs reads a persisted pairs artifact back
func LoadPairs(iterDir string) ([]models.PreferencePair, error) {
	var pairs []models.PreferencePair
	err := readLines(filepath.Join(iterDir, PairsFilename), func(line []byte) error {
		var rec pairRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		pairs = append(pairs, models.PreferencePair{
			Prompt:         rec.Prompt,
			Chosen:         rec.Chosen,
			Rejected:       rec.Rejected,
			ChosenReward:   rec.ChosenReward,
			RejectedReward: rec.RejectedReward,
			Margin:         rec.Margin,
			MaskPrompt:     rec.MaskPrompt,
		})
		return nil
	})
	return pairs, err
}

func validatePair(pair models.PreferencePair) error {
	if pair.Prompt == "" {
		return fmt.Errorf("empty prompt")
	}
	if pair.Chosen == "" || pair.Rejected == "" {
		return fmt.Errorf("empty chosen or rejected text")
	}
	for _, v := range []float64{pair.ChosenReward, pair.RejectedReward, pair.Margin} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite reward value")
		}
	}
	if pair.Margin < 0 {
		return fmt.Errorf("negative margin %.6f", pair.Margin)
	}
	return nil
}

// readLines streams a JSONL file line by line. The buffer is sized for long
// generations; a single candidate can run to megabytes of text.
func readLines(path string, fn func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	return nil
}
