// Package dataset loads the per-iteration prompt datasets. Two formats are
// accepted: JSONL with one {"id", "text"} object per line, and the
// text-only JSON layout used by common fine-tuning corpora
// ({"type": "text_only", "instances": [{"text": ...}]}). An optional
// template renders each record into the final prompt text.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lamim/alignforge/internal/util"
	"github.com/lamim/alignforge/pkg/models"
)

// maxSkippedLines bounds how many malformed JSONL lines a dataset may
// carry before loading fails outright instead of silently thinning the
// prompt set.
const maxSkippedLines = 100

type jsonlRecord struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type textOnlyFile struct {
	Type      string `json:"type"`
	Instances []struct {
		Text string `json:"text"`
	} `json:"instances"`
}

// Loader reads prompt datasets and applies the configured prompt template
type Loader struct {
	template string
	logger   *slog.Logger
}

// NewLoader creates a dataset loader. template may be empty, in which case
// records pass through untouched.
func NewLoader(template string, logger *slog.Logger) *Loader {
	return &Loader{
		template: template,
		logger:   logger.With("component", "dataset"),
	}
}

// LoadPrompts reads the dataset at path. The format is chosen by extension:
// .json is parsed as a text-only instance file, everything else as JSONL.
func (l *Loader) LoadPrompts(path string) ([]models.Prompt, error) {
	var prompts []models.Prompt
	var err error

	if strings.EqualFold(filepath.Ext(path), ".json") {
		prompts, err = l.loadTextOnly(path)
	} else {
		prompts, err = l.loadJSONL(path)
	}
	if err != nil {
		return nil, err
	}

	if len(prompts) == 0 {
		return nil, fmt.Errorf("dataset %s contains no prompts", path)
	}

	if l.template != "" {
		for i := range prompts {
			rendered, err := util.RenderTemplate(l.template, map[string]interface{}{
				"ID":   prompts[i].ID,
				"Text": prompts[i].Text,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to render prompt template for %s: %w", prompts[i].ID, err)
			}
			prompts[i].Text = rendered
		}
	}

	l.logger.Info("Dataset loaded", "path", path, "prompts", len(prompts))
	return prompts, nil
}

func (l *Loader) loadJSONL(path string) ([]models.Prompt, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var prompts []models.Prompt
	lineNum := 0
	skipped := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Text == "" {
			skipped++
			if skipped > maxSkippedLines {
				return nil, fmt.Errorf("dataset %s: more than %d malformed lines", path, maxSkippedLines)
			}
			l.logger.Warn("Skipping malformed dataset line", "path", path, "line", lineNum)
			continue
		}

		if rec.ID == "" {
			rec.ID = fmt.Sprintf("%d", lineNum-1)
		}
		prompts = append(prompts, models.Prompt{ID: rec.ID, Text: rec.Text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	if skipped > 0 {
		l.logger.Warn("Dataset loaded with skipped lines", "path", path, "skipped", skipped)
	}
	return prompts, nil
}

func (l *Loader) loadTextOnly(path string) ([]models.Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var file textOnlyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if file.Type != "text_only" {
		return nil, fmt.Errorf("dataset %s has type %q, expected text_only", path, file.Type)
	}

	prompts := make([]models.Prompt, 0, len(file.Instances))
	for i, inst := range file.Instances {
		if strings.TrimSpace(inst.Text) == "" {
			l.logger.Warn("Skipping empty dataset instance", "path", path, "index", i)
			continue
		}
		prompts = append(prompts, models.Prompt{
			ID:   fmt.Sprintf("%d", i),
			Text: inst.Text,
		})
	}
	return prompts, nil
}
