package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lamim/alignforge/internal/api"
	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

// DecoderAdapter serves the generate capability for a decoder-only model
// behind an OpenAI-compatible chat endpoint. It is safe for concurrent use;
// Load swaps the served checkpoint between iterations.
type DecoderAdapter struct {
	family    string
	cfg       config.ModelConfig
	secrets   *config.Secrets
	apiClient *api.Client
	logger    *slog.Logger

	mu         sync.RWMutex
	checkpoint string
}

// Load points the adapter at a new served checkpoint
func (a *DecoderAdapter) Load(checkpoint string) {
	a.mu.Lock()
	a.checkpoint = checkpoint
	a.mu.Unlock()
	a.logger.Info("Checkpoint loaded", "checkpoint", checkpoint)
}

// Checkpoint reports the currently served checkpoint
func (a *DecoderAdapter) Checkpoint() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.checkpoint
}

// Generate samples sampling.NumSequences completions for one prompt and
// returns them ordered by the service's choice index.
func (a *DecoderAdapter) Generate(ctx context.Context, prompt string, sampling models.SamplingConfig) ([]string, models.GenerationMeta, error) {
	cfg := a.cfg
	cfg.ModelName = a.Checkpoint()
	cfg.Temperature = sampling.Temperature
	cfg.TopP = sampling.TopP
	if sampling.MaxTokens > 0 {
		cfg.MaxOutputTokens = sampling.MaxTokens
	}

	n := sampling.NumSequences
	if n < 1 {
		n = 1
	}

	var seed *int64
	if sampling.Seed != 0 {
		s := sampling.Seed
		seed = &s
	}

	apiKey := a.secrets.GetAPIKey(cfg.BaseURL)
	resp, err := a.apiClient.ChatCompletion(ctx, cfg, apiKey, []api.Message{
		{Role: "user", Content: prompt},
	}, n, seed)
	if err != nil {
		return nil, models.GenerationMeta{}, fmt.Errorf("generation failed for model %q: %w", cfg.ModelName, err)
	}

	if len(resp.Choices) != n {
		return nil, models.GenerationMeta{}, fmt.Errorf("model %q returned %d sequences, expected %d", cfg.ModelName, len(resp.Choices), n)
	}

	// Place candidates by choice index, not arrival order
	texts := make([]string, n)
	seen := make([]bool, n)
	for _, choice := range resp.Choices {
		if choice.Index < 0 || choice.Index >= n {
			return nil, models.GenerationMeta{}, fmt.Errorf("choice index %d out of range for n=%d", choice.Index, n)
		}
		if seen[choice.Index] {
			return nil, models.GenerationMeta{}, fmt.Errorf("duplicate choice index %d", choice.Index)
		}
		texts[choice.Index] = choice.Message.Content
		seen[choice.Index] = true
	}

	meta := models.GenerationMeta{
		Model:        cfg.ModelName,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		SamplingMode: "sampling",
	}
	if cfg.Temperature == 0 {
		meta.SamplingMode = "greedy"
	}

	return texts, meta, nil
}
