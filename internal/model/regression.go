package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/lamim/alignforge/internal/api"
	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

// RegressionAdapter serves the score capability for a sequence-regression
// reward model behind a pooling endpoint.
type RegressionAdapter struct {
	family    string
	cfg       config.ModelConfig
	secrets   *config.Secrets
	apiClient *api.Client
	logger    *slog.Logger
}

// Score returns one reward per input text, positioned by the service's item
// index. Inputs the service never answered for keep a NaN reward; the reward
// stage excludes their prompt groups instead of failing the whole batch.
func (a *RegressionAdapter) Score(ctx context.Context, texts []string) ([]models.RewardValue, error) {
	apiKey := a.secrets.GetAPIKey(a.cfg.BaseURL)
	resp, err := a.apiClient.Score(ctx, a.cfg, apiKey, texts)
	if err != nil {
		return nil, fmt.Errorf("scoring failed for model %q: %w", a.cfg.ModelName, err)
	}

	out := make([]models.RewardValue, len(texts))
	for i := range out {
		out[i].Reward = float32(math.NaN())
	}

	seen := make([]bool, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("reward index %d out of range for %d inputs", item.Index, len(texts))
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate reward index %d", item.Index)
		}
		out[item.Index] = models.RewardValue{Reward: item.Reward, NumTokens: item.NumTokens}
		seen[item.Index] = true
	}

	if len(resp.Data) != len(texts) {
		a.logger.Warn("Reward service returned fewer items than inputs",
			"inputs", len(texts),
			"items", len(resp.Data))
	}

	return out, nil
}
