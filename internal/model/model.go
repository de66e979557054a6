// Package model wraps served checkpoints behind capability interfaces so the
// rest of the pipeline never touches a concrete model family. Decoder-only
// checkpoints generate candidate completions; text-regression checkpoints
// assign scalar rewards. Asking a family for a capability it does not have is
// a construction-time error, not a runtime surprise.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lamim/alignforge/internal/api"
	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

// Generator produces candidate completions from a decoder-only checkpoint
type Generator interface {
	Generate(ctx context.Context, prompt string, sampling models.SamplingConfig) ([]string, models.GenerationMeta, error)
}

// Scorer assigns one scalar reward per input text
type Scorer interface {
	Score(ctx context.Context, texts []string) ([]models.RewardValue, error)
}

// Loadable re-points an adapter at a new checkpoint between iterations.
// Weight persistence is owned by the training service; adapters only track
// which served checkpoint they talk to.
type Loadable interface {
	Load(checkpoint string)
	Checkpoint() string
}

// NewGenerator builds the generation adapter for a decoder-only model entry
func NewGenerator(family string, cfg config.ModelConfig, secrets *config.Secrets, apiClient *api.Client, logger *slog.Logger) (*DecoderAdapter, error) {
	if cfg.ArchType != models.ArchDecoderOnly {
		return nil, fmt.Errorf("model %q: arch_type %q cannot generate text (need %q)", family, cfg.ArchType, models.ArchDecoderOnly)
	}
	return &DecoderAdapter{
		family:     family,
		cfg:        cfg,
		secrets:    secrets,
		apiClient:  apiClient,
		logger:     logger.With("component", "model", "family", family),
		checkpoint: cfg.ModelName,
	}, nil
}

// NewScorer builds the reward adapter for a text-regression model entry
func NewScorer(family string, cfg config.ModelConfig, secrets *config.Secrets, apiClient *api.Client, logger *slog.Logger) (*RegressionAdapter, error) {
	if cfg.ArchType != models.ArchTextRegression {
		return nil, fmt.Errorf("model %q: arch_type %q cannot score text (need %q)", family, cfg.ArchType, models.ArchTextRegression)
	}
	return &RegressionAdapter{
		family:    family,
		cfg:       cfg,
		secrets:   secrets,
		apiClient: apiClient,
		logger:    logger.With("component", "model", "family", family),
	}, nil
}
