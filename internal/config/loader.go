package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/lamim/alignforge/pkg/models"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	// Load secrets from environment
	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	// Pipeline defaults
	if cfg.Pipeline.NumOutputSequences == 0 {
		cfg.Pipeline.NumOutputSequences = 8
	}
	if cfg.Pipeline.NumInferenceInstances == 0 {
		cfg.Pipeline.NumInferenceInstances = 1
	}
	if cfg.Pipeline.SamplingPairedMethod == "" {
		cfg.Pipeline.SamplingPairedMethod = models.StrategyMaxMin
	}
	if cfg.Pipeline.MarginScale == 0 {
		cfg.Pipeline.MarginScale = 1.0
	}
	if cfg.Pipeline.RewardBatchSize == 0 {
		cfg.Pipeline.RewardBatchSize = 8
	}
	if cfg.Pipeline.Seed == 0 {
		cfg.Pipeline.Seed = 42
	}
	if cfg.Pipeline.OutputDir == "" {
		cfg.Pipeline.OutputDir = "output"
	}

	// Per-model defaults. Role-specific arch types so minimal configs work:
	// policy/reference generate, reward scores.
	for name, model := range cfg.Models {
		if model.ArchType == "" {
			if name == "reward" {
				model.ArchType = models.ArchTextRegression
			} else {
				model.ArchType = models.ArchDecoderOnly
			}
		}
		if model.Temperature == 0 {
			model.Temperature = 1.0
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 1024
		}
		if model.ContextSize == 0 {
			model.ContextSize = 16384
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 600
		}
		if model.MaxBackoffSeconds == 0 {
			model.MaxBackoffSeconds = 120
		}
		// In TOML we cannot distinguish 0 from unset, so:
		// - Unset (0) → defaults to 3
		// - Explicitly set to -1 → unlimited retries
		// - Any positive number → use that value
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		// Sampling n sequences per request is slow; default generously
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 300
		}
		cfg.Models[name] = model
	}

	// Trainer defaults
	if cfg.Trainer.Beta == 0 {
		cfg.Trainer.Beta = 0.1
	}
	if cfg.Trainer.LossType == "" {
		cfg.Trainer.LossType = models.LossSigmoid
	}
	if cfg.Trainer.NumTrainEpochs == 0 {
		cfg.Trainer.NumTrainEpochs = 1
	}
	if cfg.Trainer.LearningRate == 0 {
		cfg.Trainer.LearningRate = 5e-7
	}
	if cfg.Trainer.PollIntervalSeconds == 0 {
		cfg.Trainer.PollIntervalSeconds = 10
	}
	if cfg.Trainer.JobTimeoutMinutes == 0 {
		cfg.Trainer.JobTimeoutMinutes = 720
	}

	// Metrics defaults
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":2112"
	}
}
