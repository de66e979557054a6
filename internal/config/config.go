package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamim/alignforge/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline             PipelineConfig         `toml:"pipeline"`
	Models               map[string]ModelConfig `toml:"models"`
	Trainer              TrainerConfig          `toml:"trainer"`
	HuggingFace          HuggingFaceConfig      `toml:"huggingface"`
	Metrics              MetricsConfig          `toml:"metrics"`
	ProviderRateLimits   map[string]int         `toml:"provider_rate_limits"`   // Global rate limits per provider (requests per minute)
	ProviderBurstPercent int                    `toml:"provider_burst_percent"` // Burst capacity as percentage (1-50, default: 15)
}

// PipelineConfig holds the iterative alignment loop settings
type PipelineConfig struct {
	DatasetPaths          []string            `toml:"dataset_paths"`                       // Ordered prompt datasets, one per iteration
	InitialIterIdx        int                 `toml:"initial_iter_idx"`                    // Index into dataset_paths where processing starts
	NumOutputSequences    int                 `toml:"num_output_sequences"`                // Candidates sampled per prompt
	NumInferenceInstances int                 `toml:"distributed_inference_num_instances"` // Parallel inference shards
	SamplingPairedMethod  models.PairStrategy `toml:"sampling_paired_method"`              // max_min or max_random
	MarginScale           float64             `toml:"margin_scale"`                        // Multiplier applied to the emitted pair margin
	LengthPenalty         float64             `toml:"length_penalty"`                      // Subtracted per token from rewards before selection
	MinRewardGap          float64             `toml:"min_reward_gap"`                      // Reward gap floor for pair acceptance
	AllowZeroMargin       bool                `toml:"allow_zero_margin"`                   // Accept pairs from degenerate (equal-reward) candidate sets
	MaskPrompt            bool                `toml:"mask_prompt"`                         // Exclude prompt tokens from the downstream loss mask
	Seed                  int64               `toml:"seed"`                                // Base seed for max_random rejected selection
	RewardBatchSize       int                 `toml:"reward_batch_size"`                   // Scoring chunk = reward_batch_size * num_output_sequences texts
	StripReasoningTags    bool                `toml:"strip_reasoning_tags"`                // Remove <think> blocks from candidates before scoring
	PromptTemplate        string              `toml:"prompt_template"`                     // Optional template rendered over each dataset record
	ResumeFromRun         string              `toml:"resume_from_run"`                     // Run directory to resume from (e.g., "run_2026-08-20T09-15-00")
	OutputDir             string              `toml:"output_dir"`                          // Root for run directories (default: output)
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string          `toml:"base_url"`
	ModelName          string          `toml:"model_name"` // Served model id; for local serving this is the checkpoint path
	ArchType           models.ArchType `toml:"arch_type"`  // decoder_only or text_regression
	Temperature        float64         `toml:"temperature"`
	TopP               float64         `toml:"top_p"`
	MaxOutputTokens    int             `toml:"max_output_tokens"`
	ContextSize        int             `toml:"context_size"`
	RateLimitPerMinute int             `toml:"rate_limit_per_minute"`
	MaxBackoffSeconds  int             `toml:"max_backoff_seconds"`  // Optional: max backoff duration (default 120)
	MaxRetries         int             `toml:"max_retries"`          // Optional: max retry attempts (default 3, -1 = unlimited)
	HTTPTimeoutSeconds int             `toml:"http_timeout_seconds"` // Optional: HTTP request timeout (default 300, 0 = no timeout)
}

// TrainerConfig holds the DPO training service settings
type TrainerConfig struct {
	BaseURL             string  `toml:"base_url"`
	Beta                float64 `toml:"beta"`                  // DPO temperature parameter
	LossType            string  `toml:"loss_type"`             // sigmoid, hinge, or ipo
	NumTrainEpochs      int     `toml:"num_train_epochs"`
	LearningRate        float64 `toml:"learning_rate"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"` // Job status polling cadence
	JobTimeoutMinutes   int     `toml:"job_timeout_minutes"`   // Give up on a training job after this long
}

// HuggingFaceConfig holds Hugging Face Hub settings for dataset publishing
type HuggingFaceConfig struct {
	RepoID  string `toml:"repo_id"`
	Private bool   `toml:"private"`
}

// MetricsConfig controls the optional Prometheus listener
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"` // default ":2112"
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys          map[string]string
	HuggingFaceToken string
}

const (
	// MaxInferenceInstances is the maximum allowed inference shard count
	MaxInferenceInstances = 1024
	// MaxNumOutputSequences is the maximum candidates per prompt
	MaxNumOutputSequences = 256
	// MaxDatasetPaths is the maximum configurable iteration count
	MaxDatasetPaths = 1000
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Burst percent default and range
	if c.ProviderBurstPercent == 0 {
		c.ProviderBurstPercent = 15
	}
	if c.ProviderBurstPercent < 1 || c.ProviderBurstPercent > 50 {
		return fmt.Errorf("provider_burst_percent must be between 1 and 50 (got %d)", c.ProviderBurstPercent)
	}

	// Pipeline config
	if len(c.Pipeline.DatasetPaths) == 0 {
		return fmt.Errorf("pipeline.dataset_paths must list at least one dataset")
	}
	if len(c.Pipeline.DatasetPaths) > MaxDatasetPaths {
		return fmt.Errorf("pipeline.dataset_paths must not exceed %d entries (got %d)", MaxDatasetPaths, len(c.Pipeline.DatasetPaths))
	}
	if c.Pipeline.InitialIterIdx < 0 || c.Pipeline.InitialIterIdx >= len(c.Pipeline.DatasetPaths) {
		return fmt.Errorf("pipeline.initial_iter_idx must be between 0 and %d (got %d)",
			len(c.Pipeline.DatasetPaths)-1, c.Pipeline.InitialIterIdx)
	}
	if c.Pipeline.NumOutputSequences < 2 {
		return fmt.Errorf("pipeline.num_output_sequences must be at least 2 to form pairs (got %d)", c.Pipeline.NumOutputSequences)
	}
	if c.Pipeline.NumOutputSequences > MaxNumOutputSequences {
		return fmt.Errorf("pipeline.num_output_sequences must not exceed %d (got %d)", MaxNumOutputSequences, c.Pipeline.NumOutputSequences)
	}
	if c.Pipeline.NumInferenceInstances < 1 {
		return fmt.Errorf("pipeline.distributed_inference_num_instances must be at least 1")
	}
	if c.Pipeline.NumInferenceInstances > MaxInferenceInstances {
		return fmt.Errorf("pipeline.distributed_inference_num_instances must not exceed %d (got %d)",
			MaxInferenceInstances, c.Pipeline.NumInferenceInstances)
	}
	switch c.Pipeline.SamplingPairedMethod {
	case models.StrategyMaxMin, models.StrategyMaxRandom:
	default:
		return fmt.Errorf("pipeline.sampling_paired_method must be one of: max_min, max_random (got %s)", c.Pipeline.SamplingPairedMethod)
	}
	if c.Pipeline.MarginScale < 0 {
		return fmt.Errorf("pipeline.margin_scale must not be negative (got %.4f)", c.Pipeline.MarginScale)
	}
	if c.Pipeline.MinRewardGap < 0 {
		return fmt.Errorf("pipeline.min_reward_gap must not be negative (got %.4f)", c.Pipeline.MinRewardGap)
	}
	if c.Pipeline.RewardBatchSize < 1 {
		return fmt.Errorf("pipeline.reward_batch_size must be at least 1")
	}

	// Model roles: policy generates, reward scores, reference anchors the DPO loss
	policy, ok := c.Models["policy"]
	if !ok {
		return fmt.Errorf("models.policy is required")
	}
	if err := validateModelConfig("policy", policy, true); err != nil {
		return err
	}
	if policy.ArchType != models.ArchDecoderOnly {
		return fmt.Errorf("models.policy.arch_type must be decoder_only (got %s)", policy.ArchType)
	}

	reward, ok := c.Models["reward"]
	if !ok {
		return fmt.Errorf("models.reward is required")
	}
	if err := validateModelConfig("reward", reward, true); err != nil {
		return err
	}
	if reward.ArchType != models.ArchTextRegression {
		return fmt.Errorf("models.reward.arch_type must be text_regression (got %s)", reward.ArchType)
	}

	// The reference model only needs a checkpoint identity: its weights are
	// consumed by the training service, not served for inference here.
	reference, ok := c.Models["reference"]
	if !ok {
		return fmt.Errorf("models.reference is required (DPO training needs a frozen reference checkpoint)")
	}
	if reference.ModelName == "" {
		return fmt.Errorf("models.reference.model_name is required")
	}
	if reference.ArchType != models.ArchDecoderOnly {
		return fmt.Errorf("models.reference.arch_type must be decoder_only (got %s)", reference.ArchType)
	}

	// Trainer config
	if c.Trainer.BaseURL == "" {
		return fmt.Errorf("trainer.base_url is required")
	}
	if c.Trainer.Beta <= 0 {
		return fmt.Errorf("trainer.beta must be positive (got %.4f)", c.Trainer.Beta)
	}
	switch c.Trainer.LossType {
	case models.LossSigmoid, models.LossHinge, models.LossIPO:
	default:
		return fmt.Errorf("trainer.loss_type must be one of: sigmoid, hinge, ipo (got %s)", c.Trainer.LossType)
	}
	if c.Trainer.NumTrainEpochs < 1 {
		return fmt.Errorf("trainer.num_train_epochs must be at least 1")
	}
	if c.Trainer.LearningRate <= 0 {
		return fmt.Errorf("trainer.learning_rate must be positive (got %g)", c.Trainer.LearningRate)
	}
	if c.Trainer.PollIntervalSeconds < 1 {
		return fmt.Errorf("trainer.poll_interval_seconds must be at least 1")
	}
	if c.Trainer.JobTimeoutMinutes < 1 {
		return fmt.Errorf("trainer.job_timeout_minutes must be at least 1")
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig, needsEndpoint bool) error {
	if needsEndpoint && mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("models.%s.context_size must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("models.%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic API key (provider-agnostic)
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific API keys (optional, override generic)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		secrets.APIKeys["nvidia"] = key
	}

	secrets.HuggingFaceToken = os.Getenv("HUGGING_FACE_TOKEN")

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "nvidia.com") {
		if key := s.APIKeys["nvidia"]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider
	if key := s.APIKeys["generic"]; key != "" {
		return key
	}

	// Empty is fine for local serving without auth
	return ""
}

// GetProviderName extracts a provider name from a base URL for rate limiting
func GetProviderName(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		return "openai"
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		return "together"
	}
	if strings.Contains(baseURL, "nvidia.com") {
		return "nvidia"
	}
	// Local vLLM servers and unknown providers rate-limit per base URL
	return baseURL
}
