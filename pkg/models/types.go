package models

import "time"

// PairStrategy selects how chosen/rejected candidates are picked from a scored set
type PairStrategy string

const (
	// StrategyMaxMin pairs the highest-reward candidate with the lowest-reward one
	StrategyMaxMin PairStrategy = "max_min"
	// StrategyMaxRandom pairs the highest-reward candidate with a uniformly random remaining one
	StrategyMaxRandom PairStrategy = "max_random"
)

// ArchType identifies the model family an adapter serves
type ArchType string

const (
	// ArchDecoderOnly is a causal LM served for text generation (policy and reference models)
	ArchDecoderOnly ArchType = "decoder_only"
	// ArchTextRegression is a scalar-head model served for reward scoring
	ArchTextRegression ArchType = "text_regression"
)

// LossType values accepted by the training service
const (
	LossSigmoid = "sigmoid"
	LossHinge   = "hinge"
	LossIPO     = "ipo"
)

// Prompt is one alignment prompt issued to an iteration.
// Text may already be chat-templated by the dataset layer.
// Immutable once issued.
type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SamplingConfig carries the decoding parameters for one generation call
type SamplingConfig struct {
	Model        string  `json:"model"`
	NumSequences int     `json:"num_sequences"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	MaxTokens    int     `json:"max_tokens"`
	Seed         int64   `json:"seed"`
}

// GenerationMeta records how a candidate set was produced
type GenerationMeta struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	SamplingMode string  `json:"sampling_mode"`
	Shard        int     `json:"shard"`
}

// GenerationBatch is the ordered candidate set generated for one prompt.
// Candidates holds num_output_sequences texts in the inference service's
// choice order; that order is stable for the rest of the pipeline.
type GenerationBatch struct {
	PromptID    string         `json:"prompt_id"`
	PromptIndex int            `json:"prompt_index"`
	PromptText  string         `json:"prompt_text"`
	Candidates  []string       `json:"candidates"`
	Meta        GenerationMeta `json:"meta"`
}

// RewardValue is one scored item as returned by the reward service.
// Reward is float32 on the wire (the model's working precision); it is
// upcast to float64 before any comparison or selection.
type RewardValue struct {
	Reward    float32 `json:"reward"`
	NumTokens int     `json:"num_tokens"`
}

// ScoredCandidate pairs one generated candidate with its scalar reward
type ScoredCandidate struct {
	PromptID       string  `json:"prompt_id"`
	PromptIndex    int     `json:"prompt_index"`
	CandidateIndex int     `json:"candidate_index"`
	Text           string  `json:"text"`
	Reward         float64 `json:"reward"`
	TokenLength    int     `json:"token_length"`
}

// ScoredGroup is a prompt's full candidate set after scoring.
// Invariant: len(Candidates) equals the candidate count generated for the
// prompt; prompts with missing or non-finite rewards never become groups.
type ScoredGroup struct {
	PromptID    string            `json:"prompt_id"`
	PromptIndex int               `json:"prompt_index"`
	PromptText  string            `json:"prompt_text"`
	Candidates  []ScoredCandidate `json:"candidates"`
}

// PreferencePair is one chosen/rejected training example in DPO format
type PreferencePair struct {
	PromptID       string  `json:"prompt_id"`
	Prompt         string  `json:"prompt"`
	Chosen         string  `json:"chosen"`
	Rejected       string  `json:"rejected"`
	ChosenReward   float64 `json:"chosen_reward"`
	RejectedReward float64 `json:"rejected_reward"`
	Margin         float64 `json:"margin"`
	MaskPrompt     bool    `json:"mask_prompt"`
}

// Skip reasons recorded on SkippedPrompt
const (
	SkipReasonIncompleteRewards = "incomplete_rewards"
	SkipReasonZeroMargin        = "zero_margin"
	SkipReasonBelowGapFloor     = "below_reward_gap_floor"
	SkipReasonTooFewCandidates  = "too_few_candidates"
)

// SkippedPrompt records a prompt excluded from pairing and why
type SkippedPrompt struct {
	PromptID    string `json:"prompt_id"`
	PromptIndex int    `json:"prompt_index"`
	Reason      string `json:"reason"`
}

// TrainJob describes one DPO training invocation submitted to the
// training service. PairsPath points at the persisted pairs dataset for
// the iteration; OutputDir is where the service must place the new
// policy checkpoint.
type TrainJob struct {
	Iteration           int     `json:"iteration"`
	PairsPath           string  `json:"pairs_path"`
	PairCount           int     `json:"pair_count"`
	PolicyCheckpoint    string  `json:"policy_checkpoint"`
	ReferenceCheckpoint string  `json:"reference_checkpoint"`
	OutputDir           string  `json:"output_dir"`
	Beta                float64 `json:"beta"`
	LossType            string  `json:"loss_type"`
	NumTrainEpochs      int     `json:"num_train_epochs"`
	LearningRate        float64 `json:"learning_rate"`
	MaskPrompt          bool    `json:"mask_prompt"`
	MarginScale         float64 `json:"margin_scale"`
}

// RewardSummary holds per-iteration reward distribution statistics
type RewardSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// RunStats tracks cumulative statistics for a pipeline run
type RunStats struct {
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	PromptsGenerated    int           `json:"prompts_generated"`
	CandidatesScored    int           `json:"candidates_scored"`
	GroupsExcluded      int           `json:"groups_excluded"`
	PairsEmitted        int           `json:"pairs_emitted"`
	PromptsSkipped      int           `json:"prompts_skipped"`
	IterationsCompleted int           `json:"iterations_completed"`
	TotalDuration       time.Duration `json:"total_duration"`
}
