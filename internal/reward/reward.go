// Package reward turns candidate sets into scored groups. Candidates are
// flattened in prompt order and sent to the reward model in chunks of
// reward_batch_size prompt groups, so one service call scores
// reward_batch_size × num_output_sequences texts and a group never straddles
// a chunk. Rewards arrive as float32 and are upcast to float64 before
// anything compares them.
package reward

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/metrics"
	"github.com/lamim/alignforge/internal/model"
	"github.com/lamim/alignforge/pkg/models"
)

// Scorer runs the scoring stage against a reward model
type Scorer struct {
	model     model.Scorer
	batchSize int
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a scoring stage
func New(m model.Scorer, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Scorer {
	return &Scorer{
		model:     m,
		batchSize: cfg.Pipeline.RewardBatchSize,
		collector: collector,
		logger:    logger.With("component", "reward"),
	}
}

// Score assigns rewards to every candidate set. A prompt whose rewards come
// back incomplete or non-finite is excluded and reported in the second
// return value; the rest of the batch proceeds. Transport failures abort the
// whole call.
func (s *Scorer) Score(ctx context.Context, batches []models.GenerationBatch) ([]models.ScoredGroup, []models.SkippedPrompt, error) {
	if len(batches) == 0 {
		return nil, nil, fmt.Errorf("no candidate sets to score")
	}

	groupsPerChunk := s.batchSize
	if groupsPerChunk < 1 {
		groupsPerChunk = 1
	}

	if s.collector != nil {
		s.collector.SetActiveWorkers("score", 1)
		defer s.collector.SetActiveWorkers("score", 0)
	}

	bar := progressbar.Default(int64(len(batches)), "Scoring")

	groups := make([]models.ScoredGroup, 0, len(batches))
	var excluded []models.SkippedPrompt
	var rewards []float64

	for chunkStart := 0; chunkStart < len(batches); chunkStart += groupsPerChunk {
		chunkEnd := min(chunkStart+groupsPerChunk, len(batches))
		chunk := batches[chunkStart:chunkEnd]

		texts := make([]string, 0, len(chunk)*len(chunk[0].Candidates))
		for _, batch := range chunk {
			texts = append(texts, batch.Candidates...)
		}

		values, err := s.model.Score(ctx, texts)
		if err != nil {
			return nil, nil, fmt.Errorf("scoring chunk at prompt %d: %w", chunk[0].PromptIndex, err)
		}
		if len(values) != len(texts) {
			return nil, nil, fmt.Errorf("reward count mismatch: %d rewards for %d texts", len(values), len(texts))
		}

		offset := 0
		for _, batch := range chunk {
			groupValues := values[offset : offset+len(batch.Candidates)]
			offset += len(batch.Candidates)

			group, ok := buildGroup(batch, groupValues)
			if !ok {
				excluded = append(excluded, models.SkippedPrompt{
					PromptID:    batch.PromptID,
					PromptIndex: batch.PromptIndex,
					Reason:      models.SkipReasonIncompleteRewards,
				})
				s.logger.Warn("Prompt excluded: incomplete or non-finite rewards",
					"prompt_id", batch.PromptID,
					"prompt_index", batch.PromptIndex)
				if s.collector != nil {
					s.collector.IncrementSkipped(models.SkipReasonIncompleteRewards)
				}
				_ = bar.Add(1)
				continue
			}

			groups = append(groups, group)
			for _, c := range group.Candidates {
				rewards = append(rewards, c.Reward)
			}
			_ = bar.Add(1)
		}
	}
	_ = bar.Finish()

	summary := Summarize(rewards)
	s.logger.Info("Scoring complete",
		"groups", len(groups),
		"excluded", len(excluded),
		"reward_min", summary.Min,
		"reward_max", summary.Max,
		"reward_mean", summary.Mean,
		"reward_stddev", summary.StdDev)

	return groups, excluded, nil
}

// buildGroup upcasts one prompt's rewards and pairs them with its candidates.
// Returns false if any reward is NaN or infinite; the group is then excluded
// as a whole.
func buildGroup(batch models.GenerationBatch, values []models.RewardValue) (models.ScoredGroup, bool) {
	candidates := make([]models.ScoredCandidate, len(values))
	for i, v := range values {
		reward := float64(v.Reward)
		if math.IsNaN(reward) || math.IsInf(reward, 0) {
			return models.ScoredGroup{}, false
		}
		candidates[i] = models.ScoredCandidate{
			PromptID:       batch.PromptID,
			PromptIndex:    batch.PromptIndex,
			CandidateIndex: i,
			Text:           batch.Candidates[i],
			Reward:         reward,
			TokenLength:    v.NumTokens,
		}
	}
	return models.ScoredGroup{
		PromptID:    batch.PromptID,
		PromptIndex: batch.PromptIndex,
		PromptText:  batch.PromptText,
		Candidates:  candidates,
	}, true
}

// Summarize computes distribution statistics over a reward slice
func Summarize(rewards []float64) models.RewardSummary {
	if len(rewards) == 0 {
		return models.RewardSummary{}
	}

	summary := models.RewardSummary{
		Count: len(rewards),
		Min:   floats.Min(rewards),
		Max:   floats.Max(rewards),
		Mean:  stat.Mean(rewards, nil),
	}
	if len(rewards) > 1 {
		summary.StdDev = stat.StdDev(rewards, nil)
	}
	return summary
}
