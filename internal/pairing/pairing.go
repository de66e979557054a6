// Package pairing turns scored candidate groups into preference pairs. The
// length penalty is subtracted from every reward before selection, ties break
// to the lowest candidate index, and max_random draws the rejected candidate
// from a per-prompt deterministic source so a resumed run emits the same
// pairs as an uninterrupted one.
package pairing

import (
	"hash/fnv"
	"log/slog"
	"math/rand"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/metrics"
	"github.com/lamim/alignforge/pkg/models"
)

// Builder constructs preference pairs from scored groups
type Builder struct {
	strategy        models.PairStrategy
	marginScale     float64
	lengthPenalty   float64
	minRewardGap    float64
	allowZeroMargin bool
	maskPrompt      bool
	seed            int64
	collector       *metrics.Collector
	logger          *slog.Logger
}

// New creates a pair builder from the pipeline configuration
func New(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Builder {
	return &Builder{
		strategy:        cfg.Pipeline.SamplingPairedMethod,
		marginScale:     cfg.Pipeline.MarginScale,
		lengthPenalty:   cfg.Pipeline.LengthPenalty,
		minRewardGap:    cfg.Pipeline.MinRewardGap,
		allowZeroMargin: cfg.Pipeline.AllowZeroMargin,
		maskPrompt:      cfg.Pipeline.MaskPrompt,
		seed:            cfg.Pipeline.Seed,
		collector:       collector,
		logger:          logger.With("component", "pairing"),
	}
}

// Build selects at most one pair per group. Groups that cannot yield a valid
// pair under the margin policy are reported as skipped, never as errors.
func (b *Builder) Build(groups []models.ScoredGroup) ([]models.PreferencePair, []models.SkippedPrompt) {
	pairs := make([]models.PreferencePair, 0, len(groups))
	var skipped []models.SkippedPrompt

	for _, group := range groups {
		pair, reason := b.buildOne(group)
		if reason != "" {
			skipped = append(skipped, models.SkippedPrompt{
				PromptID:    group.PromptID,
				PromptIndex: group.PromptIndex,
				Reason:      reason,
			})
			b.logger.Debug("Prompt skipped",
				"prompt_id", group.PromptID,
				"reason", reason)
			if b.collector != nil {
				b.collector.IncrementSkipped(reason)
			}
			continue
		}

		pairs = append(pairs, pair)
		if b.collector != nil {
			b.collector.RecordPair(pair.Margin)
		}
	}

	b.logger.Info("Pair construction complete",
		"groups", len(groups),
		"pairs", len(pairs),
		"skipped", len(skipped),
		"strategy", string(b.strategy))

	return pairs, skipped
}

// buildOne returns either a pair or a non-empty skip reason
func (b *Builder) buildOne(group models.ScoredGroup) (models.PreferencePair, string) {
	if len(group.Candidates) < 2 {
		return models.PreferencePair{}, models.SkipReasonTooFewCandidates
	}

	effective := make([]float64, len(group.Candidates))
	for i, c := range group.Candidates {
		effective[i] = c.Reward - b.lengthPenalty*float64(c.TokenLength)
	}

	chosen := argMax(effective)

	var rejected int
	switch b.strategy {
	case models.StrategyMaxRandom:
		rejected = b.randomRejected(group.PromptID, len(effective), chosen)
	default:
		rejected = argMin(effective)
	}

	if rejected == chosen {
		// max_min on a degenerate vector: argmax and argmin both tie-break
		// to index 0. The second candidate stands in as the rejected side
		// so the zero-margin policy can still decide.
		rejected = chosen + 1
		if rejected >= len(effective) {
			rejected = 0
		}
	}

	gap := effective[chosen] - effective[rejected]
	if !b.acceptGap(gap) {
		if gap == 0 {
			return models.PreferencePair{}, models.SkipReasonZeroMargin
		}
		return models.PreferencePair{}, models.SkipReasonBelowGapFloor
	}

	return models.PreferencePair{
		PromptID:       group.PromptID,
		Prompt:         group.PromptText,
		Chosen:         group.Candidates[chosen].Text,
		Rejected:       group.Candidates[rejected].Text,
		ChosenReward:   group.Candidates[chosen].Reward,
		RejectedReward: group.Candidates[rejected].Reward,
		Margin:         b.marginScale * gap,
		MaskPrompt:     b.maskPrompt,
	}, ""
}

// acceptGap applies the margin policy to the unscaled effective-reward gap:
// above the floor always passes, exactly at a positive floor is the
// borderline acceptance, and a zero gap needs allow_zero_margin.
func (b *Builder) acceptGap(gap float64) bool {
	if gap > b.minRewardGap {
		return true
	}
	if gap == b.minRewardGap && b.minRewardGap > 0 {
		return true
	}
	return gap == 0 && b.allowZeroMargin
}

// randomRejected draws a uniform index excluding the chosen one. The source
// is seeded from the configured seed and the prompt id, so the draw depends
// only on configuration and identity, never on call order.
func (b *Builder) randomRejected(promptID string, n, chosen int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(promptID))
	rng := rand.New(rand.NewSource(b.seed ^ int64(h.Sum64())))

	r := rng.Intn(n - 1)
	if r >= chosen {
		r++
	}
	return r
}

// argMax returns the lowest index holding the maximum value
func argMax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// argMin returns the lowest index holding the minimum value
func argMin(values []float64) int {
	best := 0
	for i, v := range values {
		if v < values[best] {
			best = i
		}
	}
	return best
}
