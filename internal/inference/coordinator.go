// Package inference fans generation out over a fixed number of shard workers
// and reassembles candidate sets in prompt order. Sharding is contiguous:
// prompts [0..n) split into k slices whose sizes differ by at most one, each
// walked sequentially by its own goroutine. Results land in a preallocated
// slice at the prompt's original index, so completion order never shows in
// the output.
package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/metrics"
	"github.com/lamim/alignforge/internal/model"
	"github.com/lamim/alignforge/internal/util"
	"github.com/lamim/alignforge/pkg/models"
)

// ShardFailure reports a generation shard that could not finish. It aborts
// the whole generation call; partial shard output is discarded.
type ShardFailure struct {
	Shard   int
	Prompts int
	Err     error
}

func (e *ShardFailure) Error() string {
	return fmt.Sprintf("inference shard %d (%d prompts) failed: %v", e.Shard, e.Prompts, e.Err)
}

func (e *ShardFailure) Unwrap() error { return e.Err }

// Coordinator runs the generation stage against a policy model
type Coordinator struct {
	generator      model.Generator
	numInstances   int
	stripReasoning bool
	collector      *metrics.Collector
	logger         *slog.Logger
}

// New creates a generation coordinator
func New(generator model.Generator, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		generator:      generator,
		numInstances:   cfg.Pipeline.NumInferenceInstances,
		stripReasoning: cfg.Pipeline.StripReasoningTags,
		collector:      collector,
		logger:         logger.With("component", "inference"),
	}
}

// Generate produces one candidate set per prompt. Output index i always
// corresponds to prompts[i]. A failed shard cancels the remaining shards and
// fails the call with a ShardFailure.
func (c *Coordinator) Generate(ctx context.Context, prompts []models.Prompt, sampling models.SamplingConfig) ([]models.GenerationBatch, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts to generate")
	}

	shards := c.numInstances
	if shards < 1 {
		shards = 1
	}
	if shards > len(prompts) {
		shards = len(prompts)
	}

	c.logger.Info("Generation started",
		"prompts", len(prompts),
		"shards", shards,
		"sequences_per_prompt", sampling.NumSequences)

	if c.collector != nil {
		c.collector.SetActiveWorkers("generate", shards)
		defer c.collector.SetActiveWorkers("generate", 0)
	}

	// Written at disjoint indices by the shard goroutines; no lock needed
	results := make([]models.GenerationBatch, len(prompts))

	bar := progressbar.Default(int64(len(prompts)), "Generating")

	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < shards; shard++ {
		shard := shard
		start, end := shardBounds(len(prompts), shards, shard)
		g.Go(func() error {
			for i := start; i < end; i++ {
				prompt := prompts[i]

				texts, meta, err := c.generator.Generate(gctx, prompt.Text, sampling)
				if err != nil {
					if c.collector != nil {
						c.collector.IncrementCandidates(0, false)
					}
					return &ShardFailure{Shard: shard, Prompts: end - start, Err: err}
				}

				if c.stripReasoning {
					if stripped := util.StripCandidates(texts); stripped > 0 {
						c.logger.Debug("Stripped reasoning tags",
							"prompt_id", prompt.ID,
							"candidates", stripped)
					}
				}

				meta.Shard = shard
				results[i] = models.GenerationBatch{
					PromptID:    prompt.ID,
					PromptIndex: i,
					PromptText:  prompt.Text,
					Candidates:  texts,
					Meta:        meta,
				}

				if c.collector != nil {
					c.collector.IncrementCandidates(len(texts), true)
				}
				_ = bar.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	_ = bar.Finish()

	c.logger.Info("Generation complete",
		"prompts", len(prompts),
		"candidates", len(prompts)*sampling.NumSequences)

	return results, nil
}

// shardBounds returns the [start, end) slice of shard i when n prompts are
// split into k contiguous shards. The first n%k shards take one extra prompt.
func shardBounds(n, k, i int) (int, int) {
	base := n / k
	extra := n % k
	start := i*base + min(i, extra)
	size := base
	if i < extra {
		size++
	}
	return start, start + size
}
