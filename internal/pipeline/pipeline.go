// Package pipeline drives the per-iteration alignment loop:
// generate → score → pair → train, over the configured dataset list. Each
// stage persists its artifact before the state records it as complete, so a
// restart resumes at the first incomplete stage and re-reads artifacts
// instead of recomputing them. Stages never overlap; the checkpoint an
// iteration trains into is exactly the checkpoint the next iteration
// generates from.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/metrics"
	"github.com/lamim/alignforge/internal/state"
	"github.com/lamim/alignforge/internal/writer"
	"github.com/lamim/alignforge/pkg/models"
)

// StageError identifies which stage of which iteration halted the pipeline
type StageError struct {
	Iteration int
	Stage     models.Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("iteration %d stage %s: %v", e.Iteration, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PromptLoader loads one iteration's prompt dataset
type PromptLoader interface {
	LoadPrompts(path string) ([]models.Prompt, error)
}

// Generator runs the generation stage (the distributed inference coordinator)
type Generator interface {
	Generate(ctx context.Context, prompts []models.Prompt, sampling models.SamplingConfig) ([]models.GenerationBatch, error)
}

// Scorer runs the scoring stage
type Scorer interface {
	Score(ctx context.Context, batches []models.GenerationBatch) ([]models.ScoredGroup, []models.SkippedPrompt, error)
}

// PairBuilder runs the pairing stage
type PairBuilder interface {
	Build(groups []models.ScoredGroup) ([]models.PreferencePair, []models.SkippedPrompt)
}

// Trainer runs the training stage and returns the new policy checkpoint
type Trainer interface {
	Train(ctx context.Context, job models.TrainJob) (string, error)
}

// PolicyPointer re-points the serving-side policy adapter at the checkpoint
// an iteration should generate from
type PolicyPointer interface {
	Load(checkpoint string)
	Checkpoint() string
}

// Controller walks the dataset list through the stage machine
type Controller struct {
	cfg       *config.Config
	runMgr    *writer.RunManager
	stateMgr  *state.Manager
	loader    PromptLoader
	generator Generator
	scorer    Scorer
	builder   PairBuilder
	trainer   Trainer
	policy    PolicyPointer
	collector *metrics.Collector
	logger    *slog.Logger
}

// New wires a controller from its stage capabilities. policy may be nil
// when the serving side tracks checkpoints externally.
func New(
	cfg *config.Config,
	runMgr *writer.RunManager,
	stateMgr *state.Manager,
	loader PromptLoader,
	generator Generator,
	scorer Scorer,
	builder PairBuilder,
	trainer Trainer,
	policy PolicyPointer,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		runMgr:    runMgr,
		stateMgr:  stateMgr,
		loader:    loader,
		generator: generator,
		scorer:    scorer,
		builder:   builder,
		trainer:   trainer,
		policy:    policy,
		collector: collector,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes the alignment loop from the first incomplete iteration to
// the end of the dataset list
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		if err := c.stateMgr.SaveSync(); err != nil {
			c.logger.Error("Failed to save final state", "error", err)
		}
		if err := c.stateMgr.Close(); err != nil {
			c.logger.Error("State writer reported an error", "error", err)
		}
	}()

	rs := c.stateMgr.GetState()
	startIdx := state.FirstIncompleteIteration(rs)
	total := len(rs.DatasetPaths)

	c.logger.Info("Alignment pipeline starting",
		"run_id", rs.RunID,
		"iterations", total,
		"initial_iteration", rs.InitialIteration,
		"resume_iteration", startIdx)

	for idx := startIdx; idx < total; idx++ {
		if err := c.runIteration(ctx, idx); err != nil {
			return err
		}
	}

	rs = c.stateMgr.GetState()
	stats := rs.Stats
	stats.EndTime = time.Now()
	stats.TotalDuration = stats.EndTime.Sub(stats.StartTime)
	if err := c.stateMgr.MarkComplete(stats); err != nil {
		return fmt.Errorf("failed to mark run complete: %w", err)
	}

	c.logger.Info("Alignment pipeline complete",
		"iterations", stats.IterationsCompleted,
		"prompts_generated", stats.PromptsGenerated,
		"candidates_scored", stats.CandidatesScored,
		"pairs_emitted", stats.PairsEmitted,
		"prompts_skipped", stats.PromptsSkipped,
		"duration", stats.TotalDuration)

	return nil
}

// runIteration drives one iteration through its remaining stages
func (c *Controller) runIteration(ctx context.Context, idx int) error {
	rs := c.stateMgr.GetState()
	datasetPath := rs.DatasetPaths[idx]

	checkpointIn, err := c.checkpointFor(rs, idx)
	if err != nil {
		return err
	}

	if err := c.stateMgr.BeginIteration(idx, datasetPath, checkpointIn); err != nil {
		return fmt.Errorf("failed to persist iteration start: %w", err)
	}
	if c.policy != nil && c.policy.Checkpoint() != checkpointIn {
		c.policy.Load(checkpointIn)
	}

	iterDir, err := c.runMgr.IterationDir(idx)
	if err != nil {
		return err
	}

	iterLogger := c.logger.With("iteration", idx)
	iterStart := time.Now()
	it := c.stateMgr.GetState().Iteration(idx)
	counts := it.Counts

	iterLogger.Info("Iteration starting",
		"dataset", datasetPath,
		"checkpoint_in", checkpointIn,
		"next_stage", string(it.NextStage()))

	// GENERATING
	var batches []models.GenerationBatch
	if !it.StageDone(models.StageGenerated) {
		batches, err = c.generate(ctx, idx, iterDir, datasetPath, iterLogger)
		if err != nil {
			return &StageError{Iteration: idx, Stage: models.StageGenerated, Err: err}
		}
		counts.Prompts = len(batches)
		counts.Candidates = len(batches) * c.cfg.Pipeline.NumOutputSequences
		_ = c.stateMgr.SetCounts(idx, counts)
	}

	// SCORING
	var groups []models.ScoredGroup
	if !it.StageDone(models.StageScored) {
		if batches == nil {
			if batches, err = writer.LoadGenerations(iterDir); err != nil {
				return &StageError{Iteration: idx, Stage: models.StageScored, Err: err}
			}
			iterLogger.Info("Resumed from persisted generations", "prompts", len(batches))
		}
		groups, err = c.score(ctx, idx, iterDir, batches, &counts, iterLogger)
		if err != nil {
			return &StageError{Iteration: idx, Stage: models.StageScored, Err: err}
		}
	}

	// PAIRING
	var pairs []models.PreferencePair
	if !it.StageDone(models.StagePaired) {
		if groups == nil {
			if groups, err = writer.LoadScored(iterDir); err != nil {
				return &StageError{Iteration: idx, Stage: models.StagePaired, Err: err}
			}
			iterLogger.Info("Resumed from persisted scores", "groups", len(groups))
		}
		pairs, err = c.pair(idx, iterDir, groups, &counts, iterLogger)
		if err != nil {
			return &StageError{Iteration: idx, Stage: models.StagePaired, Err: err}
		}
	}

	// TRAINING
	if pairs == nil {
		if pairs, err = writer.LoadPairs(iterDir); err != nil {
			return &StageError{Iteration: idx, Stage: models.StageTrained, Err: err}
		}
		iterLogger.Info("Resumed from persisted pairs", "pairs", len(pairs))
	}
	checkpointOut, err := c.train(ctx, idx, iterDir, checkpointIn, len(pairs), iterLogger)
	if err != nil {
		return &StageError{Iteration: idx, Stage: models.StageTrained, Err: err}
	}

	if err := c.stateMgr.CompleteIteration(idx, checkpointOut); err != nil {
		return fmt.Errorf("failed to persist iteration completion: %w", err)
	}
	c.stateMgr.AddStats(counts)
	if c.collector != nil {
		c.collector.IncrementIterations()
	}

	iterLogger.Info("Iteration complete",
		"prompts", counts.Prompts,
		"candidates", counts.Candidates,
		"scored", counts.Scored,
		"excluded", counts.ExcludedGroups,
		"pairs", counts.Pairs,
		"skipped", counts.Skipped,
		"checkpoint_out", checkpointOut,
		"duration", time.Since(iterStart))

	return nil
}

// checkpointFor resolves an iteration's input checkpoint: the configured
// base model for the first iteration, otherwise the previous iteration's
// persisted output. On resume the recorded input wins.
func (c *Controller) checkpointFor(rs *models.RunState, idx int) (string, error) {
	if it := rs.Iteration(idx); it != nil && it.CheckpointIn != "" {
		return it.CheckpointIn, nil
	}
	if idx == rs.InitialIteration {
		return c.cfg.Models["policy"].ModelName, nil
	}

	prev := rs.Iteration(idx - 1)
	if prev == nil || !prev.Checkpointed() {
		return "", fmt.Errorf("iteration %d cannot start: iteration %d has no persisted checkpoint", idx, idx-1)
	}
	return prev.CheckpointOut, nil
}

func (c *Controller) generate(ctx context.Context, idx int, iterDir, datasetPath string, logger *slog.Logger) ([]models.GenerationBatch, error) {
	start := time.Now()

	prompts, err := c.loader.LoadPrompts(datasetPath)
	if err != nil {
		return nil, err
	}

	policy := c.cfg.Models["policy"]
	sampling := models.SamplingConfig{
		Model:        policy.ModelName,
		NumSequences: c.cfg.Pipeline.NumOutputSequences,
		Temperature:  policy.Temperature,
		TopP:         policy.TopP,
		MaxTokens:    policy.MaxOutputTokens,
		Seed:         c.cfg.Pipeline.Seed,
	}

	batches, err := c.generator.Generate(ctx, prompts, sampling)
	if err != nil {
		return nil, err
	}

	if err := writer.WriteGenerations(iterDir, batches, logger); err != nil {
		return nil, err
	}
	if err := c.stateMgr.MarkStage(idx, models.StageGenerated); err != nil {
		return nil, err
	}
	if c.collector != nil {
		c.collector.RecordStageDuration("generate", time.Since(start))
	}
	return batches, nil
}

func (c *Controller) score(ctx context.Context, idx int, iterDir string, batches []models.GenerationBatch, counts *models.IterationCounts, logger *slog.Logger) ([]models.ScoredGroup, error) {
	start := time.Now()

	groups, excluded, err := c.scorer.Score(ctx, batches)
	if err != nil {
		return nil, err
	}

	if err := writer.WriteScored(iterDir, groups, excluded, logger); err != nil {
		return nil, err
	}
	if err := c.stateMgr.MarkStage(idx, models.StageScored); err != nil {
		return nil, err
	}

	scored := 0
	for _, g := range groups {
		scored += len(g.Candidates)
	}
	counts.Scored = scored
	counts.ExcludedGroups = len(excluded)
	_ = c.stateMgr.SetCounts(idx, *counts)

	if c.collector != nil {
		c.collector.RecordStageDuration("score", time.Since(start))
	}
	return groups, nil
}

func (c *Controller) pair(idx int, iterDir string, groups []models.ScoredGroup, counts *models.IterationCounts, logger *slog.Logger) ([]models.PreferencePair, error) {
	start := time.Now()

	pairs, skipped := c.builder.Build(groups)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no valid preference pairs (groups=%d skipped=%d)", len(groups), len(skipped))
	}

	if _, err := writer.WritePairs(iterDir, pairs, logger); err != nil {
		return nil, err
	}
	if err := c.stateMgr.MarkStage(idx, models.StagePaired); err != nil {
		return nil, err
	}

	counts.Pairs = len(pairs)
	counts.Skipped += len(skipped)
	_ = c.stateMgr.SetCounts(idx, *counts)

	if c.collector != nil {
		c.collector.RecordStageDuration("pair", time.Since(start))
	}
	return pairs, nil
}

func (c *Controller) train(ctx context.Context, idx int, iterDir, checkpointIn string, pairCount int, logger *slog.Logger) (string, error) {
	start := time.Now()

	job := models.TrainJob{
		Iteration:           idx,
		PairsPath:           writer.PairsPath(iterDir),
		PairCount:           pairCount,
		PolicyCheckpoint:    checkpointIn,
		ReferenceCheckpoint: c.cfg.Models["reference"].ModelName,
		OutputDir:           c.runMgr.ModelOutputDir(idx),
		Beta:                c.cfg.Trainer.Beta,
		LossType:            c.cfg.Trainer.LossType,
		NumTrainEpochs:      c.cfg.Trainer.NumTrainEpochs,
		LearningRate:        c.cfg.Trainer.LearningRate,
		MaskPrompt:          c.cfg.Pipeline.MaskPrompt,
		MarginScale:         c.cfg.Pipeline.MarginScale,
	}

	logger.Info("Training stage starting", "pairs", pairCount, "output_dir", job.OutputDir)

	checkpointOut, err := c.trainer.Train(ctx, job)
	if err != nil {
		return "", err
	}

	if err := c.stateMgr.MarkStage(idx, models.StageTrained); err != nil {
		return "", err
	}
	if c.collector != nil {
		c.collector.RecordStageDuration("train", time.Since(start))
	}
	return checkpointOut, nil
}
