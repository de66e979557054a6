package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			DatasetPaths:         []string{"data/iter0.jsonl", "data/iter1.jsonl", "data/iter2.jsonl"},
			InitialIterIdx:       0,
			NumOutputSequences:   4,
			SamplingPairedMethod: models.StrategyMaxMin,
			MarginScale:          1.0,
			Seed:                 42,
		},
	}
}

func TestManager_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := NewManager(dir, cfg, testLogger())

	if err := m.BeginIteration(0, "data/iter0.jsonl", "base-model"); err != nil {
		t.Fatalf("BeginIteration failed: %v", err)
	}
	if err := m.MarkStage(0, models.StageGenerated); err != nil {
		t.Fatalf("MarkStage failed: %v", err)
	}
	if err := m.MarkStage(0, models.StageScored); err != nil {
		t.Fatalf("MarkStage failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	it := loaded.Iteration(0)
	if it == nil {
		t.Fatal("Iteration 0 missing after reload")
	}
	if !it.StageDone(models.StageGenerated) || !it.StageDone(models.StageScored) {
		t.Errorf("Expected generated+scored persisted, got %+v", it.CompletedStages)
	}
	if it.StageDone(models.StagePaired) {
		t.Error("paired must not be marked")
	}
	if it.NextStage() != models.StagePaired {
		t.Errorf("NextStage = %q, want paired", it.NextStage())
	}
	if it.CheckpointIn != "base-model" {
		t.Errorf("CheckpointIn = %q, want base-model", it.CheckpointIn)
	}
}

func TestManager_PersistedStateKeepsSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := NewManager(dir, cfg, testLogger())
	if err := m.BeginIteration(0, "data/iter0.jsonl", "base-model"); err != nil {
		t.Fatalf("BeginIteration failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rs, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rs.Version != models.StateVersion {
		t.Fatalf("persisted version = %d, want %d", rs.Version, models.StateVersion)
	}
	if err := Validate(rs, cfg); err != nil {
		t.Fatalf("reloaded state must validate for resume: %v", err)
	}
}

func TestManager_StaleSnapshotNeverOverwritesNewer(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := NewManager(dir, cfg, testLogger())
	defer func() { _ = m.Close() }()

	_ = m.BeginIteration(0, "data/iter0.jsonl", "base-model")
	stale := m.GetState()

	if err := m.MarkStage(0, models.StageGenerated); err != nil {
		t.Fatalf("MarkStage failed: %v", err)
	}

	// A write queued before the stage mark carries an older revision and
	// must be dropped, not flushed over the newer file
	if err := m.writeToDisk(stale, 1); err != nil {
		t.Fatalf("writeToDisk failed: %v", err)
	}

	rs, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rs.Iteration(0).StageDone(models.StageGenerated) {
		t.Error("stale snapshot rolled state.json back past a stage mark")
	}
}

func TestManager_CompleteIterationRecordsLineage(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testConfig(), testLogger())
	defer func() { _ = m.Close() }()

	_ = m.BeginIteration(0, "data/iter0.jsonl", "base-model")
	for _, s := range models.StageOrder {
		_ = m.MarkStage(0, s)
	}
	if err := m.CompleteIteration(0, filepath.Join(dir, "models", "iter_0000")); err != nil {
		t.Fatalf("CompleteIteration failed: %v", err)
	}

	rs := m.GetState()
	it := rs.Iteration(0)
	if !it.Checkpointed() {
		t.Fatal("Iteration 0 should be checkpointed")
	}
	if it.CheckpointOut == "" {
		t.Fatal("CheckpointOut not recorded")
	}

	// Next iteration input must be this iteration's output
	_ = m.BeginIteration(1, "data/iter1.jsonl", it.CheckpointOut)
	rs = m.GetState()
	if rs.Iteration(1).CheckpointIn != it.CheckpointOut {
		t.Errorf("lineage broken: iter1 in=%q, iter0 out=%q", rs.Iteration(1).CheckpointIn, it.CheckpointOut)
	}
}

func TestManager_StageMarksMonotonic(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testConfig(), testLogger())
	defer func() { _ = m.Close() }()

	_ = m.BeginIteration(0, "data/iter0.jsonl", "ckpt")
	_ = m.MarkStage(0, models.StageGenerated)

	// Re-entering the iteration keeps existing marks
	_ = m.BeginIteration(0, "data/iter0.jsonl", "ckpt")
	if !m.GetState().Iteration(0).StageDone(models.StageGenerated) {
		t.Error("Stage mark lost after re-entering iteration")
	}
}

func TestValidate_ConfigHashMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := NewManager(dir, cfg, testLogger())
	_ = m.SaveSync()
	_ = m.Close()

	rs, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Validate(rs, cfg); err != nil {
		t.Fatalf("Validate with matching config failed: %v", err)
	}

	changed := testConfig()
	changed.Pipeline.MarginScale = 2.0
	if err := Validate(rs, changed); err == nil {
		t.Error("Expected validation failure for changed margin_scale")
	}

	reordered := testConfig()
	reordered.Pipeline.DatasetPaths = []string{"data/iter1.jsonl", "data/iter0.jsonl", "data/iter2.jsonl"}
	if err := Validate(rs, reordered); err == nil {
		t.Error("Expected validation failure for reordered dataset list")
	}
}

func TestValidate_CompleteRunNotResumable(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := NewManager(dir, cfg, testLogger())
	_ = m.MarkComplete(models.RunStats{})
	_ = m.Close()

	rs, _ := Load(dir, testLogger())
	if err := Validate(rs, cfg); err == nil {
		t.Error("Expected validation failure for a complete run")
	}
}

func TestFirstIncompleteIteration(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Pipeline.InitialIterIdx = 1

	m := NewManager(dir, cfg, testLogger())
	defer func() { _ = m.Close() }()

	rs := m.GetState()
	if got := FirstIncompleteIteration(rs); got != 1 {
		t.Errorf("fresh run: FirstIncompleteIteration = %d, want initial index 1", got)
	}

	_ = m.BeginIteration(1, "data/iter1.jsonl", "ckpt")
	for _, s := range models.StageOrder {
		_ = m.MarkStage(1, s)
	}
	_ = m.CompleteIteration(1, "out1")

	rs = m.GetState()
	if got := FirstIncompleteIteration(rs); got != 2 {
		t.Errorf("after iter1: FirstIncompleteIteration = %d, want 2", got)
	}

	_ = m.BeginIteration(2, "data/iter2.jsonl", "out1")
	for _, s := range models.StageOrder {
		_ = m.MarkStage(2, s)
	}
	_ = m.CompleteIteration(2, "out2")

	rs = m.GetState()
	if got := FirstIncompleteIteration(rs); got != 3 {
		t.Errorf("all done: FirstIncompleteIteration = %d, want past-the-end 3", got)
	}
}

func TestLatestRunDir(t *testing.T) {
	outputDir := t.TempDir()

	mkRun := func(name string, withState bool) {
		dir := filepath.Join(outputDir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if withState {
			if err := os.WriteFile(filepath.Join(dir, StateFilename), []byte("{}"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}

	mkRun("run_2026-08-20T09-15-00", true)
	mkRun("run_2026-08-21T10-00-00", true)
	mkRun("run_2026-08-22T11-30-00", false) // no state file
	mkRun("not_a_run", true)

	latest, err := LatestRunDir(outputDir)
	if err != nil {
		t.Fatalf("LatestRunDir failed: %v", err)
	}
	if latest != "run_2026-08-21T10-00-00" {
		t.Errorf("LatestRunDir = %q, want the newest directory with a state file", latest)
	}
}
