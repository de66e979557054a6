package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGenerator fabricates candidates from the prompt text. A non-empty
// failOn makes that prompt fail. Variable sleeps shuffle shard completion
// order.
type fakeGenerator struct {
	failOn string

	mu    sync.Mutex
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, sampling models.SamplingConfig) ([]string, models.GenerationMeta, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	time.Sleep(time.Duration(call%3) * time.Millisecond)

	if f.failOn != "" && prompt == f.failOn {
		return nil, models.GenerationMeta{}, errors.New("backend exploded")
	}

	n := sampling.NumSequences
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("%s-candidate-%d", prompt, i)
	}
	return texts, models.GenerationMeta{Model: "fake-model", SamplingMode: "sampling"}, nil
}

func testConfig(instances int, strip bool) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			NumInferenceInstances: instances,
			StripReasoningTags:    strip,
		},
	}
}

func makePrompts(n int) []models.Prompt {
	prompts := make([]models.Prompt, n)
	for i := range prompts {
		prompts[i] = models.Prompt{ID: fmt.Sprintf("prompt-%03d", i), Text: fmt.Sprintf("text %d", i)}
	}
	return prompts
}

func TestShardBounds(t *testing.T) {
	tests := []struct {
		n, k      int
		wantSizes []int
	}{
		{n: 10, k: 3, wantSizes: []int{4, 3, 3}},
		{n: 7, k: 4, wantSizes: []int{2, 2, 2, 1}},
		{n: 5, k: 5, wantSizes: []int{1, 1, 1, 1, 1}},
		{n: 3, k: 1, wantSizes: []int{3}},
		{n: 6, k: 3, wantSizes: []int{2, 2, 2}},
	}

	for _, tt := range tests {
		next := 0
		for i := 0; i < tt.k; i++ {
			start, end := shardBounds(tt.n, tt.k, i)
			if start != next {
				t.Errorf("n=%d k=%d shard %d: start=%d, want %d (shards must be contiguous)", tt.n, tt.k, i, start, next)
			}
			if size := end - start; size != tt.wantSizes[i] {
				t.Errorf("n=%d k=%d shard %d: size=%d, want %d", tt.n, tt.k, i, size, tt.wantSizes[i])
			}
			next = end
		}
		if next != tt.n {
			t.Errorf("n=%d k=%d: shards cover [0,%d), want [0,%d)", tt.n, tt.k, next, tt.n)
		}
	}
}

func TestGenerate_MergesByPromptIndex(t *testing.T) {
	gen := &fakeGenerator{}
	coord := New(gen, testConfig(3, false), nil, testLogger())

	prompts := makePrompts(10)
	sampling := models.SamplingConfig{NumSequences: 4, Temperature: 1.0, TopP: 1.0}

	batches, err := coord.Generate(context.Background(), prompts, sampling)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(batches) != len(prompts) {
		t.Fatalf("Expected %d batches, got %d", len(prompts), len(batches))
	}

	for i, batch := range batches {
		if batch.PromptID != prompts[i].ID {
			t.Errorf("batches[%d].PromptID = %q, want %q (merge must follow prompt order)", i, batch.PromptID, prompts[i].ID)
		}
		if batch.PromptIndex != i {
			t.Errorf("batches[%d].PromptIndex = %d, want %d", i, batch.PromptIndex, i)
		}
		if len(batch.Candidates) != 4 {
			t.Errorf("batches[%d] has %d candidates, want 4", i, len(batch.Candidates))
		}
		if batch.Meta.Shard < 0 || batch.Meta.Shard >= 3 {
			t.Errorf("batches[%d].Meta.Shard = %d, want in [0,3)", i, batch.Meta.Shard)
		}
	}

	if gen.calls != 10 {
		t.Errorf("Expected 10 generator calls, got %d", gen.calls)
	}
}

func TestGenerate_ShardFailureAbortsCall(t *testing.T) {
	gen := &fakeGenerator{failOn: "text 5"}
	coord := New(gen, testConfig(3, false), nil, testLogger())

	batches, err := coord.Generate(context.Background(), makePrompts(9), models.SamplingConfig{NumSequences: 2})
	if err == nil {
		t.Fatal("Expected error when a shard fails")
	}
	if batches != nil {
		t.Error("Expected no partial results on shard failure")
	}

	var shardErr *ShardFailure
	if !errors.As(err, &shardErr) {
		t.Fatalf("Expected *ShardFailure, got %T: %v", err, err)
	}
	if shardErr.Shard != 1 {
		t.Errorf("Expected failure in shard 1 (prompt 5 of 9 over 3 shards), got shard %d", shardErr.Shard)
	}
	if !strings.Contains(err.Error(), "backend exploded") {
		t.Errorf("Expected wrapped cause in error, got: %v", err)
	}
}

func TestGenerate_StripsReasoningTags(t *testing.T) {
	gen := &thinkingGenerator{}
	coord := New(gen, testConfig(1, true), nil, testLogger())

	batches, err := coord.Generate(context.Background(), makePrompts(1), models.SamplingConfig{NumSequences: 2})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i, candidate := range batches[0].Candidates {
		if strings.Contains(candidate, "<think>") {
			t.Errorf("Candidate %d still contains think tags: %q", i, candidate)
		}
	}
	if batches[0].Candidates[0] != "final answer" {
		t.Errorf("Candidate 0 = %q, want 'final answer'", batches[0].Candidates[0])
	}
}

// thinkingGenerator emits candidates wrapped in reasoning tags
type thinkingGenerator struct{}

func (g *thinkingGenerator) Generate(_ context.Context, _ string, sampling models.SamplingConfig) ([]string, models.GenerationMeta, error) {
	texts := make([]string, sampling.NumSequences)
	for i := range texts {
		texts[i] = "<think>internal deliberation</think>final answer"
	}
	return texts, models.GenerationMeta{}, nil
}

func TestGenerate_EmptyPrompts(t *testing.T) {
	coord := New(&fakeGenerator{}, testConfig(2, false), nil, testLogger())

	_, err := coord.Generate(context.Background(), nil, models.SamplingConfig{NumSequences: 2})
	if err == nil {
		t.Fatal("Expected error for empty prompt list")
	}
}

func TestGenerate_MoreShardsThanPrompts(t *testing.T) {
	gen := &fakeGenerator{}
	coord := New(gen, testConfig(8, false), nil, testLogger())

	batches, err := coord.Generate(context.Background(), makePrompts(3), models.SamplingConfig{NumSequences: 2})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	for i, batch := range batches {
		if batch.PromptIndex != i {
			t.Errorf("batches[%d].PromptIndex = %d, want %d", i, batch.PromptIndex, i)
		}
	}
}
