package reward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(batchSize int) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			RewardBatchSize:    batchSize,
			NumOutputSequences: 2,
		},
	}
}

// fakeRewardModel records every chunk it receives and serves rewards from
// a per-text lookup
type fakeRewardModel struct {
	chunks  [][]string
	rewards map[string]models.RewardValue
	err     error
}

func (f *fakeRewardModel) Score(_ context.Context, texts []string) ([]models.RewardValue, error) {
	f.chunks = append(f.chunks, texts)
	if f.err != nil {
		return nil, f.err
	}
	values := make([]models.RewardValue, len(texts))
	for i, text := range texts {
		if v, ok := f.rewards[text]; ok {
			values[i] = v
		} else {
			values[i] = models.RewardValue{Reward: 0.5, NumTokens: 10}
		}
	}
	return values, nil
}

func makeBatches(n, candidates int) []models.GenerationBatch {
	batches := make([]models.GenerationBatch, n)
	for i := range batches {
		cands := make([]string, candidates)
		for j := range cands {
			cands[j] = batchText(i, j)
		}
		batches[i] = models.GenerationBatch{
			PromptID:    promptID(i),
			PromptIndex: i,
			PromptText:  "prompt",
			Candidates:  cands,
		}
	}
	return batches
}

func promptID(i int) string { return string(rune('a' + i)) }

func batchText(i, j int) string { return promptID(i) + "-cand-" + string(rune('0'+j)) }

func TestScoreChunksByGroupCount(t *testing.T) {
	fake := &fakeRewardModel{rewards: map[string]models.RewardValue{}}
	s := New(fake, testConfig(2), nil, testLogger())

	batches := makeBatches(5, 2)
	groups, excluded, err := s.Score(context.Background(), batches)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if len(groups) != 5 || len(excluded) != 0 {
		t.Fatalf("groups=%d excluded=%d, want 5/0", len(groups), len(excluded))
	}

	// 5 groups of 2 candidates in chunks of 2 groups: 4+4+2 texts
	wantChunks := []int{4, 4, 2}
	if len(fake.chunks) != len(wantChunks) {
		t.Fatalf("chunk count = %d, want %d", len(fake.chunks), len(wantChunks))
	}
	for i, want := range wantChunks {
		if len(fake.chunks[i]) != want {
			t.Errorf("chunk %d has %d texts, want %d", i, len(fake.chunks[i]), want)
		}
	}

	// Candidate order within each group survives the flatten/unflatten
	g := groups[3]
	for j, c := range g.Candidates {
		if c.CandidateIndex != j {
			t.Errorf("candidate %d has index %d", j, c.CandidateIndex)
		}
		if c.Text != batchText(3, j) {
			t.Errorf("candidate %d text = %q, want %q", j, c.Text, batchText(3, j))
		}
	}
}

func TestScoreUpcastsRewards(t *testing.T) {
	fake := &fakeRewardModel{rewards: map[string]models.RewardValue{
		batchText(0, 0): {Reward: float32(0.1), NumTokens: 7},
		batchText(0, 1): {Reward: float32(0.3), NumTokens: 9},
	}}
	s := New(fake, testConfig(4), nil, testLogger())

	groups, _, err := s.Score(context.Background(), makeBatches(1, 2))
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	c := groups[0].Candidates[0]
	if c.Reward != float64(float32(0.1)) {
		t.Errorf("Reward = %v, want the float32 value widened, not re-rounded", c.Reward)
	}
	if c.TokenLength != 7 {
		t.Errorf("TokenLength = %d, want 7", c.TokenLength)
	}
}

func TestScoreExcludesNonFiniteGroups(t *testing.T) {
	fake := &fakeRewardModel{rewards: map[string]models.RewardValue{
		batchText(1, 0): {Reward: float32(math.NaN())},
		batchText(2, 1): {Reward: float32(math.Inf(1))},
	}}
	s := New(fake, testConfig(4), nil, testLogger())

	groups, excluded, err := s.Score(context.Background(), makeBatches(4, 2))
	if err != nil {
		t.Fatalf("Score must not fail on non-finite rewards: %v", err)
	}
	if len(groups) != 2 {
		t.Errorf("groups = %d, want 2 (prompts 0 and 3)", len(groups))
	}
	if len(excluded) != 2 {
		t.Fatalf("excluded = %d, want 2", len(excluded))
	}
	for _, skip := range excluded {
		if skip.Reason != models.SkipReasonIncompleteRewards {
			t.Errorf("skip reason = %q, want %q", skip.Reason, models.SkipReasonIncompleteRewards)
		}
	}
	// One bad candidate poisons its whole group, not just itself
	for _, g := range groups {
		if g.PromptIndex == 1 || g.PromptIndex == 2 {
			t.Errorf("group %d should have been excluded", g.PromptIndex)
		}
	}
}

func TestScoreTransportFailureAborts(t *testing.T) {
	fake := &fakeRewardModel{err: errors.New("connection refused")}
	s := New(fake, testConfig(4), nil, testLogger())

	_, _, err := s.Score(context.Background(), makeBatches(2, 2))
	if err == nil {
		t.Fatal("Score should fail when the reward service is unreachable")
	}
}

func TestScoreCountMismatchAborts(t *testing.T) {
	fake := &truncatingRewardModel{}
	s := New(fake, testConfig(4), nil, testLogger())

	_, _, err := s.Score(context.Background(), makeBatches(2, 2))
	if err == nil {
		t.Fatal("Score should fail when the service returns too few rewards")
	}
}

type truncatingRewardModel struct{}

func (truncatingRewardModel) Score(_ context.Context, texts []string) ([]models.RewardValue, error) {
	return make([]models.RewardValue, len(texts)-1), nil
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{0.2, 0.4, 0.6})
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.Min != 0.2 || s.Max != 0.6 {
		t.Errorf("Min/Max = %v/%v, want 0.2/0.6", s.Min, s.Max)
	}
	if math.Abs(s.Mean-0.4) > 1e-12 {
		t.Errorf("Mean = %v, want 0.4", s.Mean)
	}
	if s.StdDev <= 0 {
		t.Errorf("StdDev = %v, want > 0", s.StdDev)
	}

	empty := Summarize(nil)
	if empty.Count != 0 || empty.Min != 0 {
		t.Errorf("Empty summary = %+v, want zero value", empty)
	}

	single := Summarize([]float64{1.5})
	if single.StdDev != 0 {
		t.Errorf("Single-value StdDev = %v, want 0", single.StdDev)
	}
}
