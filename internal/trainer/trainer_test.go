package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// trainService fakes the training service: submission returns a job id,
// then status polls walk through the scripted status sequence.
type trainService struct {
	mu        sync.Mutex
	statuses  []jobStatusResponse
	polls     int
	submitted []models.TrainJob
}

func (s *trainService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var job models.TrainJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("Bad job body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.submitted = append(s.submitted, job)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(submitResponse{JobID: "job-001"})
	})
	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.mu.Lock()
		idx := s.polls
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		status := s.statuses[idx]
		s.polls++
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

func testJob() models.TrainJob {
	return models.TrainJob{
		Iteration:           0,
		PairsPath:           "/runs/run_x/iterations/iter_0000/pairs.jsonl",
		PairCount:           128,
		PolicyCheckpoint:    "base-model",
		ReferenceCheckpoint: "base-model",
		OutputDir:           "/runs/run_x/models/iter_0000",
		Beta:                0.1,
		LossType:            models.LossSigmoid,
		NumTrainEpochs:      1,
		LearningRate:        5e-7,
	}
}

func testClient(baseURL string) *Client {
	cfg := &config.Config{
		Trainer: config.TrainerConfig{
			BaseURL:             baseURL,
			PollIntervalSeconds: 1,
			JobTimeoutMinutes:   1,
		},
	}
	c := New(cfg, testLogger())
	// Tests poll fast
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestTrain_CompletesAndReturnsCheckpoint(t *testing.T) {
	svc := &trainService{
		statuses: []jobStatusResponse{
			{JobID: "job-001", Status: StatusPending},
			{JobID: "job-001", Status: StatusRunning, Progress: 0.5},
			{JobID: "job-001", Status: StatusCompleted, CheckpointPath: "/runs/run_x/models/iter_0000"},
		},
	}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	checkpoint, err := testClient(srv.URL).Train(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if checkpoint != "/runs/run_x/models/iter_0000" {
		t.Errorf("checkpoint = %q, want the service-reported path", checkpoint)
	}

	if len(svc.submitted) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(svc.submitted))
	}
	if svc.submitted[0].ReferenceCheckpoint != "base-model" {
		t.Errorf("Reference checkpoint missing from submitted job")
	}
}

func TestTrain_FailedJobReturnsJobError(t *testing.T) {
	svc := &trainService{
		statuses: []jobStatusResponse{
			{JobID: "job-001", Status: StatusRunning},
			{JobID: "job-001", Status: StatusFailed, Error: "loss diverged"},
		},
	}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	_, err := testClient(srv.URL).Train(context.Background(), testJob())
	if err == nil {
		t.Fatal("Expected error for failed job")
	}

	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Expected *JobError, got %T: %v", err, err)
	}
	if jobErr.Reason != "loss diverged" {
		t.Errorf("Reason = %q, want service-reported reason", jobErr.Reason)
	}
}

func TestTrain_RejectsMissingReference(t *testing.T) {
	job := testJob()
	job.ReferenceCheckpoint = ""

	_, err := testClient("http://127.0.0.1:1").Train(context.Background(), job)
	if err == nil {
		t.Fatal("Expected client-side rejection without reference checkpoint")
	}
}

func TestTrain_RejectsEmptyPairs(t *testing.T) {
	job := testJob()
	job.PairCount = 0

	_, err := testClient("http://127.0.0.1:1").Train(context.Background(), job)
	if err == nil {
		t.Fatal("Expected client-side rejection without pairs")
	}
}

func TestTrain_CompletedWithoutCheckpointIsError(t *testing.T) {
	svc := &trainService{
		statuses: []jobStatusResponse{
			{JobID: "job-001", Status: StatusCompleted},
		},
	}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	_, err := testClient(srv.URL).Train(context.Background(), testJob())
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Expected *JobError, got %v", err)
	}
}
