// Package trainer submits DPO training jobs to the external training
// service and blocks until they reach a terminal status. The pipeline owns
// the job contract (pair schema, reference checkpoint presence, output
// naming); the service owns the loss computation and optimizer.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

// Job statuses reported by the training service
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobError reports a training job that reached a failed terminal status or
// never reached one before the timeout. Fatal to the iteration.
type JobError struct {
	JobID     string
	Iteration int
	Reason    string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("training job %s (iteration %d) failed: %s", e.JobID, e.Iteration, e.Reason)
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	CheckpointPath string  `json:"checkpoint_path,omitempty"`
	Error          string  `json:"error,omitempty"`
	Progress       float64 `json:"progress,omitempty"`
}

// Client talks to the training service
type Client struct {
	http         *resty.Client
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       *slog.Logger
}

// New creates a trainer client from configuration
func New(cfg *config.Config, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.Trainer.BaseURL).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second)

	return &Client{
		http:         http,
		pollInterval: time.Duration(cfg.Trainer.PollIntervalSeconds) * time.Second,
		jobTimeout:   time.Duration(cfg.Trainer.JobTimeoutMinutes) * time.Minute,
		logger:       logger.With("component", "trainer"),
	}
}

// Train submits one training job and polls until it completes, returning
// the path of the new policy checkpoint. The reference checkpoint is
// required: DPO regularizes against it, so a job without one is rejected
// before it reaches the service.
func (c *Client) Train(ctx context.Context, job models.TrainJob) (string, error) {
	if job.ReferenceCheckpoint == "" {
		return "", fmt.Errorf("training job for iteration %d has no reference checkpoint", job.Iteration)
	}
	if job.PairsPath == "" || job.PairCount == 0 {
		return "", fmt.Errorf("training job for iteration %d has no preference pairs", job.Iteration)
	}

	jobID, err := c.submit(ctx, job)
	if err != nil {
		return "", err
	}

	c.logger.Info("Training job submitted",
		"job_id", jobID,
		"iteration", job.Iteration,
		"pairs", job.PairCount,
		"policy_checkpoint", job.PolicyCheckpoint,
		"output_dir", job.OutputDir)

	return c.waitForCompletion(ctx, jobID, job.Iteration)
}

func (c *Client) submit(ctx context.Context, job models.TrainJob) (string, error) {
	var out submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(job).
		SetResult(&out).
		Post("/v1/jobs")
	if err != nil {
		return "", fmt.Errorf("failed to submit training job: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("training service rejected job (status %d): %s", resp.StatusCode(), resp.String())
	}
	if out.JobID == "" {
		return "", fmt.Errorf("training service returned no job id")
	}
	return out.JobID, nil
}

// waitForCompletion polls the job until it reaches a terminal status. A
// transient polling failure is retried on the next tick; only the service
// reporting failure, or the timeout, ends the wait unsuccessfully.
func (c *Client) waitForCompletion(ctx context.Context, jobID string, iteration int) (string, error) {
	deadline := time.NewTimer(c.jobTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", &JobError{JobID: jobID, Iteration: iteration, Reason: fmt.Sprintf("no terminal status after %s", c.jobTimeout)}
		case <-ticker.C:
			status, err := c.pollStatus(ctx, jobID)
			if err != nil {
				c.logger.Warn("Training job poll failed, will retry", "job_id", jobID, "error", err)
				continue
			}

			switch status.Status {
			case StatusCompleted:
				if status.CheckpointPath == "" {
					return "", &JobError{JobID: jobID, Iteration: iteration, Reason: "completed without a checkpoint path"}
				}
				c.logger.Info("Training job completed",
					"job_id", jobID,
					"checkpoint", status.CheckpointPath)
				return status.CheckpointPath, nil
			case StatusFailed:
				reason := status.Error
				if reason == "" {
					reason = "unspecified failure"
				}
				return "", &JobError{JobID: jobID, Iteration: iteration, Reason: reason}
			case StatusPending, StatusRunning:
				c.logger.Debug("Training job in progress",
					"job_id", jobID,
					"status", status.Status,
					"progress", status.Progress)
			default:
				c.logger.Warn("Training job reported unknown status", "job_id", jobID, "status", status.Status)
			}
		}
	}
}

func (c *Client) pollStatus(ctx context.Context, jobID string) (*jobStatusResponse, error) {
	var out jobStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}
