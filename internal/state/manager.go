// Package state persists the run's iteration progress to state.json in the
// run directory. Saves at stage boundaries are synchronous so a crash can
// never observe a stage marked complete before its artifact exists; interim
// saves go through an async writer that coalesces bursts.
package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/pkg/models"
)

const StateFilename = "state.json"

// Manager owns the run's persisted state document
type Manager struct {
	runDir string
	state  *models.RunState
	rev    uint64 // bumped under mu on every snapshot
	mu     sync.RWMutex
	logger *slog.Logger

	writeChan      chan pendingWrite
	writeWg        sync.WaitGroup
	stopWriter     chan struct{}
	writerErr      error
	errMu          sync.Mutex
	writeMu        sync.Mutex // serializes disk writes
	lastWrittenRev uint64     // guarded by writeMu
}

// pendingWrite pairs a snapshot with its revision so a queued write that
// lands after a newer SaveSync cannot roll state.json back.
type pendingWrite struct {
	rs  *models.RunState
	rev uint64
}

// NewManager creates state for a fresh run
func NewManager(runDir string, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		runDir: runDir,
		state: &models.RunState{
			Version:          models.StateVersion,
			RunID:            uuid.New().String(),
			CreatedAt:        time.Now(),
			Status:           models.RunStatusRunning,
			InitialIteration: cfg.Pipeline.InitialIterIdx,
			CurrentIteration: cfg.Pipeline.InitialIterIdx,
			DatasetPaths:     append([]string{}, cfg.Pipeline.DatasetPaths...),
			Iterations:       make(map[int]*models.IterationState),
			ConfigHash:       ComputeConfigHash(cfg),
			Stats:            models.RunStats{StartTime: time.Now()},
		},
		logger:     logger,
		writeChan:  make(chan pendingWrite, 10),
		stopWriter: make(chan struct{}),
	}
	m.startAsyncWriter()
	return m
}

// NewManagerFromState creates a manager around a previously persisted state
func NewManagerFromState(runDir string, rs *models.RunState, logger *slog.Logger) *Manager {
	m := &Manager{
		runDir:     runDir,
		state:      rs,
		logger:     logger,
		writeChan:  make(chan pendingWrite, 10),
		stopWriter: make(chan struct{}),
	}
	m.startAsyncWriter()
	return m
}

func (m *Manager) startAsyncWriter() {
	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()
		for {
			select {
			case pw := <-m.writeChan:
				if err := m.writeToDisk(pw.rs, pw.rev); err != nil {
					m.errMu.Lock()
					m.writerErr = err
					m.errMu.Unlock()
					m.logger.Error("Failed to write state", "error", err)
				}
			case <-m.stopWriter:
				// Drain queued writes before stopping
				for len(m.writeChan) > 0 {
					pw := <-m.writeChan
					if err := m.writeToDisk(pw.rs, pw.rev); err != nil {
						m.logger.Error("Failed to write state during shutdown", "error", err)
					}
				}
				return
			}
		}
	}()
}

// writeToDisk marshals the state and renames it into place atomically.
// Snapshots older than the last written revision are dropped.
func (m *Manager) writeToDisk(rs *models.RunState, rev uint64) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if rev <= m.lastWrittenRev {
		m.logger.Debug("Skipping stale state snapshot", "rev", rev, "last_written", m.lastWrittenRev)
		return nil
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	statePath := filepath.Join(m.runDir, StateFilename)
	tempPath := statePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state: %w", err)
	}
	if err := os.Rename(tempPath, statePath); err != nil {
		return fmt.Errorf("failed to rename state: %w", err)
	}
	m.lastWrittenRev = rev

	m.logger.Debug("State saved", "path", statePath, "iteration", rs.CurrentIteration)
	return nil
}

// Save queues the state for async write, falling back to a synchronous
// write when the buffer is full
func (m *Manager) Save() error {
	m.mu.Lock()
	m.state.LastSavedAt = time.Now()
	m.rev++
	pw := pendingWrite{rs: m.copyState(), rev: m.rev}
	m.mu.Unlock()

	select {
	case m.writeChan <- pw:
		return nil
	default:
		m.logger.Warn("State write buffer full, writing synchronously")
		return m.writeToDisk(pw.rs, pw.rev)
	}
}

// SaveSync writes the state to disk before returning. Stage transitions use
// this so completed_stages never outruns the artifact files.
func (m *Manager) SaveSync() error {
	m.mu.Lock()
	m.state.LastSavedAt = time.Now()
	m.rev++
	pw := pendingWrite{rs: m.copyState(), rev: m.rev}
	m.mu.Unlock()

	return m.writeToDisk(pw.rs, pw.rev)
}

func (m *Manager) copyState() *models.RunState {
	rs := &models.RunState{
		Version:          m.state.Version,
		RunID:            m.state.RunID,
		CreatedAt:        m.state.CreatedAt,
		LastSavedAt:      m.state.LastSavedAt,
		Status:           m.state.Status,
		InitialIteration: m.state.InitialIteration,
		CurrentIteration: m.state.CurrentIteration,
		DatasetPaths:     append([]string{}, m.state.DatasetPaths...),
		Iterations:       make(map[int]*models.IterationState, len(m.state.Iterations)),
		Stats:            m.state.Stats,
		ConfigHash:       m.state.ConfigHash,
	}
	for idx, it := range m.state.Iterations {
		itCopy := *it
		itCopy.CompletedStages = make(map[models.Stage]bool, len(it.CompletedStages))
		for s, done := range it.CompletedStages {
			itCopy.CompletedStages[s] = done
		}
		rs.Iterations[idx] = &itCopy
	}
	return rs
}

// Load reads a persisted state document from a run directory
func Load(runDir string, logger *slog.Logger) (*models.RunState, error) {
	statePath := filepath.Join(runDir, StateFilename)

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var rs models.RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if rs.Iterations == nil {
		rs.Iterations = make(map[int]*models.IterationState)
	}

	logger.Info("State loaded",
		"run_id", rs.RunID,
		"status", rs.Status,
		"current_iteration", rs.CurrentIteration)

	return &rs, nil
}

// BeginIteration records the iteration's dataset and input checkpoint.
// Re-entering an iteration on resume keeps the existing record.
func (m *Manager) BeginIteration(idx int, datasetPath, checkpointIn string) error {
	m.mu.Lock()
	if existing, ok := m.state.Iterations[idx]; ok {
		existing.DatasetPath = datasetPath
		existing.CheckpointIn = checkpointIn
	} else {
		m.state.Iterations[idx] = &models.IterationState{
			Index:           idx,
			DatasetPath:     datasetPath,
			CheckpointIn:    checkpointIn,
			CompletedStages: make(map[models.Stage]bool),
			StartedAt:       time.Now(),
		}
	}
	m.state.CurrentIteration = idx
	m.mu.Unlock()

	return m.SaveSync()
}

// MarkStage records a stage as fully persisted for the iteration
func (m *Manager) MarkStage(idx int, stage models.Stage) error {
	m.mu.Lock()
	it, ok := m.state.Iterations[idx]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("iteration %d not started", idx)
	}
	if it.CompletedStages == nil {
		it.CompletedStages = make(map[models.Stage]bool)
	}
	it.CompletedStages[stage] = true
	m.mu.Unlock()

	return m.SaveSync()
}

// SetCounts updates the iteration's summary counters (async save)
func (m *Manager) SetCounts(idx int, counts models.IterationCounts) error {
	m.mu.Lock()
	if it, ok := m.state.Iterations[idx]; ok {
		it.Counts = counts
	}
	m.mu.Unlock()

	return m.Save()
}

// CompleteIteration records the output checkpoint and closes the iteration
func (m *Manager) CompleteIteration(idx int, checkpointOut string) error {
	now := time.Now()

	m.mu.Lock()
	it, ok := m.state.Iterations[idx]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("iteration %d not started", idx)
	}
	it.CheckpointOut = checkpointOut
	it.CompletedAt = &now
	m.state.Stats.IterationsCompleted++
	m.mu.Unlock()

	return m.SaveSync()
}

// MarkComplete closes out the whole run
func (m *Manager) MarkComplete(stats models.RunStats) error {
	m.mu.Lock()
	m.state.Status = models.RunStatusComplete
	m.state.Stats = stats
	m.mu.Unlock()

	return m.SaveSync()
}

// AddStats merges one iteration's counters into the cumulative run stats
func (m *Manager) AddStats(counts models.IterationCounts) {
	m.mu.Lock()
	m.state.Stats.PromptsGenerated += counts.Prompts
	m.state.Stats.CandidatesScored += counts.Scored
	m.state.Stats.GroupsExcluded += counts.ExcludedGroups
	m.state.Stats.PairsEmitted += counts.Pairs
	m.state.Stats.PromptsSkipped += counts.Skipped
	m.mu.Unlock()
}

// GetState returns a read-only copy of the current state
func (m *Manager) GetState() *models.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyState()
}

// Close stops the async writer and reports any write error it saw
func (m *Manager) Close() error {
	close(m.stopWriter)
	m.writeWg.Wait()

	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.writerErr
}

// ComputeConfigHash hashes the config fields that change the meaning of
// persisted artifacts. A resumed run with a different hash would mix
// artifacts produced under different semantics, so resume rejects it.
func ComputeConfigHash(cfg *config.Config) string {
	data := fmt.Sprintf("%s|%d|%d|%s|%g|%g|%g|%t|%d",
		strings.Join(cfg.Pipeline.DatasetPaths, ","),
		cfg.Pipeline.InitialIterIdx,
		cfg.Pipeline.NumOutputSequences,
		cfg.Pipeline.SamplingPairedMethod,
		cfg.Pipeline.MarginScale,
		cfg.Pipeline.LengthPenalty,
		cfg.Pipeline.MinRewardGap,
		cfg.Pipeline.AllowZeroMargin,
		cfg.Pipeline.Seed)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
