package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lamim/alignforge/internal/api"
	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/dataset"
	"github.com/lamim/alignforge/internal/hfhub"
	"github.com/lamim/alignforge/internal/inference"
	"github.com/lamim/alignforge/internal/metrics"
	"github.com/lamim/alignforge/internal/model"
	"github.com/lamim/alignforge/internal/pairing"
	"github.com/lamim/alignforge/internal/pipeline"
	"github.com/lamim/alignforge/internal/reward"
	"github.com/lamim/alignforge/internal/state"
	"github.com/lamim/alignforge/internal/trainer"
	"github.com/lamim/alignforge/internal/writer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	publish    bool
	hfRepoID   string
	verbose    bool
	useLatest  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alignforge",
		Short: "AlignForge - Iterative Preference Alignment Pipeline",
		Long: `AlignForge drives an iterative alignment loop for language models:
sample candidate responses from the current policy, score them with a
reward model, build chosen/rejected preference pairs, and train a new
policy checkpoint. Each iteration's checkpoint becomes the next
iteration's policy.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the alignment pipeline",
		Long: `Run the complete alignment pipeline over the configured datasets:
1. Generate candidate responses for each prompt
2. Score candidates with the reward model
3. Build preference pairs (chosen/rejected with reward margins)
4. Train a new policy checkpoint via the training service
5. Optional: Publish pair datasets to Hugging Face Hub`,
		RunE: runPipeline,
	}

	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().BoolVar(&publish, "publish", false, "Publish pair datasets to Hugging Face Hub after the run")
	runCmd.Flags().StringVar(&hfRepoID, "hf-repo-id", "", "Hugging Face repository ID (e.g., username/dataset-name)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Run state management commands
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Manage run state",
		Long:  "Manage persisted pipeline run state for resuming interrupted runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all available runs",
		Long:  "List all run directories in the output folder that contain persisted state",
		RunE:  listRuns,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <run-dir>",
		Short: "Inspect a run's state",
		Long:  "Display detailed information about a run's persisted state",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectRun,
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [run-dir]",
		Short: "Resume an interrupted run",
		Long:  "Resume a pipeline run from its persisted state, starting at the first incomplete stage",
		Args:  cobra.MaximumNArgs(1),
		RunE:  resumeRun,
	}

	resumeCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	resumeCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	resumeCmd.Flags().BoolVar(&useLatest, "latest", false, "Resume the most recent resumable run")
	resumeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	publishCmd := &cobra.Command{
		Use:   "publish <run-dir>",
		Short: "Publish a run's pair datasets",
		Long:  "Upload a completed run's preference pair datasets to Hugging Face Hub",
		Args:  cobra.ExactArgs(1),
		RunE:  publishRun,
	}

	publishCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	publishCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	publishCmd.Flags().StringVar(&hfRepoID, "hf-repo-id", "", "Hugging Face repository ID (e.g., username/dataset-name)")

	stateCmd.AddCommand(listCmd)
	stateCmd.AddCommand(inspectCmd)
	stateCmd.AddCommand(resumeCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(publishCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	loadEnv()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return runPipelineWithConfig(cfg, secrets)
}

func runPipelineWithConfig(cfg *config.Config, secrets *config.Secrets) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	resumeMode := cfg.Pipeline.ResumeFromRun != ""
	if resumeMode {
		if err := writer.ValidateRunName(cfg.Pipeline.OutputDir, cfg.Pipeline.ResumeFromRun); err != nil {
			return fmt.Errorf("invalid run directory: %w", err)
		}
	}

	runMgr, err := writer.NewRunManager(slog.Default(), cfg.Pipeline.OutputDir, cfg.Pipeline.ResumeFromRun)
	if err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(runMgr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("AlignForge starting",
		"version", Version,
		"config", configPath,
		"run_dir", runMgr.RunDir(),
		"resume_mode", resumeMode)

	if !resumeMode {
		if err := runMgr.BackupConfig(configPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// API client shared by the policy and reward adapters
	apiClient := api.NewClient(logger)
	if len(cfg.ProviderRateLimits) > 0 {
		apiClient.SetProviderRateLimits(cfg.ProviderRateLimits, cfg.ProviderBurstPercent)
		logger.Info("Provider rate limits configured", "providers", cfg.ProviderRateLimits, "burst_percent", cfg.ProviderBurstPercent)
	}

	collector := metrics.NewCollector(logger)
	apiClient.SetMetrics(collector)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
				logger.Error("Metrics listener stopped", "error", err)
			}
		}()
	}

	// Model adapters
	policy, err := model.NewGenerator("policy", cfg.Models["policy"], secrets, apiClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create policy adapter: %w", err)
	}
	rewardModel, err := model.NewScorer("reward", cfg.Models["reward"], secrets, apiClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create reward adapter: %w", err)
	}

	// Stage components
	coordinator := inference.New(policy, cfg, collector, logger)
	scorer := reward.New(rewardModel, cfg, collector, logger)
	builder := pairing.New(cfg, collector, logger)
	trainClient := trainer.New(cfg, logger)
	loader := dataset.NewLoader(cfg.Pipeline.PromptTemplate, logger)

	// Run state
	var stateMgr *state.Manager
	if resumeMode {
		rs, err := state.Load(runMgr.RunDir(), logger)
		if err != nil {
			return fmt.Errorf("failed to load run state: %w", err)
		}
		if err := state.Validate(rs, cfg); err != nil {
			return fmt.Errorf("run state validation failed: %w", err)
		}
		stateMgr = state.NewManagerFromState(runMgr.RunDir(), rs, logger)
		logger.Info("Resuming run",
			"run_id", rs.RunID,
			"completed_iterations", state.CompletedIterations(rs),
			"progress", fmt.Sprintf("%.1f%%", state.ProgressPercentage(rs)))
	} else {
		stateMgr = state.NewManager(runMgr.RunDir(), cfg, logger)
	}

	controller := pipeline.New(cfg, runMgr, stateMgr, loader, coordinator, scorer, builder, trainClient, policy, collector, logger)

	if err := controller.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			runName := filepath.Base(runMgr.RunDir())
			logger.Warn("Pipeline interrupted - run can be resumed",
				"run_dir", runName,
				"resume_command", fmt.Sprintf("alignforge state resume %s", runName))
			return fmt.Errorf("pipeline interrupted (resume with: alignforge state resume %s)", runName)
		}
		return fmt.Errorf("pipeline failed: %w", err)
	}

	rs := stateMgr.GetState()
	logger.Info("Pipeline complete",
		"iterations", rs.Stats.IterationsCompleted,
		"pairs_emitted", rs.Stats.PairsEmitted,
		"duration", rs.Stats.TotalDuration,
		"run_dir", runMgr.RunDir())

	if publish {
		repoID := hfRepoID
		if repoID == "" {
			repoID = cfg.HuggingFace.RepoID
		}
		if repoID == "" {
			return fmt.Errorf("--hf-repo-id must be specified when using --publish")
		}
		if secrets.HuggingFaceToken == "" {
			return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for publishing")
		}

		uploader := hfhub.NewUploader(secrets.HuggingFaceToken, logger)
		if err := uploader.Upload(repoID, runMgr.RunDir()); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
	}

	logger.Info("All done! 🎉")
	return nil
}

// loadEnv loads environment variables from the configured env file.
// A missing file is fine; secrets can come from the environment directly.
func loadEnv() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	} else if verbose {
		fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
	}
}

// listRuns lists all run directories with persisted state
func listRuns(cmd *cobra.Command, args []string) error {
	outputDir := "output"

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No output directory found. Start a run first.")
			return nil
		}
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	var runs []struct {
		name     string
		hasState bool
		status   string
		progress float64
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run_") {
			continue
		}

		runPath := filepath.Join(outputDir, entry.Name())
		statePath := filepath.Join(runPath, state.StateFilename)

		hasState := false
		status := "N/A"
		progress := 0.0

		if _, err := os.Stat(statePath); err == nil {
			hasState = true
			if rs, err := state.Load(runPath, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
				status = string(rs.Status)
				progress = state.ProgressPercentage(rs)
			}
		}

		runs = append(runs, struct {
			name     string
			hasState bool
			status   string
			progress float64
		}{
			name:     entry.Name(),
			hasState: hasState,
			status:   status,
			progress: progress,
		})
	}

	if len(runs) == 0 {
		fmt.Println("No run directories found.")
		return nil
	}

	fmt.Println("Available runs:")
	fmt.Println()
	fmt.Printf("%-30s %-10s %-12s %s\n", "RUN", "STATE", "STATUS", "PROGRESS")
	fmt.Println(strings.Repeat("-", 70))

	for _, r := range runs {
		stateStatus := "No"
		if r.hasState {
			stateStatus = "Yes"
		}
		fmt.Printf("%-30s %-10s %-12s %.1f%%\n", r.name, stateStatus, r.status, r.progress)
	}

	return nil
}

// inspectRun displays detailed information about a run's state
func inspectRun(cmd *cobra.Command, args []string) error {
	runName := args[0]

	if err := writer.ValidateRunName("output", runName); err != nil {
		return fmt.Errorf("invalid run directory: %w", err)
	}

	fullPath := filepath.Join("output", runName)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("run directory not found: %s", runName)
	}

	rs, err := state.Load(fullPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}

	fmt.Printf("Run Information for: %s\n", runName)
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Run ID:              %s\n", rs.RunID)
	fmt.Printf("Created At:          %s\n", rs.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Saved At:       %s\n", rs.LastSavedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Status:              %s\n", rs.Status)
	fmt.Printf("Config Hash:         %s\n", rs.ConfigHash)
	fmt.Println()

	fmt.Printf("Iterations (%d datasets, starting at %d):\n", len(rs.DatasetPaths), rs.InitialIteration)
	for idx := rs.InitialIteration; idx < len(rs.DatasetPaths); idx++ {
		it := rs.Iteration(idx)
		if it == nil {
			fmt.Printf("  %4d  pending        %s\n", idx, rs.DatasetPaths[idx])
			continue
		}
		next := string(it.NextStage())
		if next == "" {
			next = "complete"
		}
		fmt.Printf("  %4d  %-13s %s (pairs: %d, skipped: %d)\n",
			idx, next, it.DatasetPath, it.Counts.Pairs, it.Counts.Skipped)
		if it.CheckpointOut != "" {
			fmt.Printf("        checkpoint: %s\n", it.CheckpointOut)
		}
	}
	fmt.Println()

	fmt.Println("Statistics:")
	fmt.Printf("  Iterations:        %d\n", rs.Stats.IterationsCompleted)
	fmt.Printf("  Prompts:           %d\n", rs.Stats.PromptsGenerated)
	fmt.Printf("  Candidates Scored: %d\n", rs.Stats.CandidatesScored)
	fmt.Printf("  Pairs Emitted:     %d\n", rs.Stats.PairsEmitted)
	fmt.Printf("  Prompts Skipped:   %d\n", rs.Stats.PromptsSkipped)
	fmt.Printf("  Progress:          %.1f%%\n", state.ProgressPercentage(rs))
	fmt.Println()

	if !rs.Complete() {
		fmt.Println("To resume this run:")
		fmt.Printf("  alignforge state resume %s\n", runName)
	} else {
		fmt.Println("This run is complete.")
	}

	return nil
}

// resumeRun resumes a pipeline run from its persisted state
func resumeRun(cmd *cobra.Command, args []string) error {
	loadEnv()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var runName string
	switch {
	case useLatest:
		runName, err = state.LatestRunDir(cfg.Pipeline.OutputDir)
		if err != nil {
			return err
		}
	case len(args) == 1:
		runName = args[0]
	default:
		return fmt.Errorf("specify a run directory or use --latest")
	}

	if err := writer.ValidateRunName(cfg.Pipeline.OutputDir, runName); err != nil {
		return fmt.Errorf("invalid run directory: %w", err)
	}

	fullPath := filepath.Join(cfg.Pipeline.OutputDir, runName)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("run directory not found: %s", runName)
	}

	rs, err := state.Load(fullPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	if err := state.Validate(rs, cfg); err != nil {
		return fmt.Errorf("run state validation failed: %w", err)
	}

	cfg.Pipeline.ResumeFromRun = runName

	fmt.Printf("Resuming run: %s\n", runName)
	fmt.Printf("Status: %s, Progress: %.1f%%\n", rs.Status, state.ProgressPercentage(rs))
	fmt.Println()

	return runPipelineWithConfig(cfg, secrets)
}

// publishRun uploads a run's pair datasets to Hugging Face Hub
func publishRun(cmd *cobra.Command, args []string) error {
	loadEnv()
	runName := args[0]

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := writer.ValidateRunName(cfg.Pipeline.OutputDir, runName); err != nil {
		return fmt.Errorf("invalid run directory: %w", err)
	}

	repoID := hfRepoID
	if repoID == "" {
		repoID = cfg.HuggingFace.RepoID
	}
	if repoID == "" {
		return fmt.Errorf("--hf-repo-id must be specified (or set huggingface.repo_id in config)")
	}
	if secrets.HuggingFaceToken == "" {
		return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for publishing")
	}

	fullPath := filepath.Join(cfg.Pipeline.OutputDir, runName)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("run directory not found: %s", runName)
	}

	uploader := hfhub.NewUploader(secrets.HuggingFaceToken, slog.Default())
	return uploader.Upload(repoID, fullPath)
}
