// Package hfhub publishes preference pair datasets to Hugging Face Hub
// using the commit API, with LFS for large files.
package hfhub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default timeout for general API operations
	DefaultTimeout = 300 * time.Second
	// PreuploadTimeout is the timeout for LFS preupload requests
	PreuploadTimeout = 300 * time.Second
	// LFSUploadTimeout is the timeout for actual LFS file uploads
	LFSUploadTimeout = 600 * time.Second
	// CommitTimeout is the timeout for commit operations
	CommitTimeout = 300 * time.Second
	// LogPreviewLength is the maximum length for log previews
	LogPreviewLength = 500
	// MaxRetries is the maximum number of retries for failed operations
	MaxRetries = 3
)

// Uploader handles publishing run artifacts to Hugging Face Hub
type Uploader struct {
	token           string
	httpClient      *http.Client // For general operations
	preuploadClient *http.Client // For LFS preupload
	lfsClient       *http.Client // For LFS file uploads
	commitClient    *http.Client // For commit operations
	logger          *slog.Logger
}

// NewUploader creates a new Hugging Face Hub uploader
func NewUploader(token string, logger *slog.Logger) *Uploader {
	return &Uploader{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		preuploadClient: &http.Client{
			Timeout: PreuploadTimeout,
		},
		lfsClient: &http.Client{
			Timeout: LFSUploadTimeout,
		},
		commitClient: &http.Client{
			Timeout: CommitTimeout,
		},
		logger: logger.With("component", "hf_uploader"),
	}
}

// RepoInfo contains information about a repository
type RepoInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

// Upload publishes a run's preference pair datasets to Hugging Face Hub.
// Every iteration's pairs.jsonl is pushed under data/, alongside the run's
// config backup, in a single commit.
func (u *Uploader) Upload(repoID, runDir string) error {
	u.logger.Info("Starting upload to Hugging Face Hub", "repo_id", repoID)

	if err := u.createRepo(repoID); err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	filesToUpload, err := collectRunFiles(runDir)
	if err != nil {
		return err
	}

	operations := []CommitOperation{}
	lfsFiles := []LFSPointer{}
	filePaths := make(map[string]string) // oid -> filePath

	// .gitattributes keeps pairs files out of LFS so the dataset viewer
	// renders them as text
	gitattributesOp, err := u.createGitAttributesOperation()
	if err != nil {
		u.logger.Warn("Failed to create .gitattributes, continuing without it", "error", err)
	} else {
		operations = append(operations, *gitattributesOp)
	}

	for _, f := range filesToUpload {
		op, err := PrepareFileOperation(f.localPath, f.hubPath)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", f.localPath, err)
		}

		operations = append(operations, *op)

		if op.LFSFile != nil {
			lfsFiles = append(lfsFiles, LFSPointer{
				OID:  op.LFSFile.SHA256,
				Size: op.LFSFile.Size,
			})
			filePaths[op.LFSFile.SHA256] = f.localPath
			u.logger.Debug("File will use LFS", "file", f.hubPath, "size", op.LFSFile.Size)
		} else {
			u.logger.Debug("File will be embedded", "file", f.hubPath)
		}
	}

	if len(operations) <= 1 {
		return fmt.Errorf("no pair datasets found in %s", runDir)
	}

	if len(lfsFiles) > 0 {
		u.logger.Info("Uploading LFS files", "count", len(lfsFiles))

		uploadMap, err := u.PreuploadLFSWithRetry(repoID, "main", lfsFiles, MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to preupload LFS: %w", err)
		}

		for oid, uploadInfo := range uploadMap {
			localPath := filePaths[oid]
			if err := u.UploadLFSFileWithRetry(uploadInfo, localPath, MaxRetries); err != nil {
				return fmt.Errorf("failed to upload LFS file %s: %w", localPath, err)
			}
		}
	}

	runName := filepath.Base(runDir)
	commitMsg := fmt.Sprintf("Upload preference pairs from AlignForge run %s", runName)

	if err := u.createCommit(repoID, "main", operations, commitMsg); err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}

	u.logger.Info("Upload completed successfully",
		"repo_id", repoID,
		"files", len(operations)-1,
		"url", fmt.Sprintf("https://huggingface.co/datasets/%s", repoID))

	return nil
}

type uploadFile struct {
	localPath string
	hubPath   string
}

// collectRunFiles gathers each iteration's pairs file plus the config
// backup. Iterations without a pairs file are skipped; they never
// finished pairing.
func collectRunFiles(runDir string) ([]uploadFile, error) {
	pairsFiles, err := filepath.Glob(filepath.Join(runDir, "iterations", "iter_*", "pairs.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan run directory: %w", err)
	}
	sort.Strings(pairsFiles)

	var files []uploadFile
	for _, p := range pairsFiles {
		iterName := filepath.Base(filepath.Dir(p))
		files = append(files, uploadFile{
			localPath: p,
			hubPath:   fmt.Sprintf("data/%s.pairs.jsonl", iterName),
		})
	}

	configBackup := filepath.Join(runDir, "config_backup.toml")
	if _, err := os.Stat(configBackup); err == nil {
		files = append(files, uploadFile{
			localPath: configBackup,
			hubPath:   "alignforge.toml",
		})
	}

	return files, nil
}

func (u *Uploader) createRepo(repoID string) error {
	// Check if repo exists first
	checkURL := fmt.Sprintf("https://huggingface.co/api/datasets/%s", repoID)
	req, err := http.NewRequest("GET", checkURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := u.httpClient.Do(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		_ = resp.Body.Close()
		u.logger.Info("Repository already exists", "repo_id", repoID)
		return nil
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	// Parse username and repo name from repoID (format: "username/reponame")
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 {
		return fmt.Errorf("invalid repo_id format, expected 'username/reponame', got '%s'", repoID)
	}
	repoName := parts[1]

	createURL := "https://huggingface.co/api/repos/create"
	payload := map[string]interface{}{
		"name":    repoName,
		"type":    "dataset",
		"private": false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err = http.NewRequest("POST", createURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")

	u.logger.Debug("Creating repository", "url", createURL, "name", repoName)

	resp, err = u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create repo failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	u.logger.Info("Repository created", "repo_id", repoID)
	return nil
}

func (u *Uploader) createCommit(repoID, branch string, operations []CommitOperation, message string) error {
	url := fmt.Sprintf("https://huggingface.co/api/datasets/%s/commit/%s", repoID, branch)

	// The commit API takes NDJSON: a header line followed by one line per
	// file operation (embedded base64 or an LFS pointer)
	var ndjsonLines []string

	header := map[string]interface{}{
		"key": "header",
		"value": map[string]string{
			"summary":     message,
			"description": "",
		},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	ndjsonLines = append(ndjsonLines, string(headerJSON))

	for _, op := range operations {
		if op.LFSFile != nil {
			fileLine := map[string]interface{}{
				"key": "lfsFile",
				"value": map[string]interface{}{
					"path": op.Path,
					"algo": "sha256",
					"oid":  op.LFSFile.SHA256,
					"size": op.LFSFile.Size,
				},
			}
			fileJSON, err := json.Marshal(fileLine)
			if err != nil {
				return fmt.Errorf("failed to marshal lfs file %s: %w", op.Path, err)
			}
			ndjsonLines = append(ndjsonLines, string(fileJSON))
		} else {
			fileLine := map[string]interface{}{
				"key": "file",
				"value": map[string]interface{}{
					"content":  op.Content,
					"path":     op.Path,
					"encoding": "base64",
				},
			}
			fileJSON, err := json.Marshal(fileLine)
			if err != nil {
				return fmt.Errorf("failed to marshal file %s: %w", op.Path, err)
			}
			ndjsonLines = append(ndjsonLines, string(fileJSON))
		}
	}

	ndjsonPayload := strings.Join(ndjsonLines, "\n")

	if len(ndjsonPayload) > LogPreviewLength {
		u.logger.Debug("Commit payload (NDJSON)", "preview", ndjsonPayload[:LogPreviewLength]+"...")
	} else {
		u.logger.Debug("Commit payload (NDJSON)", "preview", ndjsonPayload)
	}

	req, err := http.NewRequest("POST", url, strings.NewReader(ndjsonPayload))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	u.logger.Debug("Creating commit", "url", url, "operations", len(operations))

	resp, err := u.commitClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("commit failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	u.logger.Debug("Commit response", "status", resp.StatusCode, "body", string(bodyBytes))
	u.logger.Info("Commit created successfully", "branch", branch, "operations", len(operations))
	return nil
}

// createGitAttributesOperation builds a .gitattributes that carries the
// standard Hub LFS patterns while keeping .jsonl out of LFS, so the
// dataset viewer renders pair files as text
func (u *Uploader) createGitAttributesOperation() (*CommitOperation, error) {
	content := `*.7z filter=lfs diff=lfs merge=lfs -text
*.arrow filter=lfs diff=lfs merge=lfs -text
*.bin filter=lfs diff=lfs merge=lfs -text
*.bz2 filter=lfs diff=lfs merge=lfs -text
*.ckpt filter=lfs diff=lfs merge=lfs -text
*.ftz filter=lfs diff=lfs merge=lfs -text
*.gz filter=lfs diff=lfs merge=lfs -text
*.h5 filter=lfs diff=lfs merge=lfs -text
*.joblib filter=lfs diff=lfs merge=lfs -text
*.lfs.* filter=lfs diff=lfs merge=lfs -text
*.lz4 filter=lfs diff=lfs merge=lfs -text
*.mds filter=lfs diff=lfs merge=lfs -text
*.mlmodel filter=lfs diff=lfs merge=lfs -text
*.model filter=lfs diff=lfs merge=lfs -text
*.msgpack filter=lfs diff=lfs merge=lfs -text
*.npy filter=lfs diff=lfs merge=lfs -text
*.npz filter=lfs diff=lfs merge=lfs -text
*.onnx filter=lfs diff=lfs merge=lfs -text
*.ot filter=lfs diff=lfs merge=lfs -text
*.parquet filter=lfs diff=lfs merge=lfs -text
*.pb filter=lfs diff=lfs merge=lfs -text
*.pickle filter=lfs diff=lfs merge=lfs -text
*.pkl filter=lfs diff=lfs merge=lfs -text
*.pt filter=lfs diff=lfs merge=lfs -text
*.pth filter=lfs diff=lfs merge=lfs -text
*.rar filter=lfs diff=lfs merge=lfs -text
*.safetensors filter=lfs diff=lfs merge=lfs -text
saved_model/**/* filter=lfs diff=lfs merge=lfs -text
*.tar.* filter=lfs diff=lfs merge=lfs -text
*.tar filter=lfs diff=lfs merge=lfs -text
*.tflite filter=lfs diff=lfs merge=lfs -text
*.tgz filter=lfs diff=lfs merge=lfs -text
*.wasm filter=lfs diff=lfs merge=lfs -text
*.xz filter=lfs diff=lfs merge=lfs -text
*.zip filter=lfs diff=lfs merge=lfs -text
*.zst filter=lfs diff=lfs merge=lfs -text
*tfevents* filter=lfs diff=lfs merge=lfs -text
# *.jsonl is deliberately NOT routed through LFS
`

	encoded := base64.StdEncoding.EncodeToString([]byte(content))

	op := &CommitOperation{
		Operation: "add",
		Path:      ".gitattributes",
		Content:   encoded,
		Encoding:  "base64",
	}

	return op, nil
}
