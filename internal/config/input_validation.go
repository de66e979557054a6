package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names and checkpoint ids
	MaxModelNameLength = 512

	// MaxTemplateSize is the maximum allowed size for the prompt template
	MaxTemplateSize = 50 * 1024 // 50KB

	// MaxDatasetPathLength is the maximum allowed length for a dataset path
	MaxDatasetPathLength = 4096
)

// ValidateInputs performs additional security validation on user-controllable fields.
// This prevents potential DoS, injection, and path abuse issues before anything
// touches the filesystem or network.
func (c *Config) ValidateInputs() error {
	// Dataset paths
	for i, path := range c.Pipeline.DatasetPaths {
		if err := validateDatasetPath(path); err != nil {
			return fmt.Errorf("invalid pipeline.dataset_paths[%d]: %w", i, err)
		}
	}

	// Model configurations
	for name, mc := range c.Models {
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if mc.BaseURL != "" {
			if err := validateBaseURL(mc.BaseURL, name); err != nil {
				return err
			}
		}
	}

	// Trainer endpoint
	if err := validateBaseURL(c.Trainer.BaseURL, "trainer"); err != nil {
		return err
	}

	// Prompt template size
	if len(c.Pipeline.PromptTemplate) > MaxTemplateSize {
		return fmt.Errorf("pipeline.prompt_template exceeds maximum size of %d bytes (got %d)",
			MaxTemplateSize, len(c.Pipeline.PromptTemplate))
	}

	return nil
}

// validateDatasetPath checks a prompt dataset path for obvious problems.
// Existence is checked at load time by the dataset layer; here only the
// shape of the path is validated.
func validateDatasetPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if len(path) > MaxDatasetPathLength {
		return fmt.Errorf("path exceeds maximum length of %d (got %d)", MaxDatasetPathLength, len(path))
	}
	if containsControlChars(path) {
		return fmt.Errorf("path contains invalid control characters")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
	default:
		return fmt.Errorf("path must end in .json or .jsonl (got %q)", filepath.Ext(path))
	}
	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}
	if containsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}
	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("'%s' has invalid base_url: %w", configKey, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("'%s' base_url must use http or https scheme (got %s)", configKey, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("'%s' base_url must have a host", configKey)
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
