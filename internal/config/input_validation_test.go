package config

import (
	"strings"
	"testing"
)

func TestValidateDatasetPath_Valid(t *testing.T) {
	tests := []string{
		"data/iter0.jsonl",
		"data/prompts_round_2.json",
		"/srv/alignment/datasets/helpfulness.jsonl",
		"relative/path/with spaces.jsonl",
	}

	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			if err := validateDatasetPath(tt); err != nil {
				t.Errorf("validateDatasetPath(%q) returned unexpected error: %v", tt, err)
			}
		})
	}
}

func TestValidateDatasetPath_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // substring of expected error
	}{
		{
			name:  "empty",
			input: "",
			want:  "cannot be empty",
		},
		{
			name:  "wrong_extension",
			input: "data/prompts.csv",
			want:  "must end in .json or .jsonl",
		},
		{
			name:  "control_chars",
			input: "data/iter\x000.jsonl", // Null byte
			want:  "invalid control characters",
		},
		{
			name:  "too_long",
			input: strings.Repeat("a", MaxDatasetPathLength) + ".jsonl",
			want:  "exceeds maximum length",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatasetPath(tt.input)
			if err == nil {
				t.Errorf("validateDatasetPath(%q) expected error, got nil", tt.input)
			} else if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validateDatasetPath(%q) error = %v, want substring %q", tt.input, err, tt.want)
			}
		})
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{
			name:    "https endpoint",
			baseURL: "https://api.together.xyz/v1",
			wantErr: false,
		},
		{
			name:    "local http endpoint",
			baseURL: "http://127.0.0.1:8000/v1",
			wantErr: false,
		},
		{
			name:    "file scheme rejected",
			baseURL: "file:///etc/passwd",
			wantErr: true,
		},
		{
			name:    "missing host",
			baseURL: "http://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBaseURL(tt.baseURL, "policy")
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBaseURL(%q) error = %v, wantErr %v", tt.baseURL, err, tt.wantErr)
			}
		})
	}
}

func TestValidateInputs(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateInputs(); err != nil {
		t.Fatalf("ValidateInputs() error = %v", err)
	}

	cfg.Pipeline.DatasetPaths = []string{"data/iter0.txt"}
	if err := cfg.ValidateInputs(); err == nil {
		t.Error("ValidateInputs() expected error for non-JSON dataset path")
	}

	cfg = validConfig()
	cfg.Pipeline.PromptTemplate = strings.Repeat("x", MaxTemplateSize+1)
	if err := cfg.ValidateInputs(); err == nil {
		t.Error("ValidateInputs() expected error for oversized prompt template")
	}
}
