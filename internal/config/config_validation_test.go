package config

import (
	"strings"
	"testing"
)

func TestValidateUpperBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name: "inference instances too high",
			mutate: func(c *Config) {
				c.Pipeline.NumInferenceInstances = 2000 // > 1024
			},
			wantErr: true,
			errMsg:  "distributed_inference_num_instances must not exceed",
		},
		{
			name: "output sequences too high",
			mutate: func(c *Config) {
				c.Pipeline.NumOutputSequences = 500 // > 256
			},
			wantErr: true,
			errMsg:  "num_output_sequences must not exceed",
		},
		{
			name: "dataset list too long",
			mutate: func(c *Config) {
				paths := make([]string, MaxDatasetPaths+1)
				for i := range paths {
					paths[i] = "data/iter.jsonl"
				}
				c.Pipeline.DatasetPaths = paths
			},
			wantErr: true,
			errMsg:  "dataset_paths must not exceed",
		},
		{
			name: "max values accepted",
			mutate: func(c *Config) {
				c.Pipeline.NumInferenceInstances = MaxInferenceInstances
				c.Pipeline.NumOutputSequences = MaxNumOutputSequences
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestValidateModelRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name: "policy without endpoint",
			mutate: func(c *Config) {
				m := c.Models["policy"]
				m.BaseURL = ""
				c.Models["policy"] = m
			},
			errMsg: "models.policy.base_url is required",
		},
		{
			name: "temperature out of range",
			mutate: func(c *Config) {
				m := c.Models["policy"]
				m.Temperature = 2.5
				c.Models["policy"] = m
			},
			errMsg: "temperature must be between 0 and 2",
		},
		{
			name: "output tokens exceed context",
			mutate: func(c *Config) {
				m := c.Models["policy"]
				m.MaxOutputTokens = 8192
				m.ContextSize = 4096
				c.Models["policy"] = m
			},
			errMsg: "must not exceed context_size",
		},
		{
			name: "reference without model name",
			mutate: func(c *Config) {
				m := c.Models["reference"]
				m.ModelName = ""
				c.Models["reference"] = m
			},
			errMsg: "models.reference.model_name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Config.Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestValidateBurstPercentDefault(t *testing.T) {
	cfg := validConfig()
	cfg.ProviderBurstPercent = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config.Validate() error = %v", err)
	}

	if cfg.ProviderBurstPercent != 15 {
		t.Errorf("expected burst percent default 15, got %d", cfg.ProviderBurstPercent)
	}
}
