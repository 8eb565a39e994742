package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnv = []string{
	"PORT", "IMAGING_MODE", "IMAGING_PROVIDER", "AWS_REGION", "AHI_DATASTORE_ID",
	"AHI_CREDENTIALS_SECRET", "GCP_PROJECT_ID", "HEALTHCARE_LOCATION",
	"HEALTHCARE_DATASET", "HEALTHCARE_DICOM_STORE", "FRAME_INDEX_REDIS_ADDR",
	"MOCK_FIXTURES", "UPSTREAM_TIMEOUT_SECONDS",
}

// clearConfigEnv blanks every variable LoadConfig reads and moves into an
// empty directory so no stray .env is picked up.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" || cfg.Mode != "mock" || cfg.Provider != "aws" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Fatalf("timeout = %s", cfg.UpstreamTimeout)
	}
	if opts := cfg.ServiceOptions(); opts.Mode != "mock" || opts.AWS.Region != "us-east-1" {
		t.Fatalf("service options = %+v", opts)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad mode", map[string]string{"IMAGING_MODE": "staging"}, "IMAGING_MODE"},
		{"live aws without datastore", map[string]string{"IMAGING_MODE": "live"}, "AHI_DATASTORE_ID"},
		{"live gcp without store", map[string]string{"IMAGING_MODE": "live", "IMAGING_PROVIDER": "gcp"}, "GCP_PROJECT_ID"},
		{"bad provider", map[string]string{"IMAGING_MODE": "live", "IMAGING_PROVIDER": "azure"}, "IMAGING_PROVIDER"},
		{"bad timeout", map[string]string{"UPSTREAM_TIMEOUT_SECONDS": "-3"}, "UPSTREAM_TIMEOUT_SECONDS"},
		{"live aws ok", map[string]string{"IMAGING_MODE": "LIVE", "AHI_DATASTORE_ID": "ds1"}, ""},
		{"live gcp ok", map[string]string{
			"IMAGING_MODE": "live", "IMAGING_PROVIDER": "gcp", "GCP_PROJECT_ID": "p",
			"HEALTHCARE_DATASET": "d", "HEALTHCARE_DICOM_STORE": "s",
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	clearConfigEnv(t)
	os.Unsetenv("PORT")
	os.Unsetenv("UPSTREAM_TIMEOUT_SECONDS")

	dir, _ := os.Getwd()
	env := "PORT=9191\nUPSTREAM_TIMEOUT_SECONDS=5\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "9191" || cfg.UpstreamTimeout != 5*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseAWSCredentials(t *testing.T) {
	creds, err := parseAWSCredentials([]byte(`{"accessKeyId":"AKIA","secretAccessKey":"s3cr3t","sessionToken":"tok"}`))
	if err != nil {
		t.Fatalf("parseAWSCredentials: %v", err)
	}
	if creds.AccessKeyID != "AKIA" || creds.SecretAccessKey != "s3cr3t" || creds.SessionToken != "tok" {
		t.Fatalf("creds = %+v", creds)
	}

	if _, err := parseAWSCredentials([]byte(`{"accessKeyId":"AKIA"}`)); err == nil {
		t.Fatalf("expected error for missing secret key")
	}
	if _, err := parseAWSCredentials([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for bad JSON")
	}
}
