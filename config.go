package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ahi-viewer-rest/healthimaging"
)

// Config holds service configuration. Everything comes from the environment
// (optionally seeded from a .env file) and is fixed for the process lifetime.
type Config struct {
	Port     string
	Mode     string // "mock" or "live"
	Provider string // "aws" or "gcp", live mode only

	AWSRegion          string
	DatastoreID        string
	CredentialsSecret  string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	ProjectID           string
	HealthcareLocation  string // e.g. "us-central1"
	HealthcareDatasetID string
	HealthcareStoreID   string

	FrameIndexRedisAddr string
	MockFixtures        string // "", a local dir or gs://bucket/prefix
	UpstreamTimeout     time.Duration
}

// awsCredentials is the JSON shape of the AHI_CREDENTIALS_SECRET payload.
type awsCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// LoadConfig reads configuration from environment variables. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("LoadConfig: ignoring .env: %v", err)
	}

	cfg := Config{
		Port:     getenv("PORT", "8080"),
		Mode:     strings.ToLower(getenv("IMAGING_MODE", healthimaging.ModeMock)),
		Provider: strings.ToLower(getenv("IMAGING_PROVIDER", healthimaging.ProviderAWS)),

		AWSRegion:          getenv("AWS_REGION", "us-east-1"),
		DatastoreID:        getenv("AHI_DATASTORE_ID", ""),
		CredentialsSecret:  getenv("AHI_CREDENTIALS_SECRET", ""),
		AWSAccessKeyID:     getenv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getenv("AWS_SECRET_ACCESS_KEY", ""),
		AWSSessionToken:    getenv("AWS_SESSION_TOKEN", ""),

		ProjectID:           getenv("GCP_PROJECT_ID", ""),
		HealthcareLocation:  getenv("HEALTHCARE_LOCATION", "us-central1"),
		HealthcareDatasetID: getenv("HEALTHCARE_DATASET", ""),
		HealthcareStoreID:   getenv("HEALTHCARE_DICOM_STORE", ""),

		FrameIndexRedisAddr: getenv("FRAME_INDEX_REDIS_ADDR", ""),
		MockFixtures:        getenv("MOCK_FIXTURES", ""),
		UpstreamTimeout:     30 * time.Second,
	}

	if v := getenv("UPSTREAM_TIMEOUT_SECONDS", ""); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be a positive integer, got %q", v)
		}
		cfg.UpstreamTimeout = time.Duration(secs) * time.Second
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Mode {
	case healthimaging.ModeMock:
		return nil
	case healthimaging.ModeLive:
	default:
		return fmt.Errorf("IMAGING_MODE must be %q or %q, got %q", healthimaging.ModeMock, healthimaging.ModeLive, c.Mode)
	}

	switch c.Provider {
	case healthimaging.ProviderAWS:
		if c.DatastoreID == "" {
			return fmt.Errorf("AHI_DATASTORE_ID is required in live mode")
		}
	case healthimaging.ProviderGCP:
		if c.ProjectID == "" || c.HealthcareDatasetID == "" || c.HealthcareStoreID == "" {
			return fmt.Errorf("GCP_PROJECT_ID, HEALTHCARE_DATASET and HEALTHCARE_DICOM_STORE are required for the gcp provider")
		}
	default:
		return fmt.Errorf("IMAGING_PROVIDER must be %q or %q, got %q", healthimaging.ProviderAWS, healthimaging.ProviderGCP, c.Provider)
	}
	return nil
}

// loadAWSCredentials fills the static AWS credentials from Secret Manager.
// secret is either a full resource name or a secret ID in GCP_PROJECT_ID.
// A missing secret is not fatal: the default AWS credential chain is used.
func loadAWSCredentials(ctx context.Context, cfg *Config) error {
	if cfg.CredentialsSecret == "" {
		return nil
	}

	name := cfg.CredentialsSecret
	if !strings.HasPrefix(name, "projects/") {
		if cfg.ProjectID == "" {
			return fmt.Errorf("AHI_CREDENTIALS_SECRET %q needs GCP_PROJECT_ID", name)
		}
		name = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", cfg.ProjectID, name)
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("secretmanager.NewClient: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("loadAWSCredentials: error closing Secret Manager client: %v", err)
		}
	}()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if status.Code(err) == codes.NotFound {
		log.Printf("loadAWSCredentials: secret %s not found, using default AWS credential chain", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("AccessSecretVersion %s: %w", name, err)
	}
	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		return fmt.Errorf("secret %s has empty payload", name)
	}

	creds, err := parseAWSCredentials(resp.Payload.Data)
	if err != nil {
		return fmt.Errorf("secret %s: %w", name, err)
	}
	cfg.AWSAccessKeyID = creds.AccessKeyID
	cfg.AWSSecretAccessKey = creds.SecretAccessKey
	cfg.AWSSessionToken = creds.SessionToken
	return nil
}

func parseAWSCredentials(data []byte) (awsCredentials, error) {
	var creds awsCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return awsCredentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return awsCredentials{}, fmt.Errorf("missing accessKeyId or secretAccessKey")
	}
	return creds, nil
}

// ServiceOptions maps the config onto the image service factory.
func (c Config) ServiceOptions() healthimaging.Options {
	return healthimaging.Options{
		Mode:     c.Mode,
		Provider: c.Provider,
		AWS: healthimaging.AWSConfig{
			Region:          c.AWSRegion,
			DatastoreID:     c.DatastoreID,
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: c.AWSSecretAccessKey,
			SessionToken:    c.AWSSessionToken,
		},
		ProjectID:           c.ProjectID,
		HealthcareLocation:  c.HealthcareLocation,
		HealthcareDatasetID: c.HealthcareDatasetID,
		HealthcareStoreID:   c.HealthcareStoreID,
		FrameIndexRedisAddr: c.FrameIndexRedisAddr,
		MockFixtures:        c.MockFixtures,
	}
}
