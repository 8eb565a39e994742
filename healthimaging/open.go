package healthimaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"

	"ahi-viewer-rest/dicomweb"
)

const (
	ProviderAWS = "aws"
	ProviderGCP = "gcp"

	frameIndexTTL = 24 * time.Hour
)

// Options selects and configures one Service implementation.
type Options struct {
	Mode     string
	Provider string

	AWS AWSConfig

	ProjectID           string
	HealthcareLocation  string
	HealthcareDatasetID string
	HealthcareStoreID   string
	FrameIndexRedisAddr string

	MockFixtures string
}

// Open builds the Service named by opts. The returned close func releases
// any clients Open created and is never nil.
func Open(ctx context.Context, opts Options) (Service, func() error, error) {
	switch strings.ToLower(opts.Mode) {
	case ModeMock, "":
		return openMock(ctx, opts)
	case ModeLive:
	default:
		return nil, nil, fmt.Errorf("unknown imaging mode %q", opts.Mode)
	}

	switch strings.ToLower(opts.Provider) {
	case ProviderAWS, "":
		api, err := NewAWSClient(ctx, opts.AWS)
		if err != nil {
			return nil, nil, err
		}
		svc, err := NewAWSService(api, opts.AWS)
		if err != nil {
			return nil, nil, err
		}
		return svc, noopClose, nil
	case ProviderGCP:
		return openDICOMWeb(ctx, opts)
	default:
		return nil, nil, fmt.Errorf("unknown imaging provider %q", opts.Provider)
	}
}

func noopClose() error { return nil }

func openMock(ctx context.Context, opts Options) (Service, func() error, error) {
	var st *storage.Client
	closeFn := noopClose
	if strings.HasPrefix(opts.MockFixtures, "gs://") {
		var err error
		st, err = storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		closeFn = st.Close
	}

	set, err := LoadFixtures(ctx, opts.MockFixtures, st)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	svc, err := NewMockService(set)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	log.Printf("healthimaging: mock mode with %d image set(s) from %q", len(set.ImageSets), opts.MockFixtures)
	return svc, closeFn, nil
}

func openDICOMWeb(ctx context.Context, opts Options) (Service, func() error, error) {
	client, err := dicomweb.NewClient(ctx, opts.ProjectID, opts.HealthcareLocation, opts.HealthcareDatasetID, opts.HealthcareStoreID)
	if err != nil {
		return nil, nil, err
	}

	var index FrameIndex = NewMemoryFrameIndex()
	closeFn := noopClose
	if opts.FrameIndexRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.FrameIndexRedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", opts.FrameIndexRedisAddr, err)
		}
		index = NewRedisFrameIndex(rdb, "", frameIndexTTL)
		closeFn = rdb.Close
	}

	datastoreID := DeriveID("dicomstore", opts.ProjectID, opts.HealthcareLocation, opts.HealthcareDatasetID, opts.HealthcareStoreID)
	return NewDICOMWebService(client, index, datastoreID), closeFn, nil
}

// IsNotFound reports whether err means an unknown image set or frame.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
