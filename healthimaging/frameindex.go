package healthimaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FrameLocation is where a derived frame ID lives in a DICOMweb store, plus
// the pixel geometry needed to label native frames.
type FrameLocation struct {
	StudyUID            string `json:"studyUid"`
	SeriesUID           string `json:"seriesUid"`
	SOPInstanceUID      string `json:"sopInstanceUid"`
	FrameNumber         int    `json:"frameNumber"`
	Rows                int    `json:"rows"`
	Columns             int    `json:"columns"`
	BitsAllocated       int    `json:"bitsAllocated"`
	SamplesPerPixel     int    `json:"samplesPerPixel"`
	PixelRepresentation int    `json:"pixelRepresentation"`
}

// FrameIndex maps frame IDs to their store location.
type FrameIndex interface {
	Put(ctx context.Context, frameID string, loc FrameLocation) error
	Get(ctx context.Context, frameID string) (FrameLocation, bool, error)
}

type MemoryFrameIndex struct {
	mu   sync.RWMutex
	locs map[string]FrameLocation
}

func NewMemoryFrameIndex() *MemoryFrameIndex {
	return &MemoryFrameIndex{locs: map[string]FrameLocation{}}
}

func (m *MemoryFrameIndex) Put(ctx context.Context, frameID string, loc FrameLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locs[frameID] = loc
	return nil
}

func (m *MemoryFrameIndex) Get(ctx context.Context, frameID string) (FrameLocation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locs[frameID]
	return loc, ok, nil
}

// RedisFrameIndex shares the index between server replicas. Entries expire
// after TTL; a miss is repaired by re-reading the study metadata.
type RedisFrameIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisFrameIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisFrameIndex {
	if prefix == "" {
		prefix = "ahi:frame:"
	}
	return &RedisFrameIndex{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisFrameIndex) Put(ctx context.Context, frameID string, loc FrameLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal frame location: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+frameID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", frameID, err)
	}
	return nil
}

func (r *RedisFrameIndex) Get(ctx context.Context, frameID string) (FrameLocation, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+frameID).Bytes()
	if errors.Is(err, redis.Nil) {
		return FrameLocation{}, false, nil
	}
	if err != nil {
		return FrameLocation{}, false, fmt.Errorf("redis GET %s: %w", frameID, err)
	}
	var loc FrameLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return FrameLocation{}, false, fmt.Errorf("unmarshal frame location: %w", err)
	}
	return loc, true, nil
}
