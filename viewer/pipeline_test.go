package viewer

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ahi-viewer-rest/imaging"
)

type fakeFetcher struct {
	mu         sync.Mutex
	frameIDs   map[string][]string
	metaErr    error
	frameErr   error
	frames     map[string]*FramePayload
	metaCalls  int
	frameCalls int

	// blockOn makes FetchMetadata for that image set wait for release,
	// ignoring its context.
	blockOn string
	started chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchMetadata(ctx context.Context, imageSetID string) (*ViewMetadata, error) {
	f.mu.Lock()
	f.metaCalls++
	ids, ok := f.frameIDs[imageSetID]
	err := f.metaErr
	block := f.blockOn == imageSetID
	f.mu.Unlock()

	if block {
		close(f.started)
		<-f.release
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("status 404")
	}
	return &ViewMetadata{FrameIDs: ids, Size: 100 * len(ids)}, nil
}

func (f *fakeFetcher) FetchFrame(ctx context.Context, imageSetID, frameID string) (*FramePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameCalls++
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	fr, ok := f.frames[frameID]
	if !ok {
		return nil, errors.New("status 404")
	}
	return fr, nil
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls, f.frameCalls
}

// countingDecoder wraps a Decoder and can fail its first N calls.
type countingDecoder struct {
	mu       sync.Mutex
	next     Decoder
	failures int
	failWith error
	calls    int
}

func (d *countingDecoder) Decode(contentType string, data []byte) (*imaging.DecodedImage, error) {
	d.mu.Lock()
	d.calls++
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()
	if fail {
		return nil, d.failWith
	}
	return d.next.Decode(contentType, data)
}

type decoderFunc func(string, []byte) (*imaging.DecodedImage, error)

func (f decoderFunc) Decode(ct string, data []byte) (*imaging.DecodedImage, error) { return f(ct, data) }

type countingSurface struct {
	ImageSurface
	mu       sync.Mutex
	presents int
	err      error
}

func (s *countingSurface) Present(width, height int, rgba []byte) error {
	s.mu.Lock()
	s.presents++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ImageSurface.Present(width, height, rgba)
}

const (
	frame1 = "0123456789abcdef0123456789abcdef"
	frame2 = "fedcba9876543210fedcba9876543210"
)

func nativeFrame(width, height int) *FramePayload {
	data := make([]byte, width*height*2)
	for i := 0; i < width*height; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(i*7))
	}
	return &FramePayload{Data: data, ContentType: imaging.NativeContentType(height, width, 16, 1, false)}
}

func newFixture() *fakeFetcher {
	return &fakeFetcher{
		frameIDs: map[string][]string{
			"ct":    {frame1, frame2},
			"empty": {},
		},
		frames: map[string]*FramePayload{
			frame1: nativeFrame(512, 512),
		},
	}
}

func fixedClock() time.Time {
	return time.Date(2024, 2, 20, 10, 0, 0, 0, time.UTC)
}

func TestPipelineSuccess(t *testing.T) {
	fetcher := newFixture()
	surface := &countingSurface{}
	p := New(fetcher, imaging.NewAdapter(), surface, WithClock(fixedClock))

	snap := p.Open(context.Background(), "ct")
	if snap.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (err %+v)", snap.Status, snap.LastError)
	}
	if snap.LastError != nil {
		t.Fatalf("unexpected error: %+v", snap.LastError)
	}
	if snap.FrameID != frame1 {
		t.Fatalf("frame = %q, want first frame %q", snap.FrameID, frame1)
	}
	want := imaging.ImageInfo{Width: 512, Height: 512, Channels: 1, BitsPerSample: 16}
	if snap.ImageInfo == nil || *snap.ImageInfo != want {
		t.Fatalf("image info = %+v, want %+v", snap.ImageInfo, want)
	}
	if snap.RunID == "" {
		t.Fatalf("run id not set")
	}

	img := surface.Image()
	if img == nil || img.Bounds().Dx() != 512 || img.Bounds().Dy() != 512 {
		t.Fatalf("surface image = %v", img)
	}
	// sample 1 is 7 -> gray 0; sample 10000 is 70000 mod 65536 = 4464 -> 17
	if px := img.Pix[10000*4]; px != 17 {
		t.Fatalf("pixel 10000 gray = %d, want 17", px)
	}

	if len(snap.Log) == 0 || len(snap.Log) > DebugLogSize {
		t.Fatalf("log length = %d", len(snap.Log))
	}
	if !strings.HasPrefix(snap.Log[0].Message, "Loading image set ct") {
		t.Fatalf("first log entry = %q", snap.Log[0].Message)
	}
	if last := snap.Log[len(snap.Log)-1].Message; last != "Render complete: 512x512" {
		t.Fatalf("last log entry = %q", last)
	}
	if _, frames := fetcher.calls(); frames != 1 {
		t.Fatalf("frame fetches = %d, want only the first frame", frames)
	}
}

func TestPipelineNoFrames(t *testing.T) {
	fetcher := newFixture()
	dec := &countingDecoder{next: imaging.NewAdapter()}
	surface := &countingSurface{}
	p := New(fetcher, dec, surface)

	snap := p.Open(context.Background(), "empty")
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want error", snap.Status)
	}
	if snap.LastError == nil || snap.LastError.Kind != imaging.KindNoFrames {
		t.Fatalf("last error = %+v, want NoFramesError", snap.LastError)
	}
	if snap.LastError.Message != "No frame IDs found" {
		t.Fatalf("message = %q", snap.LastError.Message)
	}
	if _, frames := fetcher.calls(); frames != 0 {
		t.Fatalf("frame fetches = %d, want 0", frames)
	}
	if dec.calls != 0 {
		t.Fatalf("decode calls = %d, want 0", dec.calls)
	}
	if surface.presents != 0 {
		t.Fatalf("presents = %d, want 0", surface.presents)
	}
}

func TestPipelineFetchFailures(t *testing.T) {
	t.Run("metadata", func(t *testing.T) {
		p := New(newFixture(), imaging.NewAdapter(), &ImageSurface{})
		snap := p.Open(context.Background(), "missing")
		if snap.LastError == nil || snap.LastError.Kind != imaging.KindMetadataFetch {
			t.Fatalf("last error = %+v", snap.LastError)
		}
		if snap.LastError.Step != StepMetadata {
			t.Fatalf("step = %s", snap.LastError.Step)
		}
	})

	t.Run("frame", func(t *testing.T) {
		fetcher := newFixture()
		fetcher.frameErr = errors.New("status 502")
		p := New(fetcher, imaging.NewAdapter(), &ImageSurface{})
		snap := p.Open(context.Background(), "ct")
		if snap.LastError == nil || snap.LastError.Kind != imaging.KindFrameFetch {
			t.Fatalf("last error = %+v", snap.LastError)
		}
		if snap.ImageInfo != nil {
			t.Fatalf("image info should be cleared on error")
		}
		last := snap.Log[len(snap.Log)-1].Message
		if !strings.Contains(last, "status 502") {
			t.Fatalf("log does not carry the cause: %q", last)
		}
	})
}

func TestPipelineRetryAfterDecodeError(t *testing.T) {
	fetcher := newFixture()
	dec := &countingDecoder{
		next:     imaging.NewAdapter(),
		failures: 1,
		failWith: imaging.Wrap(imaging.KindDecode, "Decode", "codec failed", errors.New("truncated codestream")),
	}
	p := New(fetcher, dec, &ImageSurface{})

	snap := p.Open(context.Background(), "ct")
	if snap.LastError == nil || snap.LastError.Kind != imaging.KindDecode {
		t.Fatalf("last error = %+v, want DecodeError", snap.LastError)
	}
	if !strings.Contains(snap.LastError.Message, "truncated codestream") {
		t.Fatalf("message = %q", snap.LastError.Message)
	}
	firstRun := snap.RunID

	snap, err := p.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if snap.Status != StatusSuccess || snap.LastError != nil {
		t.Fatalf("after retry: status %s, error %+v", snap.Status, snap.LastError)
	}
	if snap.RunID == firstRun {
		t.Fatalf("retry reused run id")
	}
	if !strings.HasPrefix(snap.Log[0].Message, "Loading image set") {
		t.Fatalf("log was not reset on retry: %q", snap.Log[0].Message)
	}
	if meta, frames := fetcher.calls(); meta != 2 || frames != 2 {
		t.Fatalf("calls = %d metadata, %d frame; want 2 and 2", meta, frames)
	}
}

func TestPipelineRetryRequiresError(t *testing.T) {
	p := New(newFixture(), imaging.NewAdapter(), &ImageSurface{})
	if _, err := p.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on idle = %v, want ErrNotRetryable", err)
	}
	p.Open(context.Background(), "ct")
	if _, err := p.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on success = %v, want ErrNotRetryable", err)
	}
}

func TestPipelineDecodeOutcomes(t *testing.T) {
	tests := []struct {
		name string
		img  *imaging.DecodedImage
		err  error
		kind imaging.Kind
		step Step
	}{
		{
			name: "malformed from codec",
			err:  imaging.New(imaging.KindMalformedImage, "Validate", "have 3 samples, want 4"),
			kind: imaging.KindMalformedImage,
			step: StepDecode,
		},
		{
			name: "unclassified codec error",
			err:  errors.New("boom"),
			kind: imaging.KindDecode,
			step: StepDecode,
		},
		{
			name: "8-bit image",
			img: &imaging.DecodedImage{Width: 2, Height: 1, Channels: 1, BitsPerSample: 8,
				ColorSpace: imaging.ColorSpaceGrayscale, Samples: []uint16{1, 2}},
			kind: imaging.KindUnsupportedFormat,
			step: StepRender,
		},
		{
			name: "rgb image",
			img: &imaging.DecodedImage{Width: 1, Height: 1, Channels: 3, BitsPerSample: 16,
				ColorSpace: imaging.ColorSpaceRGB, Samples: []uint16{1, 2, 3}},
			kind: imaging.KindUnsupportedFormat,
			step: StepRender,
		},
		{
			name: "sample count mismatch",
			img: &imaging.DecodedImage{Width: 2, Height: 2, Channels: 1, BitsPerSample: 16,
				ColorSpace: imaging.ColorSpaceGrayscale, Samples: []uint16{1, 2, 3}},
			kind: imaging.KindMalformedImage,
			step: StepRender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := decoderFunc(func(string, []byte) (*imaging.DecodedImage, error) {
				return tt.img, tt.err
			})
			surface := &countingSurface{}
			p := New(newFixture(), dec, surface)

			snap := p.Open(context.Background(), "ct")
			if snap.Status != StatusError {
				t.Fatalf("status = %s, want error", snap.Status)
			}
			if snap.LastError.Kind != tt.kind || snap.LastError.Step != tt.step {
				t.Fatalf("error = %+v, want %s at %s", snap.LastError, tt.kind, tt.step)
			}
			if surface.presents != 0 {
				t.Fatalf("surface presented a failed frame")
			}
		})
	}
}

func TestPipelineDecoderPanicBecomesError(t *testing.T) {
	dec := decoderFunc(func(string, []byte) (*imaging.DecodedImage, error) {
		panic("runtime error: index out of range [3] with length 0")
	})
	p := New(newFixture(), dec, &countingSurface{})

	snap := p.Open(context.Background(), "ct")
	if snap.Status != StatusError || snap.LastError.Kind != imaging.KindDecode {
		t.Fatalf("status %s, error %+v; want DecodeError", snap.Status, snap.LastError)
	}
	if !strings.Contains(snap.LastError.Message, "panicked") {
		t.Fatalf("message = %q", snap.LastError.Message)
	}
}

func TestPipelineHostileNativeGeometry(t *testing.T) {
	for _, ct := range []string{
		"application/octet-stream; transfer-syntax=1.2.840.10008.1.2.1; rows=-2; columns=2",
		"application/octet-stream; transfer-syntax=1.2.840.10008.1.2.1; rows=4294967296; columns=4294967296",
	} {
		fetcher := newFixture()
		fetcher.frames[frame1] = &FramePayload{Data: make([]byte, 8), ContentType: ct}
		surface := &countingSurface{}
		p := New(fetcher, imaging.NewAdapter(), surface)

		snap := p.Open(context.Background(), "ct")
		if snap.Status != StatusError || snap.LastError.Kind != imaging.KindDecode {
			t.Fatalf("%q: status %s, error %+v; want DecodeError", ct, snap.Status, snap.LastError)
		}
		if surface.presents != 0 {
			t.Fatalf("%q: surface presented a rejected frame", ct)
		}
	}
}

func TestPipelineSurfaceFailure(t *testing.T) {
	surface := &countingSurface{err: errors.New("canvas lost")}
	p := New(newFixture(), imaging.NewAdapter(), surface)

	snap := p.Open(context.Background(), "ct")
	if snap.LastError == nil || snap.LastError.Kind != imaging.KindRender {
		t.Fatalf("last error = %+v, want RenderError", snap.LastError)
	}
}

func TestPipelineLogBounded(t *testing.T) {
	p := New(newFixture(), imaging.NewAdapter(), &ImageSurface{}, WithLogSize(4))

	snap := p.Open(context.Background(), "ct")
	if len(snap.Log) != 4 {
		t.Fatalf("log length = %d, want 4", len(snap.Log))
	}
	if last := snap.Log[3].Message; last != "Render complete: 512x512" {
		t.Fatalf("newest entry = %q", last)
	}
}

func TestPipelineStepTimeout(t *testing.T) {
	fetcher := newFixture()
	fetcher.blockOn = "ct"
	fetcher.started = make(chan struct{})
	fetcher.release = make(chan struct{})
	t.Cleanup(func() { close(fetcher.release) })

	p := New(fetcher, imaging.NewAdapter(), &ImageSurface{}, WithStepTimeout(20*time.Millisecond))

	start := time.Now()
	snap := p.Open(context.Background(), "ct")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Open took %s", elapsed)
	}
	if snap.LastError == nil || snap.LastError.Kind != imaging.KindMetadataFetch {
		t.Fatalf("last error = %+v, want MetadataFetchError", snap.LastError)
	}
	last := snap.Log[len(snap.Log)-1].Message
	if !strings.Contains(last, "timed out") {
		t.Fatalf("log entry = %q, want timeout", last)
	}
}

func TestPipelineStaleRunDiscarded(t *testing.T) {
	fetcher := newFixture()
	fetcher.frameIDs["slow"] = []string{frame1}
	fetcher.blockOn = "slow"
	fetcher.started = make(chan struct{})
	fetcher.release = make(chan struct{})

	surface := &countingSurface{}
	p := New(fetcher, imaging.NewAdapter(), surface)

	done := make(chan Snapshot, 1)
	go func() { done <- p.Open(context.Background(), "slow") }()
	<-fetcher.started

	snap := p.Open(context.Background(), "ct")
	if snap.Status != StatusSuccess || snap.ImageSetID != "ct" {
		t.Fatalf("newer run: %s %s", snap.ImageSetID, snap.Status)
	}

	close(fetcher.release)
	<-done

	final := p.Snapshot()
	if final.ImageSetID != "ct" || final.Status != StatusSuccess || final.LastError != nil {
		t.Fatalf("stale run overwrote state: %+v", final)
	}
	if final.Generation != snap.Generation {
		t.Fatalf("generation moved from %d to %d", snap.Generation, final.Generation)
	}
	surface.mu.Lock()
	presents := surface.presents
	surface.mu.Unlock()
	if presents != 1 {
		t.Fatalf("presents = %d, want 1", presents)
	}
}

func TestPipelineClose(t *testing.T) {
	p := New(newFixture(), imaging.NewAdapter(), &ImageSurface{})
	snap := p.Open(context.Background(), "ct")
	p.Close()
	if got := p.Snapshot().Generation; got != snap.Generation+1 {
		t.Fatalf("generation after Close = %d, want %d", got, snap.Generation+1)
	}
}

func TestDebugLogRing(t *testing.T) {
	l := NewDebugLog(DebugLogSize)
	base := fixedClock()
	for i := 0; i < 25; i++ {
		l.Add(base.Add(time.Duration(i)*time.Second), string(rune('a'+i)))
	}
	entries := l.Entries()
	if len(entries) != DebugLogSize {
		t.Fatalf("len = %d, want %d", len(entries), DebugLogSize)
	}
	for i, e := range entries {
		want := string(rune('a' + 15 + i))
		if e.Message != want {
			t.Fatalf("entry %d = %q, want %q", i, e.Message, want)
		}
		if i > 0 && !e.Time.After(entries[i-1].Time) {
			t.Fatalf("entries out of order at %d", i)
		}
	}

	l.Reset()
	if l.Len() != 0 || len(l.Entries()) != 0 {
		t.Fatalf("Reset left %d entries", l.Len())
	}
}
