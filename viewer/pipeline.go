// Package viewer runs the frame pipeline for one viewer session: fetch
// image-set metadata, fetch the first frame, decode it, map it to RGBA and
// hand it to a presentation surface.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ahi-viewer-rest/imaging"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Step string

const (
	StepMetadata Step = "metadata"
	StepFrame    Step = "frame"
	StepDecode   Step = "decode"
	StepRender   Step = "render"
)

// DefaultStepTimeout bounds each pipeline step.
const DefaultStepTimeout = 30 * time.Second

// ErrNotRetryable is returned by Retry outside the error state.
var ErrNotRetryable = errors.New("retry is only allowed after an error")

// ViewMetadata is what the pipeline needs from an image set's metadata.
type ViewMetadata struct {
	FrameIDs []string
	Size     int
}

// FramePayload is one compressed frame as served by the backend.
type FramePayload struct {
	Data        []byte
	ContentType string
}

type Fetcher interface {
	FetchMetadata(ctx context.Context, imageSetID string) (*ViewMetadata, error)
	FetchFrame(ctx context.Context, imageSetID, frameID string) (*FramePayload, error)
}

// Decoder is satisfied by *imaging.Adapter.
type Decoder interface {
	Decode(contentType string, data []byte) (*imaging.DecodedImage, error)
}

// Surface receives the RGBA buffer, sized exactly width x height.
type Surface interface {
	Present(width, height int, rgba []byte) error
}

// StageError is the user-facing failure of a run.
type StageError struct {
	Kind    imaging.Kind `json:"kind"`
	Step    Step         `json:"step"`
	Message string       `json:"message"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Step, e.Message)
}

// Snapshot is a copy of the pipeline state.
type Snapshot struct {
	RunID      string             `json:"runId"`
	Generation uint64             `json:"generation"`
	ImageSetID string             `json:"imageSetId"`
	FrameID    string             `json:"frameId,omitempty"`
	Status     Status             `json:"status"`
	Log        []LogEntry         `json:"log"`
	LastError  *StageError        `json:"lastError,omitempty"`
	ImageInfo  *imaging.ImageInfo `json:"imageInfo,omitempty"`
}

type Option func(*Pipeline)

func WithStepTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stepTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogSize(n int) Option {
	return func(p *Pipeline) { p.log = NewDebugLog(n) }
}

// Pipeline holds one viewer session. Every Open, Retry and Close starts a
// new generation; results from older generations are dropped, so a slow run
// can never overwrite the state of a newer one.
type Pipeline struct {
	fetcher     Fetcher
	decoder     Decoder
	surface     Surface
	stepTimeout time.Duration
	now         func() time.Time

	mu         sync.Mutex
	gen        uint64
	runID      string
	cancel     context.CancelFunc
	imageSetID string
	frameID    string
	status     Status
	log        *DebugLog
	lastErr    *StageError
	info       *imaging.ImageInfo
}

func New(fetcher Fetcher, decoder Decoder, surface Surface, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:     fetcher,
		decoder:     decoder,
		surface:     surface,
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
		status:      StatusIdle,
		log:         NewDebugLog(DebugLogSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open starts a fresh run for imageSetID, superseding any run in flight,
// and blocks until it finishes.
func (p *Pipeline) Open(ctx context.Context, imageSetID string) Snapshot {
	p.mu.Lock()
	gen, runCtx, cancel := p.beginLocked(ctx, imageSetID)
	p.mu.Unlock()
	defer cancel()

	p.run(runCtx, gen, imageSetID)
	return p.Snapshot()
}

// Retry restarts the whole run for the current image set after an error.
// Nothing from the failed run is reused.
func (p *Pipeline) Retry(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	if p.status != StatusError {
		p.mu.Unlock()
		return p.Snapshot(), ErrNotRetryable
	}
	imageSetID := p.imageSetID
	gen, runCtx, cancel := p.beginLocked(ctx, imageSetID)
	p.mu.Unlock()
	defer cancel()

	p.run(runCtx, gen, imageSetID)
	return p.Snapshot(), nil
}

// Close cancels any run in flight and discards its late results.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		RunID:      p.runID,
		Generation: p.gen,
		ImageSetID: p.imageSetID,
		FrameID:    p.frameID,
		Status:     p.status,
		Log:        p.log.Entries(),
	}
	if p.lastErr != nil {
		e := *p.lastErr
		s.LastError = &e
	}
	if p.info != nil {
		info := *p.info
		s.ImageInfo = &info
	}
	return s
}

func (p *Pipeline) beginLocked(ctx context.Context, imageSetID string) (uint64, context.Context, context.CancelFunc) {
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	p.runID = uuid.NewString()
	p.imageSetID = imageSetID
	p.frameID = ""
	p.status = StatusIdle
	p.log.Reset()
	p.lastErr = nil
	p.info = nil

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	return p.gen, runCtx, cancel
}

// update applies fn only while gen is still the current generation.
func (p *Pipeline) update(gen uint64, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return false
	}
	fn()
	return true
}

func (p *Pipeline) logf(gen uint64, format string, args ...interface{}) bool {
	msg := fmt.Sprintf(format, args...)
	return p.update(gen, func() { p.log.Add(p.now(), msg) })
}

func (p *Pipeline) fail(gen uint64, step Step, kind imaging.Kind, message string, cause error) {
	detail := message
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", message, cause)
	}
	p.update(gen, func() {
		p.log.Add(p.now(), fmt.Sprintf("Error (%s) during %s: %s", kind, step, detail))
		p.lastErr = &StageError{Kind: kind, Step: step, Message: message}
		p.info = nil
		p.status = StatusError
	})
}

func (p *Pipeline) run(ctx context.Context, gen uint64, imageSetID string) {
	if !p.update(gen, func() { p.status = StatusLoading }) {
		return
	}
	p.logf(gen, "Loading image set %s", imageSetID)

	// 1. metadata
	p.logf(gen, "Fetching metadata")
	md, err := runStep(ctx, p.stepTimeout, func(ctx context.Context) (*ViewMetadata, error) {
		return p.fetcher.FetchMetadata(ctx, imageSetID)
	})
	if err == nil && md == nil {
		err = errors.New("empty metadata response")
	}
	if err != nil {
		p.fail(gen, StepMetadata, imaging.KindMetadataFetch, "Failed to load image set metadata", err)
		return
	}
	if !p.logf(gen, "Metadata received: %d bytes, %d frame IDs", md.Size, len(md.FrameIDs)) {
		return
	}
	if len(md.FrameIDs) == 0 {
		p.fail(gen, StepMetadata, imaging.KindNoFrames, "No frame IDs found", nil)
		return
	}

	// 2. first frame
	frameID := md.FrameIDs[0]
	p.update(gen, func() { p.frameID = frameID })
	p.logf(gen, "Fetching frame %s", frameID)
	frame, err := runStep(ctx, p.stepTimeout, func(ctx context.Context) (*FramePayload, error) {
		return p.fetcher.FetchFrame(ctx, imageSetID, frameID)
	})
	if err == nil && frame == nil {
		err = errors.New("empty frame response")
	}
	if err != nil {
		p.fail(gen, StepFrame, imaging.KindFrameFetch, "Failed to load image frame", err)
		return
	}
	if !p.logf(gen, "Frame received: %d bytes, content type %q", len(frame.Data), frame.ContentType) {
		return
	}

	// 3. decode
	p.logf(gen, "Decoding %d bytes", len(frame.Data))
	img, err := runStep(ctx, p.stepTimeout, func(context.Context) (*imaging.DecodedImage, error) {
		return p.decoder.Decode(frame.ContentType, frame.Data)
	})
	if err == nil && img == nil {
		err = imaging.New(imaging.KindDecode, "Decode", "codec returned no image")
	}
	if err != nil {
		kind := imaging.KindOf(err)
		if kind != imaging.KindMalformedImage {
			kind = imaging.KindDecode
		}
		p.fail(gen, StepDecode, kind, decodeMessage(kind, err), err)
		return
	}
	if !p.logf(gen, "Decoded %dx%d, %d channel(s), %d-bit", img.Width, img.Height, img.Channels, img.BitsPerSample) {
		return
	}

	// 4. map and present
	p.logf(gen, "Rendering %dx%d", img.Width, img.Height)
	rgba, err := imaging.ToRGBA(img)
	if err != nil {
		kind := imaging.KindOf(err)
		msg := "Image format not supported for display"
		if kind == imaging.KindMalformedImage {
			msg = "Decoded image is malformed"
		}
		p.fail(gen, StepRender, kind, msg, err)
		return
	}
	// A superseded run must not draw over the newer one.
	if !p.update(gen, func() {}) {
		return
	}
	if err := p.surface.Present(img.Width, img.Height, rgba); err != nil {
		p.fail(gen, StepRender, imaging.KindRender, "Failed to render image", err)
		return
	}

	// 5. done
	info := img.Info()
	p.update(gen, func() {
		p.log.Add(p.now(), fmt.Sprintf("Render complete: %dx%d", info.Width, info.Height))
		p.info = &info
		p.status = StatusSuccess
	})
}

func decodeMessage(kind imaging.Kind, err error) string {
	if kind == imaging.KindMalformedImage {
		return "Decoded image is malformed"
	}
	var typed *imaging.Error
	if errors.As(err, &typed) && typed.Cause != nil {
		return "Failed to decode frame: " + typed.Cause.Error()
	}
	return "Failed to decode frame: " + err.Error()
}

// runStep runs fn under the step timeout. fn runs in its own goroutine so a
// step that ignores its context still cannot hold the pipeline past the
// deadline.
func runStep[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("step panicked: %v", r)}
			}
		}()
		v, err := fn(stepCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-stepCtx.Done():
		var zero T
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("step timed out after %s", timeout)
		}
		return zero, stepCtx.Err()
	}
}
