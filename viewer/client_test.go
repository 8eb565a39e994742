package viewer

import (
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ahi-viewer-rest/imaging"
)

func newViewServer(t *testing.T) *httptest.Server {
	t.Helper()
	frame := nativeFrame(8, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/view/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		switch {
		case len(parts) == 2 && parts[1] == "ct":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"imageSetId":"ct","frameCount":1,"frameIds":["` + frame1 + `"],"dicomMetadata":{}}`))
		case len(parts) == 5 && parts[1] == "ct" && parts[3] == frame1 && parts[4] == "jpeg2000":
			w.Header().Set("Content-Type", frame.ContentType)
			w.Write(frame.Data)
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFetch(t *testing.T) {
	srv := newViewServer(t)
	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	md, err := c.FetchMetadata(ctx, "ct")
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if len(md.FrameIDs) != 1 || md.FrameIDs[0] != frame1 {
		t.Fatalf("frame ids = %v", md.FrameIDs)
	}
	if md.Size == 0 {
		t.Fatalf("size not recorded")
	}

	fr, err := c.FetchFrame(ctx, "ct", frame1)
	if err != nil {
		t.Fatalf("FetchFrame: %v", err)
	}
	if len(fr.Data) != 8*4*2 {
		t.Fatalf("frame is %d bytes", len(fr.Data))
	}
	if !strings.HasPrefix(fr.ContentType, "application/octet-stream") {
		t.Fatalf("content type = %q", fr.ContentType)
	}

	if _, err := c.FetchMetadata(ctx, "nope"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("missing image set error = %v", err)
	}
}

func TestClientPipelineToPNG(t *testing.T) {
	srv := newViewServer(t)
	out := filepath.Join(t.TempDir(), "frame.png")
	p := New(NewClient(srv.URL, srv.Client()), imaging.NewAdapter(), &PNGSurface{Path: out, Scale: 2})

	snap := p.Open(context.Background(), "ct")
	if snap.Status != StatusSuccess {
		t.Fatalf("status = %s (%+v)", snap.Status, snap.LastError)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open png: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("png is %dx%d, want 16x8", b.Dx(), b.Dy())
	}
}

func TestImageSurfaceRejectsShortBuffer(t *testing.T) {
	s := &ImageSurface{}
	if err := s.Present(2, 2, make([]byte, 15)); err == nil {
		t.Fatalf("expected size error")
	}
	if s.Image() != nil {
		t.Fatalf("rejected buffer was stored")
	}
}
