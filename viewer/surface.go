package viewer

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
)

// ImageSurface keeps the last presented frame in memory.
type ImageSurface struct {
	mu  sync.Mutex
	img *image.RGBA
}

func (s *ImageSurface) Present(width, height int, rgba []byte) error {
	if len(rgba) != width*height*4 {
		return fmt.Errorf("buffer is %d bytes, want %d for %dx%d", len(rgba), width*height*4, width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, rgba)

	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
	return nil
}

// Image returns the last presented frame, or nil.
func (s *ImageSurface) Image() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

// PNGSurface writes each presented frame to Path. A Scale other than 0 or 1
// resamples the output with Catmull-Rom.
type PNGSurface struct {
	Path  string
	Scale float64
}

func (s *PNGSurface) Present(width, height int, rgba []byte) error {
	mem := &ImageSurface{}
	if err := mem.Present(width, height, rgba); err != nil {
		return err
	}
	var out image.Image = mem.Image()

	if s.Scale > 0 && s.Scale != 1 {
		w := max(1, int(float64(width)*s.Scale))
		h := max(1, int(float64(height)*s.Scale))
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), out, out.Bounds(), draw.Src, nil)
		out = dst
	}

	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", s.Path, err)
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("png.Encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.Path, err)
	}
	return nil
}
