package imaging

import "fmt"

type ColorSpace string

const (
	ColorSpaceGrayscale ColorSpace = "grayscale"
	ColorSpaceRGB       ColorSpace = "rgb"
)

// DecodedImage is the output of a codec: interleaved, row-major samples with
// no row padding. Samples holds Width*Height*Channels values, each fitting in
// BitsPerSample bits. Values are read-only once a codec returns them.
type DecodedImage struct {
	Width         int
	Height        int
	Channels      int
	BitsPerSample int
	Signed        bool
	ColorSpace    ColorSpace
	Samples       []uint16
}

// ImageInfo is the summary shown to the viewer after a successful render.
type ImageInfo struct {
	Width         int `json:"width"`
	Height        int `json:"height"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

func (img *DecodedImage) Info() ImageInfo {
	return ImageInfo{
		Width:         img.Width,
		Height:        img.Height,
		Channels:      img.Channels,
		BitsPerSample: img.BitsPerSample,
	}
}

// Validate checks the sample-count invariant.
func (img *DecodedImage) Validate() error {
	if img == nil {
		return New(KindMalformedImage, "Validate", "nil image")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return New(KindMalformedImage, "Validate",
			fmt.Sprintf("non-positive dimensions %dx%d", img.Width, img.Height))
	}
	if img.Width > MaxImageSide || img.Height > MaxImageSide {
		return New(KindMalformedImage, "Validate",
			fmt.Sprintf("dimensions %dx%d exceed %d", img.Width, img.Height, MaxImageSide))
	}
	if img.Channels <= 0 || img.Channels > MaxChannels {
		return New(KindMalformedImage, "Validate",
			fmt.Sprintf("channel count %d outside 1..%d", img.Channels, MaxChannels))
	}
	// Bounded factors keep the product below 2^34.
	want := img.Width * img.Height * img.Channels
	if len(img.Samples) != want {
		return New(KindMalformedImage, "Validate",
			fmt.Sprintf("have %d samples, want %d (%dx%dx%d)",
				len(img.Samples), want, img.Width, img.Height, img.Channels))
	}
	return nil
}
