package imaging

import (
	"fmt"
	"image"
)

// ToRGBA maps a decoded image to an 8-bit RGBA buffer of Width*Height*4 bytes,
// row-major, top to bottom, alpha 255. Only 16-bit single-channel images are
// displayable; samples scale linearly with gray = floor(s*255/65535).
//
// No windowing is applied, so clinical images with a narrow value range
// render low contrast.
func ToRGBA(img *DecodedImage) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.Channels != 1 || img.BitsPerSample != 16 {
		return nil, New(KindUnsupportedFormat, "ToRGBA",
			fmt.Sprintf("cannot display %d-channel %d-bit image", img.Channels, img.BitsPerSample))
	}

	out := make([]byte, len(img.Samples)*4)
	for i, s := range img.Samples {
		gray := byte(uint32(s) * 255 / 65535)
		j := i * 4
		out[j] = gray
		out[j+1] = gray
		out[j+2] = gray
		out[j+3] = 255
	}
	return out, nil
}

// ToImage wraps ToRGBA's buffer in an *image.RGBA.
func ToImage(img *DecodedImage) (*image.RGBA, error) {
	pix, err := ToRGBA(img)
	if err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    pix,
		Stride: img.Width * 4,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}, nil
}
