package imaging

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"mime"
	"strconv"
	"strings"

	"github.com/cocosip/go-dicom-codec/jpeg2000/codestream"
	_ "github.com/cocosip/go-dicom-codec/jpeg2000/htj2k"
	_ "github.com/cocosip/go-dicom-codec/jpeg2000/lossless"
	_ "github.com/cocosip/go-dicom-codec/jpeg2000/lossy"
	"github.com/cocosip/go-dicom/pkg/dicom/transfer"
	"github.com/cocosip/go-dicom/pkg/imaging/codec"
	"github.com/cocosip/go-dicom/pkg/imaging/imagetypes"
)

// Codec turns one compressed frame into samples.
type Codec interface {
	Decode(data []byte) (*DecodedImage, error)
}

const (
	ContentTypeHTJ2K     = "image/jphc"
	ContentTypeSynthetic = "application/x-synthetic-frame"
	ContentTypeOctet     = "application/octet-stream"

	TransferSyntaxImplicitVRLittleEndian = "1.2.840.10008.1.2"
	TransferSyntaxExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	TransferSyntaxJ2KLossless            = "1.2.840.10008.1.2.4.90"
	TransferSyntaxJ2K                    = "1.2.840.10008.1.2.4.91"
	TransferSyntaxHTJ2KLossless          = "1.2.840.10008.1.2.4.201"
	TransferSyntaxHTJ2KLosslessRPCL      = "1.2.840.10008.1.2.4.202"
	TransferSyntaxHTJ2K                  = "1.2.840.10008.1.2.4.203"
)

// Frame geometry limits. DICOM rows and columns are 16-bit.
const (
	MaxImageSide = 65535
	MaxChannels  = 4
)

// Default transfer syntax per JPEG 2000 media type, used when the
// Content-Type carries no transfer-syntax parameter.
var j2kMediaTypes = map[string]string{
	ContentTypeHTJ2K: TransferSyntaxHTJ2KLossless,
	"image/jph":      TransferSyntaxHTJ2KLossless,
	"image/jp2":      TransferSyntaxJ2KLossless,
	"image/j2c":      TransferSyntaxJ2KLossless,
	"image/jpx":      TransferSyntaxJ2KLossless,
}

// j2kSyntaxes maps transfer syntax UIDs to the go-dicom registry keys.
var j2kSyntaxes = func() map[string]*transfer.Syntax {
	m := make(map[string]*transfer.Syntax)
	for _, s := range []*transfer.Syntax{
		transfer.HTJ2KLossless,
		transfer.HTJ2KLosslessRPCL,
		transfer.HTJ2K,
		transfer.JPEG2000Lossless,
		transfer.JPEG2000Lossy,
	} {
		m[s.UID().UID()] = s
	}
	return m
}()

// Registry finds a codec for a transfer syntax. The go-dicom global
// registry satisfies it.
type Registry interface {
	GetCodec(ts *transfer.Syntax) (codec.Codec, bool)
}

// Adapter picks a codec from a frame's Content-Type.
type Adapter struct {
	Registry  Registry
	Synthetic Codec
}

func NewAdapter() *Adapter {
	return &Adapter{
		Registry:  codec.GetGlobalRegistry(),
		Synthetic: &SyntheticCodec{Width: 512, Height: 512, Modality: "CT"},
	}
}

// Decode decodes data according to contentType. Unknown content types and
// codec failures are DecodeErrors; a codec result that breaks the sample
// count invariant is a MalformedImageError.
func (a *Adapter) Decode(contentType string, data []byte) (*DecodedImage, error) {
	c, err := a.codecFor(contentType)
	if err != nil {
		return nil, err
	}
	img, err := c.Decode(data)
	if err != nil {
		return nil, Wrap(KindDecode, "Decode", "codec failed", err)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

func (a *Adapter) codecFor(contentType string) (Codec, error) {
	if strings.TrimSpace(contentType) == "" {
		contentType = ContentTypeOctet
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, Wrap(KindDecode, "codecFor", fmt.Sprintf("bad content type %q", contentType), err)
	}

	ts := strings.Trim(params["transfer-syntax"], `"`)
	switch {
	case mediaType == ContentTypeSynthetic:
		return a.Synthetic, nil
	case ts == TransferSyntaxExplicitVRLittleEndian || ts == TransferSyntaxImplicitVRLittleEndian:
		return NewRawCodec(params)
	case ts != "":
		if _, ok := j2kSyntaxes[ts]; ok {
			return &J2KCodec{Registry: a.Registry, Syntax: ts}, nil
		}
		return nil, New(KindDecode, "codecFor", fmt.Sprintf("no codec for transfer syntax %s", ts))
	case j2kMediaTypes[mediaType] != "":
		return &J2KCodec{Registry: a.Registry, Syntax: j2kMediaTypes[mediaType]}, nil
	case mediaType == ContentTypeOctet:
		// HealthImaging serves HTJ2K frames as plain octet streams.
		return &J2KCodec{Registry: a.Registry, Syntax: TransferSyntaxHTJ2KLossless}, nil
	}
	return nil, New(KindDecode, "codecFor", fmt.Sprintf("no codec for content type %q", contentType))
}

// J2KCodec decodes one JPEG 2000 family codestream (HTJ2K included) with
// the codec registered for Syntax.
type J2KCodec struct {
	Registry Registry
	Syntax   string
}

func (c *J2KCodec) Decode(data []byte) (img *DecodedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("codec panicked: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, fmt.Errorf("empty codestream")
	}
	ts, ok := j2kSyntaxes[c.Syntax]
	if !ok {
		return nil, fmt.Errorf("unknown transfer syntax %s", c.Syntax)
	}
	impl, ok := c.Registry.GetCodec(ts)
	if !ok || impl == nil {
		return nil, fmt.Errorf("no codec registered for %s", c.Syntax)
	}

	geo, err := readGeometry(data)
	if err != nil {
		return nil, err
	}

	src := newFrameBuffer(geo, true)
	if err := src.AddFrame(data); err != nil {
		return nil, err
	}
	dst := newFrameBuffer(geo, false)
	if err := impl.Decode(src, dst, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", impl.Name(), err)
	}
	if dst.FrameCount() != 1 {
		return nil, fmt.Errorf("%s: decoded %d frames, want 1", impl.Name(), dst.FrameCount())
	}
	pixels, err := dst.GetFrame(0)
	if err != nil {
		return nil, err
	}
	return fromCodecResult(geo, pixels), nil
}

// geometry is what the SIZ marker says about a codestream.
type geometry struct {
	width      int
	height     int
	components int
	bitDepth   int
	signed     bool
}

func readGeometry(data []byte) (geometry, error) {
	cs, err := codestream.NewParser(data).Parse()
	if err != nil {
		return geometry{}, fmt.Errorf("parse codestream: %w", err)
	}
	siz := cs.SIZ
	if siz == nil || len(siz.Components) == 0 {
		return geometry{}, fmt.Errorf("codestream has no SIZ marker")
	}
	if siz.Xsiz <= siz.XOsiz || siz.Ysiz <= siz.YOsiz {
		return geometry{}, fmt.Errorf("empty image area %dx%d at offset %d,%d",
			siz.Xsiz, siz.Ysiz, siz.XOsiz, siz.YOsiz)
	}
	g := geometry{
		width:      int(siz.Xsiz - siz.XOsiz),
		height:     int(siz.Ysiz - siz.YOsiz),
		components: len(siz.Components),
		bitDepth:   siz.Components[0].BitDepth(),
		signed:     siz.Components[0].IsSigned(),
	}
	if g.width > MaxImageSide || g.height > MaxImageSide {
		return geometry{}, fmt.Errorf("image %dx%d exceeds %d", g.width, g.height, MaxImageSide)
	}
	if g.components > MaxChannels {
		return geometry{}, fmt.Errorf("%d components exceeds %d", g.components, MaxChannels)
	}
	if g.bitDepth > 16 {
		return geometry{}, fmt.Errorf("unsupported bit depth %d", g.bitDepth)
	}
	return g, nil
}

// frameBuffer is a single-frame imagetypes.PixelData.
type frameBuffer struct {
	info         *imagetypes.FrameInfo
	frames       [][]byte
	encapsulated bool
}

func newFrameBuffer(g geometry, encapsulated bool) *frameBuffer {
	info := &imagetypes.FrameInfo{
		Width:                     uint16(g.width),
		Height:                    uint16(g.height),
		BitsAllocated:             8,
		BitsStored:                8,
		HighBit:                   7,
		SamplesPerPixel:           1,
		PhotometricInterpretation: "MONOCHROME2",
	}
	if g.bitDepth > 8 {
		info.BitsAllocated, info.BitsStored, info.HighBit = 16, 16, 15
	}
	if g.components == 3 {
		info.SamplesPerPixel = 3
		info.PhotometricInterpretation = "RGB"
	}
	if g.signed {
		info.PixelRepresentation = 1
	}
	return &frameBuffer{info: info, encapsulated: encapsulated}
}

func (b *frameBuffer) GetFrame(i int) ([]byte, error) {
	if i < 0 || i >= len(b.frames) {
		return nil, fmt.Errorf("frame %d out of range (%d frames)", i, len(b.frames))
	}
	return b.frames[i], nil
}

func (b *frameBuffer) AddFrame(data []byte) error {
	b.frames = append(b.frames, data)
	return nil
}

func (b *frameBuffer) FrameCount() int                     { return len(b.frames) }
func (b *frameBuffer) GetFrameInfo() *imagetypes.FrameInfo { return b.info }
func (b *frameBuffer) IsEncapsulated() bool                { return b.encapsulated }

// fromCodecResult unpacks decoder output: one byte per sample up to 8 bits,
// otherwise little-endian 16-bit words, components interleaved.
func fromCodecResult(g geometry, pixels []byte) *DecodedImage {
	img := &DecodedImage{
		Width:         g.width,
		Height:        g.height,
		Channels:      g.components,
		BitsPerSample: 8,
		Signed:        g.signed,
		ColorSpace:    ColorSpaceGrayscale,
	}
	if g.components == 3 {
		img.ColorSpace = ColorSpaceRGB
	}

	if g.bitDepth > 8 {
		img.BitsPerSample = 16
		img.Samples = make([]uint16, len(pixels)/2)
		for i := range img.Samples {
			img.Samples[i] = binary.LittleEndian.Uint16(pixels[i*2:])
		}
		return img
	}

	img.Samples = make([]uint16, len(pixels))
	for i, b := range pixels {
		img.Samples[i] = uint16(b)
	}
	return img
}

// RawCodec reads native little-endian pixel data whose geometry travels in
// the media type parameters (rows, columns, bits-allocated, samples-per-pixel,
// pixel-representation).
type RawCodec struct {
	Rows            int
	Columns         int
	BitsAllocated   int
	SamplesPerPixel int
	Signed          bool
}

func NewRawCodec(params map[string]string) (*RawCodec, error) {
	get := func(key string, def int) (int, error) {
		v, ok := params[key]
		if !ok || v == "" {
			if def < 0 {
				return 0, New(KindDecode, "NewRawCodec", fmt.Sprintf("missing %s parameter", key))
			}
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, Wrap(KindDecode, "NewRawCodec", fmt.Sprintf("bad %s parameter", key), err)
		}
		return n, nil
	}

	rows, err := get("rows", -1)
	if err != nil {
		return nil, err
	}
	cols, err := get("columns", -1)
	if err != nil {
		return nil, err
	}
	bits, err := get("bits-allocated", 16)
	if err != nil {
		return nil, err
	}
	spp, err := get("samples-per-pixel", 1)
	if err != nil {
		return nil, err
	}
	rep, err := get("pixel-representation", 0)
	if err != nil {
		return nil, err
	}
	if rows <= 0 || rows > MaxImageSide || cols <= 0 || cols > MaxImageSide {
		return nil, New(KindDecode, "NewRawCodec",
			fmt.Sprintf("rows and columns must be in 1..%d, got %dx%d", MaxImageSide, rows, cols))
	}
	if spp <= 0 || spp > MaxChannels {
		return nil, New(KindDecode, "NewRawCodec",
			fmt.Sprintf("samples-per-pixel must be in 1..%d, got %d", MaxChannels, spp))
	}
	return &RawCodec{Rows: rows, Columns: cols, BitsAllocated: bits, SamplesPerPixel: spp, Signed: rep == 1}, nil
}

func (c *RawCodec) Decode(data []byte) (*DecodedImage, error) {
	if c.BitsAllocated != 8 && c.BitsAllocated != 16 {
		return nil, fmt.Errorf("unsupported bits allocated %d", c.BitsAllocated)
	}
	if c.Rows <= 0 || c.Rows > MaxImageSide || c.Columns <= 0 || c.Columns > MaxImageSide ||
		c.SamplesPerPixel <= 0 || c.SamplesPerPixel > MaxChannels {
		return nil, fmt.Errorf("bad geometry %dx%dx%d", c.Columns, c.Rows, c.SamplesPerPixel)
	}
	bytesPer := c.BitsAllocated / 8
	want := c.Rows * c.Columns * c.SamplesPerPixel * bytesPer
	if len(data) < want {
		return nil, fmt.Errorf("pixel data is %d bytes, want %d", len(data), want)
	}

	n := c.Rows * c.Columns * c.SamplesPerPixel
	samples := make([]uint16, n)
	if bytesPer == 2 {
		for i := range samples {
			samples[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
	} else {
		for i := range samples {
			samples[i] = uint16(data[i])
		}
	}

	cs := ColorSpaceGrayscale
	if c.SamplesPerPixel == 3 {
		cs = ColorSpaceRGB
	}
	return &DecodedImage{
		Width:         c.Columns,
		Height:        c.Rows,
		Channels:      c.SamplesPerPixel,
		BitsPerSample: c.BitsAllocated,
		Signed:        c.Signed,
		ColorSpace:    cs,
		Samples:       samples,
	}, nil
}

// NativeContentType describes little-endian native pixel data so RawCodec can
// decode it without the surrounding DICOM dataset.
func NativeContentType(rows, columns, bitsAllocated, samplesPerPixel int, signed bool) string {
	rep := "0"
	if signed {
		rep = "1"
	}
	return mime.FormatMediaType(ContentTypeOctet, map[string]string{
		"transfer-syntax":      TransferSyntaxExplicitVRLittleEndian,
		"rows":                 strconv.Itoa(rows),
		"columns":              strconv.Itoa(columns),
		"bits-allocated":       strconv.Itoa(bitsAllocated),
		"samples-per-pixel":    strconv.Itoa(samplesPerPixel),
		"pixel-representation": rep,
	})
}

// SyntheticCodec ignores the codestream contents beyond seeding: any
// non-empty payload decodes to the same deterministic test slice.
type SyntheticCodec struct {
	Width    int
	Height   int
	Modality string
}

func (c *SyntheticCodec) Decode(data []byte) (*DecodedImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	h := fnv.New64a()
	h.Write(data)
	seed := h.Sum64()

	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	return &DecodedImage{
		Width:         c.Width,
		Height:        c.Height,
		Channels:      1,
		BitsPerSample: 16,
		ColorSpace:    ColorSpaceGrayscale,
		Samples:       Synthesize(c.Width, c.Height, c.Modality, rng),
	}, nil
}
