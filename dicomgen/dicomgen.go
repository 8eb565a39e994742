// Package dicomgen writes synthetic single-frame DICOM Part 10 files of a
// requested size for load-testing the viewer. Pixel data is 16-bit unsigned
// MONOCHROME2 in Explicit VR Little Endian.
package dicomgen

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ahi-viewer-rest/imaging"
)

const (
	// HeaderOverhead is the space reserved for everything but pixel data.
	HeaderOverhead = 10 * 1024

	minSide = 256
	maxSide = 8192

	ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"
	mrImageStorage = "1.2.840.10008.5.1.4.1.1.4"
	usImageStorage = "1.2.840.10008.5.1.4.1.1.6.1"

	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	implementationVersion  = "AHI_VIEWER_GEN_1"
)

// ParseSize reads sizes like "100MB", "1.5GB", "512KB" or a plain byte count.
// Units are binary (1KB = 1024 bytes).
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := 1.0
	for _, u := range []struct {
		suffix string
		mult   float64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}

	if mult == 1 {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * mult), nil
}

// Dimensions picks image dimensions whose 16-bit pixel data fills target
// bytes minus HeaderOverhead: square below 512x512 pixels, 1024 wide below
// 1024x1024, 2048 wide below 2048x2048, square beyond. Each side is clamped
// to [256, 8192], so tiny or huge targets miss their size.
func Dimensions(target int64) (width, height int) {
	pixels := (target - HeaderOverhead) / 2
	if pixels < 0 {
		pixels = 0
	}

	switch {
	case pixels < 512*512:
		width = int(math.Sqrt(float64(pixels)))
		height = width
	case pixels < 1024*1024:
		width = 1024
		height = int(pixels / 1024)
	case pixels < 2048*2048:
		width = 2048
		height = int(pixels / 2048)
	default:
		width = int(math.Sqrt(float64(pixels)))
		height = width
	}
	return clampSide(width), clampSide(height)
}

func clampSide(v int) int {
	return max(minSide, min(maxSide, v))
}

// NewUID returns a UUID-derived DICOM UID under the 2.25 root.
func NewUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// Options describes the generated study. Zero values get defaults.
type Options struct {
	Modality    string
	PatientName string
	PatientID   string
	Now         time.Time
	Rand        *rand.Rand
}

func (o Options) withDefaults() Options {
	o.Modality = strings.ToUpper(strings.TrimSpace(o.Modality))
	if o.Modality == "" {
		o.Modality = "CT"
	}
	if o.PatientName == "" {
		o.PatientName = "Test^Patient"
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.PatientID == "" {
		o.PatientID = fmt.Sprintf("TEST_%s_%s", o.Modality, o.Now.Format("20060102_150405"))
	}
	if o.Rand == nil {
		seed := uint64(o.Now.UnixNano())
		o.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return o
}

func sopClassFor(modality string) string {
	switch modality {
	case "MR":
		return mrImageStorage
	case "US":
		return usImageStorage
	default:
		return ctImageStorage
	}
}

// PixelBytes renders synthetic anatomy as little-endian 16-bit samples.
func PixelBytes(width, height int, modality string, rng *rand.Rand) []byte {
	samples := imaging.Synthesize(width, height, modality, rng)
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], s)
	}
	return out
}

// Build assembles the dataset for a width x height image.
func Build(width, height int, opts Options) (dicom.Dataset, error) {
	o := opts.withDefaults()
	date := o.Now.Format("20060102")
	clock := o.Now.Format("150405")
	sopClass := sopClassFor(o.Modality)
	sopInstance := NewUID()

	b := &builder{}
	// file meta
	b.add(tag.FileMetaInformationVersion, []byte{0x00, 0x01})
	b.add(tag.MediaStorageSOPClassUID, []string{sopClass})
	b.add(tag.MediaStorageSOPInstanceUID, []string{sopInstance})
	b.add(tag.TransferSyntaxUID, []string{explicitVRLittleEndian})
	b.add(tag.ImplementationClassUID, []string{NewUID()})
	b.add(tag.ImplementationVersionName, []string{implementationVersion})

	b.add(tag.SOPClassUID, []string{sopClass})
	b.add(tag.SOPInstanceUID, []string{sopInstance})

	// patient
	b.add(tag.PatientName, []string{o.PatientName})
	b.add(tag.PatientID, []string{o.PatientID})
	b.add(tag.PatientBirthDate, []string{"19800101"})
	b.add(tag.PatientSex, []string{"O"})

	// study and series
	b.add(tag.StudyInstanceUID, []string{NewUID()})
	b.add(tag.StudyID, []string{"1"})
	b.add(tag.StudyDate, []string{date})
	b.add(tag.StudyTime, []string{clock})
	b.add(tag.StudyDescription, []string{fmt.Sprintf("Large %s Test Study", o.Modality)})
	b.add(tag.AccessionNumber, []string{"ACC" + o.Now.Format("20060102150405")})
	b.add(tag.SeriesInstanceUID, []string{NewUID()})
	b.add(tag.SeriesNumber, []string{"1"})
	b.add(tag.SeriesDate, []string{date})
	b.add(tag.SeriesTime, []string{clock})
	b.add(tag.SeriesDescription, []string{fmt.Sprintf("Large %s Test Series", o.Modality)})
	b.add(tag.Modality, []string{o.Modality})

	// instance and image pixel module
	b.add(tag.InstanceNumber, []string{"1"})
	b.add(tag.ContentDate, []string{date})
	b.add(tag.ContentTime, []string{clock})
	b.add(tag.ImageType, []string{"ORIGINAL", "PRIMARY", "AXIAL"})
	b.add(tag.SamplesPerPixel, []int{1})
	b.add(tag.PhotometricInterpretation, []string{"MONOCHROME2"})
	b.add(tag.Rows, []int{height})
	b.add(tag.Columns, []int{width})
	b.add(tag.BitsAllocated, []int{16})
	b.add(tag.BitsStored, []int{16})
	b.add(tag.HighBit, []int{15})
	b.add(tag.PixelRepresentation, []int{0})

	switch o.Modality {
	case "CT":
		b.add(tag.RescaleIntercept, []string{"-1024"})
		b.add(tag.RescaleSlope, []string{"1"})
		b.add(tag.WindowCenter, []string{"400"})
		b.add(tag.WindowWidth, []string{"1000"})
		b.add(tag.SliceThickness, []string{"1.0"})
		b.add(tag.PixelSpacing, []string{"0.5", "0.5"})
		b.add(tag.KVP, []string{"120"})
	case "MR":
		b.add(tag.RescaleIntercept, []string{"0"})
		b.add(tag.RescaleSlope, []string{"1"})
		b.add(tag.WindowCenter, []string{"32768"})
		b.add(tag.WindowWidth, []string{"65536"})
		b.add(tag.SliceThickness, []string{"2.0"})
		b.add(tag.PixelSpacing, []string{"0.8", "0.8"})
		b.add(tag.MagneticFieldStrength, []string{"1.5"})
		b.add(tag.RepetitionTime, []string{"500"})
		b.add(tag.EchoTime, []string{"15"})
	default:
		b.add(tag.RescaleIntercept, []string{"0"})
		b.add(tag.RescaleSlope, []string{"1"})
		b.add(tag.WindowCenter, []string{"32768"})
		b.add(tag.WindowWidth, []string{"65536"})
	}

	// equipment
	b.add(tag.Manufacturer, []string{"Large DICOM Generator"})
	b.add(tag.ManufacturerModelName, []string{"Test Generator v1.0"})
	b.add(tag.SoftwareVersions, []string{"1.0"})
	b.add(tag.InstitutionName, []string{"Test Institution"})
	b.add(tag.StationName, []string{"TEST_STATION"})

	b.add(tag.PixelData, dicom.PixelDataInfo{
		IntentionallyUnprocessed: true,
		UnprocessedValueData:     PixelBytes(width, height, o.Modality, o.Rand),
	})

	if b.err != nil {
		return dicom.Dataset{}, b.err
	}
	return dicom.Dataset{Elements: b.elems}, nil
}

// builder collects elements and keeps the first error.
type builder struct {
	elems []*dicom.Element
	err   error
}

func (b *builder) add(t tag.Tag, value any) {
	if b.err != nil {
		return
	}
	el, err := dicom.NewElement(t, value)
	if err != nil {
		b.err = fmt.Errorf("dicom.NewElement(%s): %w", t, err)
		return
	}
	b.elems = append(b.elems, el)
}

// Result summarizes a generated file.
type Result struct {
	Width   int
	Height  int
	Target  int64
	Written int64
}

// Diff is how far the written file landed from the target, in bytes.
func (r Result) Diff() int64 { return r.Written - r.Target }

// Generate writes a file of roughly target bytes to w.
func Generate(w io.Writer, target int64, opts Options) (Result, error) {
	width, height := Dimensions(target)
	ds, err := Build(width, height, opts)
	if err != nil {
		return Result{}, err
	}

	cw := &countingWriter{w: w}
	if err := dicom.Write(cw, ds); err != nil {
		return Result{}, fmt.Errorf("dicom.Write: %w", err)
	}
	return Result{Width: width, Height: height, Target: target, Written: cw.n}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
