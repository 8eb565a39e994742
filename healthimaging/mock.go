package healthimaging

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"

	"ahi-viewer-rest/imaging"
)

const (
	EncodingNative    = "native"
	EncodingSynthetic = "synthetic"
)

// Fixture is one mock image set: a single series with a single instance.
// Frames either come from a parsed DICOM file or are synthesized from Seed.
type Fixture struct {
	ImageSetID        string `yaml:"imageSetId"`
	PatientName       string `yaml:"patientName"`
	PatientID         string `yaml:"patientId"`
	StudyDate         string `yaml:"studyDate"`
	StudyDescription  string `yaml:"studyDescription"`
	Modality          string `yaml:"modality"`
	StudyInstanceUID  string `yaml:"studyInstanceUid"`
	SeriesInstanceUID string `yaml:"seriesInstanceUid"`
	SOPInstanceUID    string `yaml:"sopInstanceUid"`
	Rows              int    `yaml:"rows"`
	Columns           int    `yaml:"columns"`
	BitsAllocated     int    `yaml:"bitsAllocated"`
	SamplesPerPixel   int    `yaml:"samplesPerPixel"`
	Frames            int    `yaml:"frames"`
	Seed              uint64 `yaml:"seed"`
	Encoding          string `yaml:"encoding"`

	pixelFrames [][]byte
}

func (f *Fixture) normalize() {
	if f.ImageSetID == "" {
		f.ImageSetID = DeriveID("imageset", f.StudyInstanceUID, f.SOPInstanceUID)
	}
	if f.BitsAllocated == 0 {
		f.BitsAllocated = 16
	}
	if f.SamplesPerPixel == 0 {
		f.SamplesPerPixel = 1
	}
	if f.Encoding == "" {
		f.Encoding = EncodingNative
	}
	if f.pixelFrames != nil {
		f.Frames = len(f.pixelFrames)
	}
}

func (f *Fixture) frameIDs() []string {
	ids := make([]string, f.Frames)
	for i := range ids {
		ids[i] = DeriveID("frame", f.ImageSetID, strconv.Itoa(i))
	}
	return ids
}

func (f *Fixture) summary() ImageSetSummary {
	s := ImageSetSummary{
		ImageSetID:       f.ImageSetID,
		Version:          "1",
		PatientName:      f.PatientName,
		PatientID:        f.PatientID,
		StudyDate:        f.StudyDate,
		StudyDescription: f.StudyDescription,
		StudyInstanceUID: f.StudyInstanceUID,
	}
	if f.Modality != "" {
		s.Modalities = []string{f.Modality}
	}
	return s
}

func (f *Fixture) document(datastoreID string) ImageSetDocument {
	frames := make([]ImageFrame, 0, f.Frames)
	size := f.Rows * f.Columns * f.SamplesPerPixel * f.BitsAllocated / 8
	for _, id := range f.frameIDs() {
		frames = append(frames, ImageFrame{ID: id, FrameSizeInBytes: size})
	}

	photometric := "MONOCHROME2"
	if f.SamplesPerPixel == 3 {
		photometric = "RGB"
	}

	return ImageSetDocument{
		SchemaVersion: "1.1",
		DatastoreID:   datastoreID,
		ImageSetID:    f.ImageSetID,
		Patient: DocumentModule{DICOM: map[string]any{
			"PatientName": f.PatientName,
			"PatientID":   f.PatientID,
		}},
		Study: StudyModule{
			DICOM: map[string]any{
				"StudyInstanceUID": f.StudyInstanceUID,
				"StudyDate":        f.StudyDate,
				"StudyDescription": f.StudyDescription,
			},
			Series: map[string]SeriesModule{
				f.SeriesInstanceUID: {
					DICOM: map[string]any{
						"Modality":          f.Modality,
						"SeriesInstanceUID": f.SeriesInstanceUID,
					},
					Instances: map[string]InstanceModule{
						f.SOPInstanceUID: {
							DICOM: map[string]any{
								"SOPInstanceUID":            f.SOPInstanceUID,
								"Rows":                      f.Rows,
								"Columns":                   f.Columns,
								"BitsAllocated":             f.BitsAllocated,
								"BitsStored":                f.BitsAllocated,
								"HighBit":                   f.BitsAllocated - 1,
								"PixelRepresentation":       0,
								"SamplesPerPixel":           f.SamplesPerPixel,
								"PhotometricInterpretation": photometric,
								"NumberOfFrames":            f.Frames,
							},
							ImageFrames: frames,
						},
					},
				},
			},
		},
	}
}

// MockService serves fixtures from memory. Metadata blobs are kept gzipped so
// reads go through the same decompression path as live mode.
type MockService struct {
	datastoreID string
	fixtures    []*Fixture
	byID        map[string]*Fixture
	blobs       map[string][]byte
	frames      map[string]map[string]int
}

func NewMockService(set *FixtureSet) (*MockService, error) {
	m := &MockService{
		datastoreID: set.DatastoreID,
		byID:        map[string]*Fixture{},
		blobs:       map[string][]byte{},
		frames:      map[string]map[string]int{},
	}

	for _, f := range set.ImageSets {
		f.normalize()
		if _, dup := m.byID[f.ImageSetID]; dup {
			return nil, fmt.Errorf("duplicate image set %s", f.ImageSetID)
		}

		doc, err := json.Marshal(f.document(set.DatastoreID))
		if err != nil {
			return nil, fmt.Errorf("marshal metadata for %s: %w", f.ImageSetID, err)
		}
		blob, err := CompressMetadata(doc)
		if err != nil {
			return nil, fmt.Errorf("compress metadata for %s: %w", f.ImageSetID, err)
		}

		index := map[string]int{}
		for i, id := range f.frameIDs() {
			index[id] = i
		}

		m.fixtures = append(m.fixtures, f)
		m.byID[f.ImageSetID] = f
		m.blobs[f.ImageSetID] = blob
		m.frames[f.ImageSetID] = index
	}
	return m, nil
}

func (m *MockService) Mode() string { return ModeMock }

func (m *MockService) SearchImageSets(ctx context.Context, criteria SearchCriteria) ([]ImageSetSummary, error) {
	out := []ImageSetSummary{}
	for _, f := range m.fixtures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := f.summary()
		if criteria.Matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockService) GetImageSetMetadata(ctx context.Context, imageSetID string) (*Metadata, error) {
	blob, ok := m.blobs[imageSetID]
	if !ok {
		return nil, fmt.Errorf("image set %s: %w", imageSetID, ErrNotFound)
	}
	return ParseMetadata(imageSetID, blob, "gzip")
}

func (m *MockService) GetFrameBytes(ctx context.Context, imageSetID, frameID string) (*Frame, error) {
	f, ok := m.byID[imageSetID]
	if !ok {
		return nil, fmt.Errorf("image set %s: %w", imageSetID, ErrNotFound)
	}
	idx, ok := m.frames[imageSetID][frameID]
	if !ok {
		return nil, fmt.Errorf("frame %s in image set %s: %w", frameID, imageSetID, ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := &Frame{ImageSetID: imageSetID, FrameID: frameID}
	switch {
	case f.pixelFrames != nil:
		frame.Data = f.pixelFrames[idx]
		frame.ContentType = imaging.NativeContentType(f.Rows, f.Columns, f.BitsAllocated, f.SamplesPerPixel, false)
	case f.Encoding == EncodingSynthetic:
		frame.Data = []byte(frameID)
		frame.ContentType = imaging.ContentTypeSynthetic
	default:
		rng := rand.New(rand.NewPCG(f.Seed, uint64(idx)))
		samples := imaging.Synthesize(f.Columns, f.Rows, f.Modality, rng)
		frame.Data = make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(frame.Data[i*2:], s)
		}
		frame.ContentType = imaging.NativeContentType(f.Rows, f.Columns, 16, 1, false)
	}
	return frame, nil
}
