package healthimaging

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"ahi-viewer-rest/dicomweb"
	"ahi-viewer-rest/imaging"
)

// DICOMWebAPI is the part of dicomweb.Client the store-backed facade needs.
type DICOMWebAPI interface {
	SearchStudies(ctx context.Context, query url.Values) ([]map[string]interface{}, error)
	StudyMetadata(ctx context.Context, studyUID string) ([]map[string]interface{}, error)
	RetrieveFrame(ctx context.Context, studyUID, seriesUID, instanceUID string, frameNumber int) ([]byte, string, error)
}

// DICOMWebService serves a Google Cloud Healthcare DICOM store through the
// same facade as HealthImaging. A study is an image set; its metadata is
// reshaped into the HealthImaging document layout with derived 32 character
// frame IDs that the FrameIndex maps back to study/series/instance/frame.
type DICOMWebService struct {
	api         DICOMWebAPI
	index       FrameIndex
	datastoreID string
}

func NewDICOMWebService(api DICOMWebAPI, index FrameIndex, datastoreID string) *DICOMWebService {
	if index == nil {
		index = NewMemoryFrameIndex()
	}
	return &DICOMWebService{api: api, index: index, datastoreID: datastoreID}
}

func (s *DICOMWebService) Mode() string { return ModeLive }

func (s *DICOMWebService) SearchImageSets(ctx context.Context, criteria SearchCriteria) ([]ImageSetSummary, error) {
	c := criteria.Normalize()
	q := url.Values{}
	if c.PatientName != "" {
		q.Set("PatientName", c.PatientName)
	}
	if c.PatientID != "" {
		q.Set("PatientID", c.PatientID)
	}
	if c.StudyDate != "" {
		q.Set("StudyDate", c.StudyDate)
	}
	if c.Modality != "" {
		q.Set("ModalitiesInStudy", c.Modality)
	}
	q.Set("includefield", "all")

	studies, err := s.api.SearchStudies(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search studies: %w", err)
	}

	// QIDO matching is fuzzier than ours (wildcards, name matching), so the
	// equality filter runs again here.
	out := []ImageSetSummary{}
	for _, st := range studies {
		sum := ImageSetSummary{
			ImageSetID:       dicomweb.TagString(st, dicomweb.TagStudyInstanceUID),
			PatientName:      dicomweb.TagString(st, dicomweb.TagPatientName),
			PatientID:        dicomweb.TagString(st, dicomweb.TagPatientID),
			StudyDate:        dicomweb.TagString(st, dicomweb.TagStudyDate),
			StudyDescription: dicomweb.TagString(st, dicomweb.TagStudyDescription),
			StudyInstanceUID: dicomweb.TagString(st, dicomweb.TagStudyInstanceUID),
			Modalities:       dicomweb.TagStrings(st, dicomweb.TagModalitiesInStudy),
		}
		if sum.ImageSetID == "" || !criteria.Matches(sum) {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *DICOMWebService) GetImageSetMetadata(ctx context.Context, imageSetID string) (*Metadata, error) {
	instances, err := s.api.StudyMetadata(ctx, imageSetID)
	if err != nil {
		if dicomweb.IsNotFound(err) {
			return nil, fmt.Errorf("study %s: %w", imageSetID, ErrNotFound)
		}
		return nil, fmt.Errorf("study metadata %s: %w", imageSetID, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("study %s: %w", imageSetID, ErrNotFound)
	}

	doc, err := s.buildDocument(ctx, imageSetID, instances)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal image set document: %w", err)
	}
	return ParseMetadata(imageSetID, raw, "")
}

func (s *DICOMWebService) buildDocument(ctx context.Context, studyUID string, instances []map[string]interface{}) (*ImageSetDocument, error) {
	first := instances[0]
	doc := &ImageSetDocument{
		SchemaVersion: "1.1",
		DatastoreID:   s.datastoreID,
		ImageSetID:    studyUID,
		Patient: DocumentModule{DICOM: map[string]any{
			"PatientName": dicomweb.TagString(first, dicomweb.TagPatientName),
			"PatientID":   dicomweb.TagString(first, dicomweb.TagPatientID),
		}},
		Study: StudyModule{
			DICOM: map[string]any{
				"StudyInstanceUID": studyUID,
				"StudyDate":        dicomweb.TagString(first, dicomweb.TagStudyDate),
				"StudyDescription": dicomweb.TagString(first, dicomweb.TagStudyDescription),
			},
			Series: map[string]SeriesModule{},
		},
	}

	for _, ds := range instances {
		seriesUID := dicomweb.TagString(ds, dicomweb.TagSeriesInstanceUID)
		sopUID := dicomweb.TagString(ds, dicomweb.TagSOPInstanceUID)
		if seriesUID == "" || sopUID == "" {
			continue
		}

		series, ok := doc.Study.Series[seriesUID]
		if !ok {
			series = SeriesModule{
				DICOM: map[string]any{
					"SeriesInstanceUID": seriesUID,
					"Modality":          dicomweb.TagString(ds, dicomweb.TagModality),
				},
				Instances: map[string]InstanceModule{},
			}
		}

		loc := FrameLocation{
			StudyUID:            studyUID,
			SeriesUID:           seriesUID,
			SOPInstanceUID:      sopUID,
			Rows:                dicomweb.TagInt(ds, dicomweb.TagRows, 0),
			Columns:             dicomweb.TagInt(ds, dicomweb.TagColumns, 0),
			BitsAllocated:       dicomweb.TagInt(ds, dicomweb.TagBitsAllocated, 16),
			SamplesPerPixel:     dicomweb.TagInt(ds, dicomweb.TagSamplesPerPixel, 1),
			PixelRepresentation: dicomweb.TagInt(ds, dicomweb.TagPixelRepresentation, 0),
		}

		inst := InstanceModule{DICOM: map[string]any{
			"SOPInstanceUID":  sopUID,
			"Rows":            loc.Rows,
			"Columns":         loc.Columns,
			"BitsAllocated":   loc.BitsAllocated,
			"SamplesPerPixel": loc.SamplesPerPixel,
		}}

		// Instances without pixel data (SR, KO, ...) carry no frames.
		numFrames := 0
		if loc.Rows > 0 && loc.Columns > 0 {
			numFrames = dicomweb.TagInt(ds, dicomweb.TagNumberOfFrames, 1)
		}
		inst.DICOM["NumberOfFrames"] = numFrames

		for n := 1; n <= numFrames; n++ {
			id := DeriveID("frame", studyUID, seriesUID, sopUID, strconv.Itoa(n))
			frameLoc := loc
			frameLoc.FrameNumber = n
			if err := s.index.Put(ctx, id, frameLoc); err != nil {
				return nil, fmt.Errorf("index frame %s: %w", id, err)
			}
			inst.ImageFrames = append(inst.ImageFrames, ImageFrame{
				ID:               id,
				FrameSizeInBytes: loc.Rows * loc.Columns * loc.SamplesPerPixel * loc.BitsAllocated / 8,
			})
		}

		series.Instances[sopUID] = inst
		doc.Study.Series[seriesUID] = series
	}
	return doc, nil
}

func (s *DICOMWebService) GetFrameBytes(ctx context.Context, imageSetID, frameID string) (*Frame, error) {
	loc, ok, err := s.index.Get(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Index entries may have expired or been built by another replica.
		if _, err := s.GetImageSetMetadata(ctx, imageSetID); err != nil {
			return nil, err
		}
		if loc, ok, err = s.index.Get(ctx, frameID); err != nil {
			return nil, err
		}
	}
	if !ok || loc.StudyUID != imageSetID {
		return nil, fmt.Errorf("frame %s in study %s: %w", frameID, imageSetID, ErrNotFound)
	}

	data, partType, err := s.api.RetrieveFrame(ctx, loc.StudyUID, loc.SeriesUID, loc.SOPInstanceUID, loc.FrameNumber)
	if err != nil {
		if dicomweb.IsNotFound(err) {
			return nil, fmt.Errorf("frame %s: %w", frameID, ErrNotFound)
		}
		return nil, fmt.Errorf("retrieve frame %s: %w", frameID, err)
	}

	return &Frame{
		ImageSetID:  imageSetID,
		FrameID:     frameID,
		ContentType: frameContentType(partType, loc),
		Data:        data,
	}, nil
}

// frameContentType labels native frames with their geometry so the codec
// adapter can decode them; compressed frames keep the store's media type.
func frameContentType(partType string, loc FrameLocation) string {
	_, params, err := mime.ParseMediaType(partType)
	if err != nil {
		return partType
	}
	ts := strings.Trim(params["transfer-syntax"], `"`)
	switch ts {
	case imaging.TransferSyntaxExplicitVRLittleEndian, imaging.TransferSyntaxImplicitVRLittleEndian:
		return imaging.NativeContentType(loc.Rows, loc.Columns, loc.BitsAllocated, loc.SamplesPerPixel, loc.PixelRepresentation == 1)
	case imaging.TransferSyntaxHTJ2KLossless, imaging.TransferSyntaxHTJ2KLosslessRPCL, imaging.TransferSyntaxHTJ2K:
		return imaging.ContentTypeHTJ2K
	}
	return partType
}
