// Package healthimaging is the backend facade over a medical image store:
// image-set search, image-set metadata and single-frame retrieval. The mock
// and live implementations share one interface and are picked once at
// startup.
package healthimaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	ModeMock = "mock"
	ModeLive = "live"
)

// ErrNotFound is returned for unknown image sets and frames.
var ErrNotFound = errors.New("not found")

// Service is implemented by MockService, AWSService and DICOMWebService.
type Service interface {
	Mode() string
	SearchImageSets(ctx context.Context, criteria SearchCriteria) ([]ImageSetSummary, error)
	GetImageSetMetadata(ctx context.Context, imageSetID string) (*Metadata, error)
	GetFrameBytes(ctx context.Context, imageSetID, frameID string) (*Frame, error)
}

// SearchCriteria is an AND of equality filters. Empty fields match anything.
type SearchCriteria struct {
	PatientName string `json:"patientName"`
	Modality    string `json:"modality"`
	StudyDate   string `json:"studyDate"`
	PatientID   string `json:"patientId"`
}

func (c SearchCriteria) Normalize() SearchCriteria {
	return SearchCriteria{
		PatientName: strings.TrimSpace(c.PatientName),
		Modality:    strings.ToUpper(strings.TrimSpace(c.Modality)),
		StudyDate:   strings.TrimSpace(c.StudyDate),
		PatientID:   strings.TrimSpace(c.PatientID),
	}
}

// Matches applies the filters to one summary. Patient names compare
// case-insensitively; a summary matches a modality filter if any of its
// modalities equals it.
func (c SearchCriteria) Matches(s ImageSetSummary) bool {
	n := c.Normalize()
	if n.PatientName != "" && !strings.EqualFold(n.PatientName, strings.TrimSpace(s.PatientName)) {
		return false
	}
	if n.PatientID != "" && n.PatientID != strings.TrimSpace(s.PatientID) {
		return false
	}
	if n.StudyDate != "" && n.StudyDate != strings.TrimSpace(s.StudyDate) {
		return false
	}
	if n.Modality != "" {
		found := false
		for _, m := range s.Modalities {
			if strings.EqualFold(strings.TrimSpace(m), n.Modality) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type ImageSetSummary struct {
	ImageSetID       string     `json:"imageSetId"`
	Version          string     `json:"version,omitempty"`
	PatientName      string     `json:"patientName,omitempty"`
	PatientID        string     `json:"patientId,omitempty"`
	StudyDate        string     `json:"studyDate,omitempty"`
	StudyDescription string     `json:"studyDescription,omitempty"`
	StudyInstanceUID string     `json:"studyInstanceUid,omitempty"`
	Modalities       []string   `json:"modalities,omitempty"`
	CreatedAt        *time.Time `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

// Metadata is a decompressed image-set metadata document plus the frame IDs
// found in it, in document order.
type Metadata struct {
	ImageSetID     string          `json:"imageSetId"`
	Document       json.RawMessage `json:"document"`
	CompressedSize int             `json:"compressedSize"`
	FrameIDs       []string        `json:"frameIds"`
}

// Frame is one compressed frame. ContentType names the codec family.
type Frame struct {
	ImageSetID  string
	FrameID     string
	ContentType string
	Data        []byte
}
