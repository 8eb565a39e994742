package dicomweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"google.golang.org/api/googleapi"
	healthcare "google.golang.org/api/healthcare/v1"
	"google.golang.org/api/option"
)

// FramesAccept asks the store for raw frame bytes in whatever transfer
// syntax it holds them.
const FramesAccept = `multipart/related; type="application/octet-stream"; transfer-syntax=*`

type Client struct {
	projectID string
	location  string
	datasetID string
	storeID   string
	svc       *healthcare.Service
}

func NewClient(ctx context.Context, projectID, location, datasetID, storeID string, opts ...option.ClientOption) (*Client, error) {
	svc, err := healthcare.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("healthcare.NewService: %w", err)
	}
	return &Client{
		projectID: projectID,
		location:  location,
		datasetID: datasetID,
		storeID:   storeID,
		svc:       svc,
	}, nil
}

func (c *Client) dicomStoreParent() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/datasets/%s/dicomStores/%s",
		c.projectID, c.location, c.datasetID, c.storeID,
	)
}

// IsNotFound reports whether err is a 404 from the Healthcare API.
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// SearchStudies runs a QIDO-RS study search. Query keys are DICOM keywords
// (PatientName, PatientID, StudyDate, ModalitiesInStudy, ...).
func (c *Client) SearchStudies(ctx context.Context, query url.Values) ([]map[string]interface{}, error) {
	parent := c.dicomStoreParent()

	var opts []googleapi.CallOption
	for k, vals := range query {
		opts = append(opts, googleapi.QueryParameter(k, vals...))
	}

	resp, err := c.svc.Projects.Locations.Datasets.DicomStores.
		SearchForStudies(parent, "studies").
		Context(ctx).
		Do(opts...)
	if err != nil {
		return nil, fmt.Errorf("SearchForStudies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode > 299 {
		return nil, fmt.Errorf("SearchForStudies: status %d %s", resp.StatusCode, resp.Status)
	}

	var out []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search JSON: %w", err)
	}
	return out, nil
}

// StudyMetadata returns the DICOM JSON datasets of every instance in a study.
func (c *Client) StudyMetadata(ctx context.Context, studyUID string) ([]map[string]interface{}, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s/metadata", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	resp, err := studiesSvc.RetrieveMetadata(parent, dicomWebPath).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("RetrieveMetadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return nil, fmt.Errorf("RetrieveMetadata: status %d %s", resp.StatusCode, resp.Status)
	}

	var out []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode metadata JSON: %w", err)
	}
	return out, nil
}

// RetrieveFramesRaw retrieves one or more frames' pixel data for a given
// study/series/instance/frame list via the DICOMweb frames endpoint.
//
// The Healthcare API answers with
//
//	Content-Type: multipart/related; type="application/octet-stream"; ...
//
// whose parts hold only PixelData bytes. The caller closes resp.Body.
func (c *Client) RetrieveFramesRaw(
	ctx context.Context,
	studyUID, seriesUID, instanceUID, frameList, accept string,
) (*http.Response, error) {
	if studyUID == "" || seriesUID == "" || instanceUID == "" || frameList == "" {
		return nil, fmt.Errorf("studyUID, seriesUID, instanceUID, and frameList are required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf(
		"studies/%s/series/%s/instances/%s/frames/%s",
		studyUID, seriesUID, instanceUID, frameList,
	)

	framesSvc := c.svc.Projects.
		Locations.
		Datasets.
		DicomStores.
		Studies.
		Series.
		Instances.
		Frames

	call := framesSvc.RetrieveFrames(parent, dicomWebPath)
	if accept != "" {
		call.Header().Set("Accept", accept)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("RetrieveFrames: %w", err)
	}
	return resp, nil
}

// RetrieveFrame fetches a single 1-based frame and unwraps it from the
// multipart response. The returned content type is the part's own.
func (c *Client) RetrieveFrame(ctx context.Context, studyUID, seriesUID, instanceUID string, frameNumber int) ([]byte, string, error) {
	resp, err := c.RetrieveFramesRaw(ctx, studyUID, seriesUID, instanceUID, strconv.Itoa(frameNumber), FramesAccept)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("RetrieveFrames: status %d %s", resp.StatusCode, resp.Status)
	}

	data, partType, err := FirstPart(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, partType, nil
}

// ReadAllLimited reads at most limit bytes from r, failing if there is more.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
