package healthimaging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const (
	// FrameIDKey and FrameIDLength drive the structural frame-ID scan. Any
	// nested "ID" holding a 32 character string counts as a frame, so an
	// unrelated field of the same shape would be picked up too.
	FrameIDKey    = "ID"
	FrameIDLength = 32
)

// ImageSetDocument mirrors the HealthImaging image-set metadata layout.
// Series and Instances are keyed by UID.
type ImageSetDocument struct {
	SchemaVersion string         `json:"SchemaVersion"`
	DatastoreID   string         `json:"DatastoreID,omitempty"`
	ImageSetID    string         `json:"ImageSetID"`
	Patient       DocumentModule `json:"Patient"`
	Study         StudyModule    `json:"Study"`
}

type DocumentModule struct {
	DICOM map[string]any `json:"DICOM"`
}

type StudyModule struct {
	DICOM  map[string]any          `json:"DICOM"`
	Series map[string]SeriesModule `json:"Series"`
}

type SeriesModule struct {
	DICOM     map[string]any            `json:"DICOM"`
	Instances map[string]InstanceModule `json:"Instances"`
}

type InstanceModule struct {
	DICOM       map[string]any `json:"DICOM"`
	ImageFrames []ImageFrame   `json:"ImageFrames"`
}

type ImageFrame struct {
	ID               string `json:"ID"`
	FrameSizeInBytes int    `json:"FrameSizeInBytes,omitempty"`
}

// DecompressMetadata returns the JSON bytes of a metadata blob. Gzip is
// detected from the magic bytes as well as the declared encoding, since
// blobs are not always labelled.
func DecompressMetadata(r io.Reader, contentEncoding string) ([]byte, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	gz := len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b
	if !gz && strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip") {
		return nil, fmt.Errorf("metadata declared gzip but has no gzip header")
	}
	if !gz {
		return io.ReadAll(br)
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("gzip.NewReader: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip metadata: %w", err)
	}
	return out, nil
}

// CompressMetadata gzips a metadata document.
func CompressMetadata(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// FindFrameIDs walks a JSON document and returns every string value stored
// under FrameIDKey with length FrameIDLength, in document order, without
// duplicates.
func FindFrameIDs(doc []byte) ([]string, error) {
	type container struct {
		object    bool
		expectKey bool
		key       string
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	var stack []*container
	seen := map[string]bool{}
	var ids []string

	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].expectKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan metadata JSON: %w", err)
		}

		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{':
				valueDone()
				stack = append(stack, &container{object: true, expectKey: true})
			case '[':
				valueDone()
				stack = append(stack, &container{})
			case '}', ']':
				stack = stack[:len(stack)-1]
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].expectKey {
				stack[n-1].key = v
				stack[n-1].expectKey = false
				continue
			}
			if n := len(stack); n > 0 && stack[n-1].object &&
				stack[n-1].key == FrameIDKey && len(v) == FrameIDLength && !seen[v] {
				seen[v] = true
				ids = append(ids, v)
			}
			valueDone()
		default:
			valueDone()
		}
	}
	return ids, nil
}

// ParseMetadata decompresses a blob and scans it for frame IDs.
func ParseMetadata(imageSetID string, blob []byte, contentEncoding string) (*Metadata, error) {
	doc, err := DecompressMetadata(bytes.NewReader(blob), contentEncoding)
	if err != nil {
		return nil, err
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("metadata for %s is not valid JSON", imageSetID)
	}
	ids, err := FindFrameIDs(doc)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		ImageSetID:     imageSetID,
		Document:       json.RawMessage(doc),
		CompressedSize: len(blob),
		FrameIDs:       ids,
	}, nil
}

// DocumentModalities lists the distinct series modalities of a metadata
// document, sorted.
func DocumentModalities(doc []byte) ([]string, error) {
	var d ImageSetDocument
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("unmarshal image set document: %w", err)
	}
	set := map[string]bool{}
	for _, s := range d.Study.Series {
		if m, ok := s.DICOM["Modality"].(string); ok && m != "" {
			set[strings.ToUpper(strings.TrimSpace(m))] = true
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

var idNamespace = uuid.MustParse("6f1c1f0e-3a8e-4c59-9d0a-2d1c6b7a9e41")

// DeriveID hashes parts into a stable 32 character hex ID, the same shape
// HealthImaging uses for image sets and frames.
func DeriveID(parts ...string) string {
	u := uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00")))
	return strings.ReplaceAll(u.String(), "-", "")
}
