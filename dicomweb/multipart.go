package dicomweb

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// MaxFrameBytes caps a single unwrapped frame.
const MaxFrameBytes = 1 << 30

// FirstPart returns the body and Content-Type of the first part of a
// multipart/related response. A non-multipart body is returned as is.
func FirstPart(contentType string, body io.Reader) ([]byte, string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, "", fmt.Errorf("ParseMediaType(%q): %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := ReadAllLimited(body, MaxFrameBytes)
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		return data, contentType, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", fmt.Errorf("no boundary in Content-Type")
	}

	reader := multipart.NewReader(bufio.NewReader(body), boundary)
	part, err := reader.NextPart()
	if err == io.EOF {
		return nil, "", fmt.Errorf("no parts found in multipart")
	}
	if err != nil {
		return nil, "", fmt.Errorf("NextPart: %w", err)
	}
	defer part.Close()

	data, err := ReadAllLimited(part, MaxFrameBytes)
	if err != nil {
		return nil, "", fmt.Errorf("read part: %w", err)
	}

	partType := part.Header.Get("Content-Type")
	if partType == "" {
		partType = strings.Trim(params["type"], `"`)
	}
	return data, partType, nil
}
