package dicomweb

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"

	"google.golang.org/api/option"
)

func multipartBody(t *testing.T, partType string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", partType)
	pw, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	pw.Write(data)
	mw.Close()
	ct := `multipart/related; type="application/octet-stream"; boundary=` + mw.Boundary()
	return buf.Bytes(), ct
}

func TestFirstPart(t *testing.T) {
	body, ct := multipartBody(t, "application/octet-stream; transfer-syntax=1.2.840.10008.1.2.1", []byte{1, 2, 3, 4})

	data, partType, err := FirstPart(ct, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("FirstPart: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Fatalf("data = %v", data)
	}
	if !strings.Contains(partType, "1.2.840.10008.1.2.1") {
		t.Fatalf("part type = %q", partType)
	}

	data, partType, err = FirstPart("image/jphc", bytes.NewReader([]byte{9}))
	if err != nil || partType != "image/jphc" || len(data) != 1 {
		t.Fatalf("non-multipart = %v %q %v", data, partType, err)
	}

	if _, _, err := FirstPart("multipart/related", bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected error without boundary")
	}
}

func TestTagHelpers(t *testing.T) {
	ds := map[string]interface{}{
		TagPatientName:       map[string]interface{}{"vr": "PN", "Value": []interface{}{map[string]interface{}{"Alphabetic": "Doe^Jane"}}},
		TagRows:              map[string]interface{}{"vr": "US", "Value": []interface{}{float64(512)}},
		TagNumberOfFrames:    map[string]interface{}{"vr": "IS", "Value": []interface{}{"3"}},
		TagModalitiesInStudy: map[string]interface{}{"vr": "CS", "Value": []interface{}{"CT", "SR"}},
	}
	if got := TagString(ds, TagPatientName); got != "Doe^Jane" {
		t.Errorf("PatientName = %q", got)
	}
	if got := TagInt(ds, TagRows, 0); got != 512 {
		t.Errorf("Rows = %d", got)
	}
	if got := TagInt(ds, TagNumberOfFrames, 1); got != 3 {
		t.Errorf("NumberOfFrames = %d", got)
	}
	if got := TagInt(ds, TagColumns, 7); got != 7 {
		t.Errorf("missing Columns = %d", got)
	}
	if got := TagStrings(ds, TagModalitiesInStudy); len(got) != 2 || got[1] != "SR" {
		t.Errorf("ModalitiesInStudy = %v", got)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), "proj", "loc", "ds", "store",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientAgainstFakeStore(t *testing.T) {
	frameBody, frameCT := multipartBody(t, "application/octet-stream; transfer-syntax=1.2.840.10008.1.2.1", []byte{5, 6})
	var searchQuery url.Values

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case strings.HasSuffix(p, "/dicomWeb/studies"):
			searchQuery = r.URL.Query()
			w.Header().Set("Content-Type", "application/dicom+json")
			w.Write([]byte(`[{"0020000D":{"vr":"UI","Value":["1.2.3"]}}]`))
		case strings.HasSuffix(p, "/studies/1.2.3/metadata"):
			w.Header().Set("Content-Type", "application/dicom+json")
			w.Write([]byte(`[{"00080018":{"vr":"UI","Value":["1.2.3.4.5"]}}]`))
		case strings.HasSuffix(p, "/frames/1"):
			if !strings.Contains(r.Header.Get("Accept"), "transfer-syntax=*") {
				http.Error(w, "bad accept", http.StatusNotAcceptable)
				return
			}
			w.Header().Set("Content-Type", frameCT)
			w.Write(frameBody)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
		}
	})
	ctx := context.Background()

	studies, err := c.SearchStudies(ctx, url.Values{"PatientID": {"P1"}})
	if err != nil {
		t.Fatalf("SearchStudies: %v", err)
	}
	if len(studies) != 1 || TagString(studies[0], TagStudyInstanceUID) != "1.2.3" {
		t.Fatalf("studies = %v", studies)
	}
	if searchQuery.Get("PatientID") != "P1" {
		t.Fatalf("search query = %v", searchQuery)
	}

	md, err := c.StudyMetadata(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("StudyMetadata: %v", err)
	}
	if TagString(md[0], TagSOPInstanceUID) != "1.2.3.4.5" {
		t.Fatalf("metadata = %v", md)
	}

	data, ct, err := c.RetrieveFrame(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5", 1)
	if err != nil {
		t.Fatalf("RetrieveFrame: %v", err)
	}
	if !bytes.Equal(data, []byte{5, 6}) || !strings.HasPrefix(ct, "application/octet-stream") {
		t.Fatalf("frame = %v %q", data, ct)
	}

	_, err = c.StudyMetadata(ctx, "9.9.9")
	if err == nil || !IsNotFound(err) {
		t.Fatalf("missing study: err = %v", err)
	}
}
