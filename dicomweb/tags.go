package dicomweb

import (
	"strconv"
	"strings"
)

// DICOM JSON tag keys used by the viewer backend.
const (
	TagSOPInstanceUID      = "00080018"
	TagStudyDate           = "00080020"
	TagModality            = "00080060"
	TagModalitiesInStudy   = "00080061"
	TagStudyDescription    = "00081030"
	TagPatientName         = "00100010"
	TagPatientID           = "00100020"
	TagStudyInstanceUID    = "0020000D"
	TagSeriesInstanceUID   = "0020000E"
	TagSamplesPerPixel     = "00280002"
	TagNumberOfFrames      = "00280008"
	TagRows                = "00280010"
	TagColumns             = "00280011"
	TagBitsAllocated       = "00280100"
	TagPixelRepresentation = "00280103"
)

func tagValues(ds map[string]interface{}, tag string) []interface{} {
	v, ok := ds[tag]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	vals, _ := m["Value"].([]interface{})
	return vals
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]interface{}:
		// PN values: {"Alphabetic": "Doe^Jane"}
		if s, ok := t["Alphabetic"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// TagString extracts the first Value of a DICOM JSON element as a string
// (e.g. "0020000E" for SeriesInstanceUID).
func TagString(ds map[string]interface{}, tag string) string {
	vals := tagValues(ds, tag)
	if len(vals) == 0 {
		return ""
	}
	return valueString(vals[0])
}

// TagStrings returns every Value of an element as strings.
func TagStrings(ds map[string]interface{}, tag string) []string {
	var out []string
	for _, v := range tagValues(ds, tag) {
		if s := valueString(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TagInt reads numeric elements, including IS values sent as strings.
func TagInt(ds map[string]interface{}, tag string, def int) int {
	vals := tagValues(ds, tag)
	if len(vals) == 0 {
		return def
	}
	switch t := vals[0].(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}
