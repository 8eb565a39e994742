package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"ahi-viewer-rest/healthimaging"
)

const maxSearchBody = 64 << 10

// writeJSON is a small helper to send JSON responses with status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON error: %v", err)
	}
}

func (h *Handlers) upstreamContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Cfg.UpstreamTimeout > 0 {
		return context.WithTimeout(r.Context(), h.Cfg.UpstreamTimeout)
	}
	return context.WithCancel(r.Context())
}

// writeUpstreamError maps facade errors to 404 or 502.
func writeUpstreamError(w http.ResponseWriter, op string, err error, notFound string) {
	if healthimaging.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": notFound,
		})
		return
	}
	log.Printf("%s error: %v", op, err)
	writeJSON(w, http.StatusBadGateway, map[string]interface{}{
		"error": "upstream_error",
	})
}

// HealthHandler implements GET /healthz.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	provider := ""
	if h.Images.Mode() == healthimaging.ModeLive {
		provider = h.Cfg.Provider
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"mode":     h.Images.Mode(),
		"provider": provider,
	})
}

// SearchHandler implements GET /search (query parameters) and POST /search
// (JSON body) with patientName, modality, studyDate and patientId filters.
func (h *Handlers) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var criteria healthimaging.SearchCriteria

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		criteria = healthimaging.SearchCriteria{
			PatientName: q.Get("patientName"),
			Modality:    q.Get("modality"),
			StudyDate:   q.Get("studyDate"),
			PatientID:   q.Get("patientId"),
		}
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxSearchBody)
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&criteria); err != nil {
			log.Printf("SearchHandler decode error: %v", err)
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "invalid_json",
			})
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := h.upstreamContext(r)
	defer cancel()

	sets, err := h.Images.SearchImageSets(ctx, criteria.Normalize())
	if err != nil {
		writeUpstreamError(w, "SearchHandler SearchImageSets", err, "not_found")
		return
	}
	if sets == nil {
		sets = []healthimaging.ImageSetSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"mode":      h.Images.Mode(),
		"count":     len(sets),
		"imageSets": sets,
	})
}

// ViewHandler serves everything under /view/:
//   - GET /view/{imageSetId}
//   - GET /view/{imageSetId}/frame/{frameId}/jpeg2000
func (h *Handlers) ViewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	const prefix = "/view/"
	suffix := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if suffix == "" {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "image_set_id_required",
		})
		return
	}

	parts := strings.Split(suffix, "/")
	switch {
	case len(parts) == 1:
		h.handleViewMetadata(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "frame" && parts[2] != "" && parts[3] == "jpeg2000":
		h.handleViewFrame(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handlers) handleViewMetadata(w http.ResponseWriter, r *http.Request, imageSetID string) {
	ctx, cancel := h.upstreamContext(r)
	defer cancel()

	md, err := h.Images.GetImageSetMetadata(ctx, imageSetID)
	if err != nil {
		writeUpstreamError(w, "handleViewMetadata GetImageSetMetadata", err, "image_set_not_found")
		return
	}

	frameIDs := md.FrameIDs
	if frameIDs == nil {
		frameIDs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"imageSetId":    md.ImageSetID,
		"frameCount":    len(frameIDs),
		"frameIds":      frameIDs,
		"dicomMetadata": md.Document,
		"metadataSize":  len(md.Document),
	})
}

func (h *Handlers) handleViewFrame(w http.ResponseWriter, r *http.Request, imageSetID, frameID string) {
	ctx, cancel := h.upstreamContext(r)
	defer cancel()

	frame, err := h.Images.GetFrameBytes(ctx, imageSetID, frameID)
	if err != nil {
		writeUpstreamError(w, "handleViewFrame GetFrameBytes", err, "frame_not_found")
		return
	}

	ct := frame.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("X-Frame-Id", frameID)
	if dl := r.URL.Query().Get("download"); dl == "1" || dl == "true" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": fmt.Sprintf("%s_%s.j2k", imageSetID, frameID),
		}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame.Data); err != nil {
		log.Printf("handleViewFrame write error: %v", err)
	}
}
