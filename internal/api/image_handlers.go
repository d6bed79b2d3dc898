package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/dedup"
	"github.com/technosupport/parkwatch/internal/query"
)

// DupScanner groups near-identical screenshots of one day.
type DupScanner interface {
	ScanDay(date string) ([]dedup.Group, error)
}

type ImageHandler struct {
	Query *query.Service
	Dedup DupScanner
}

func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := query.ImageFilter{Task: taskFilterFromQuery(r)}
	if label := q.Get("status_label"); label != "" {
		if !query.ValidStatusLabel(label) {
			http.Error(w, "invalid status_label", http.StatusBadRequest)
			return
		}
		filter.StatusLabel = label
	}
	if s := q.Get("missing"); s != "" {
		v := s == "true"
		filter.Missing = &v
	}
	page, pageSize := pageFromQuery(r)
	res, err := h.Query.ListImages(r.Context(), filter, page, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// Duplicates reports groups of near-identical screenshots for a day,
// found by perceptual hash over the stored blobs.
func (h *ImageHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}
	groups, err := h.Dedup.ScanDay(date)
	if err != nil {
		respondErr(w, err)
		return
	}
	if groups == nil {
		groups = []dedup.Group{}
	}
	respond(w, http.StatusOK, map[string]any{"date": date, "groups": groups})
}

func (h *ImageHandler) Raw(w http.ResponseWriter, r *http.Request) {
	h.serveImage(w, r, false)
}

func (h *ImageHandler) Detected(w http.ResponseWriter, r *http.Request) {
	h.serveImage(w, r, true)
}

func (h *ImageHandler) serveImage(w http.ResponseWriter, r *http.Request, detected bool) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	raw, err := h.Query.ImageData(r.Context(), taskID, detected)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(raw)
}

// Snapshot returns the detector output of one task: snapshot row,
// per-space states, and inferred changes.
func (h *ImageHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	detail, err := h.Query.SnapshotByTask(r.Context(), taskID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, detail)
}

func (h *ImageHandler) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := data.ChangeFilter{
		Date:       q.Get("date"),
		IP:         q.Get("ip"),
		Channel:    q.Get("channel"),
		SpaceID:    q.Get("space_id"),
		ChangeType: q.Get("change_type"),
		RealOnly:   q.Get("real_only") == "true",
	}
	page, pageSize := pageFromQuery(r)
	res, err := h.Query.ListChanges(r.Context(), filter, page, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// Timeline returns the full change history of one space on one combo.
func (h *ImageHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip, channel, spaceID := q.Get("ip"), q.Get("channel"), q.Get("space_id")
	if ip == "" || channel == "" || spaceID == "" {
		http.Error(w, "ip, channel and space_id required", http.StatusBadRequest)
		return
	}
	records, err := h.Query.SpaceTimeline(r.Context(), ip, channel, spaceID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if records == nil {
		records = []data.ChangeRecord{}
	}
	respond(w, http.StatusOK, records)
}
