package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/detect"
	"github.com/technosupport/parkwatch/internal/rtsp"
)

// SiteStore is the site repository surface the handlers use.
type SiteStore interface {
	CreateNvr(ctx context.Context, c *data.NvrConfig) error
	GetNvr(ctx context.Context, id uuid.UUID) (*data.NvrConfig, error)
	ListNvrs(ctx context.Context) ([]*data.NvrConfig, error)
	UpdateNvr(ctx context.Context, c *data.NvrConfig) error
	DeleteNvr(ctx context.Context, id uuid.UUID) error
	UpsertChannel(ctx context.Context, ch *data.ChannelConfig) error
}

type SiteHandler struct {
	Sites SiteStore
}

type UpsertChannelRequest struct {
	ChannelCode string              `json:"channel_code"`
	CameraIP    string              `json:"camera_ip"`
	DisplayName string              `json:"display_name"`
	VendorSN    string              `json:"vendor_sn,omitempty"`
	TrackSpace  *string             `json:"track_space,omitempty"`
	Spaces      []data.ParkingSpace `json:"parking_spaces"`
}

func (h *SiteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg data.NvrConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.SiteName == "" || cfg.NvrHost == "" {
		http.Error(w, "site_name and nvr_host required", http.StatusBadRequest)
		return
	}
	if cfg.NvrPort == 0 {
		cfg.NvrPort = 554
	}
	if err := h.Sites.CreateNvr(r.Context(), &cfg); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, cfg)
}

func (h *SiteHandler) List(w http.ResponseWriter, r *http.Request) {
	sites, err := h.Sites.ListNvrs(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if sites == nil {
		sites = []*data.NvrConfig{}
	}
	respond(w, http.StatusOK, map[string]any{"items": sites, "total": len(sites)})
}

func (h *SiteHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	cfg, err := h.Sites.GetNvr(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (h *SiteHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	var cfg data.NvrConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg.ID = id
	if err := h.Sites.UpdateNvr(r.Context(), &cfg); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (h *SiteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	if err := h.Sites.DeleteNvr(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertChannel creates or replaces one channel plus its parking
// spaces. Space bboxes must fit the 1920x1080 reference frame.
func (h *SiteHandler) UpsertChannel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	var req UpsertChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !rtsp.ValidChannelCode(req.ChannelCode) {
		http.Error(w, "invalid channel_code", http.StatusBadRequest)
		return
	}
	for _, sp := range req.Spaces {
		box := detect.SpaceBox{X1: sp.X1, Y1: sp.Y1, X2: sp.X2, Y2: sp.Y2}
		if !box.Valid() {
			http.Error(w, "space "+sp.SpaceID+" bbox outside reference frame", http.StatusBadRequest)
			return
		}
	}

	ch := &data.ChannelConfig{
		NvrConfigID: id,
		ChannelCode: req.ChannelCode,
		CameraIP:    req.CameraIP,
		DisplayName: req.DisplayName,
		VendorSN:    req.VendorSN,
		TrackSpace:  req.TrackSpace,
		Spaces:      req.Spaces,
	}
	if err := h.Sites.UpsertChannel(r.Context(), ch); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, ch)
}
