package hlsd

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/parkwatch/internal/hls"
)

var (
	fpRegex   = regexp.MustCompile(`^[0-9a-f]{16}$`)
	fileRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+\.(m3u8|ts)$`)
)

type Config struct {
	HlsRoot        string
	AllowedOrigins []string
}

type Handler struct {
	cfg     Config
	manager *hls.Manager
}

func NewHandler(cfg Config, manager *hls.Manager) *Handler {
	return &Handler{cfg: cfg, manager: manager}
}

// StartStream spins up (or reuses) a transcoder for one RTSP URL and
// hands back the playlist location.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RTSPURL string `json:"rtsp_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !strings.HasPrefix(req.RTSPURL, "rtsp://") {
		http.Error(w, "rtsp_url required", http.StatusBadRequest)
		return
	}

	fp, err := h.manager.Ensure(r.Context(), req.RTSPURL)
	if err != nil {
		if errors.Is(err, hls.ErrRateLimited) {
			http.Error(w, "stream restarting too fast, retry shortly", http.StatusTooManyRequests)
			return
		}
		log.Printf("[ERROR] hls start: %v", err)
		http.Error(w, "failed to start stream", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"fingerprint": fp,
		"playlist":    "/hls/" + fp + "/index.m3u8",
	})
}

// ServeHLS delivers playlists and segments for one fingerprint.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	fp := chi.URLParam(r, "fingerprint")
	file := chi.URLParam(r, "file")
	if !fpRegex.MatchString(fp) || !fileRegex.MatchString(file) {
		http.Error(w, "Invalid request parameters", http.StatusBadRequest)
		return
	}

	// Every delivery resets the idle clock so watched streams stay up.
	h.manager.Touch(fp)

	target := filepath.Join(h.cfg.HlsRoot, fp, file)
	if _, err := os.Stat(target); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if strings.HasSuffix(file, ".m3u8") {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	http.ServeFile(w, r, target)
}

func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
			return
		}
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/api/hls/start", h.StartStream)
	r.HandleFunc("/hls/{fingerprint}/{file}", h.ServeHLS)
}
