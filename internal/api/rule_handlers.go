package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/rtsp"
)

var triggerTimeRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// RuleStore is the rule repository surface the handlers use.
type RuleStore interface {
	Create(ctx context.Context, r *data.AutoRule) error
	GetByID(ctx context.Context, id int64) (*data.AutoRule, error)
	ListAll(ctx context.Context) ([]*data.AutoRule, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// RuleRunner fires one rule on demand.
type RuleRunner interface {
	RunNow(ctx context.Context, ruleID int64) (int, error)
}

type RuleHandler struct {
	Rules  RuleStore
	Runner RuleRunner
}

type CreateRuleRequest struct {
	Name            string  `json:"name"`
	UseToday        bool    `json:"use_today"`
	CustomDate      *string `json:"custom_date,omitempty"`
	BaseRTSP        string  `json:"base_rtsp"`
	Channel         string  `json:"channel"`
	IntervalMinutes int     `json:"interval_minutes"`
	TriggerTime     string  `json:"trigger_time"`
	IsEnabled       bool    `json:"is_enabled"`
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.UseToday && req.CustomDate == nil {
		http.Error(w, "either use_today or custom_date required", http.StatusBadRequest)
		return
	}
	if !rtsp.ValidBase(req.BaseRTSP) {
		http.Error(w, "invalid base_rtsp", http.StatusBadRequest)
		return
	}
	if !rtsp.ValidChannelCode(req.Channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	if req.IntervalMinutes < 1 || req.IntervalMinutes > 1440 {
		http.Error(w, "interval_minutes out of range", http.StatusBadRequest)
		return
	}
	if !triggerTimeRegex.MatchString(req.TriggerTime) {
		http.Error(w, "trigger_time must be HH:MM", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("%s_%s_%s", rtsp.HostIP(req.BaseRTSP), req.Channel, req.TriggerTime)
	}

	rule := &data.AutoRule{
		Name:            req.Name,
		UseToday:        req.UseToday,
		CustomDate:      req.CustomDate,
		BaseRTSP:        req.BaseRTSP,
		Channel:         req.Channel,
		IntervalMinutes: req.IntervalMinutes,
		TriggerTime:     req.TriggerTime,
		IsEnabled:       req.IsEnabled,
	}
	if err := h.Rules.Create(r.Context(), rule); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, rule)
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.ListAll(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if rules == nil {
		rules = []*data.AutoRule{}
	}
	respond(w, http.StatusOK, map[string]any{"items": rules, "total": len(rules)})
}

func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := h.Rules.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

func (h *RuleHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *RuleHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *RuleHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.Rules.SetEnabled(r.Context(), id, enabled); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"is_enabled": enabled})
}

// RunNow fires the rule immediately regardless of its trigger time.
func (h *RuleHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	n, err := h.Runner.RunNow(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"submitted": n})
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.Rules.Delete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
