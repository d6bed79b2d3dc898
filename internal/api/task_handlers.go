package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/planner"
	"github.com/technosupport/parkwatch/internal/query"
)

// PlanService materializes day plans.
type PlanService interface {
	Plan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, error)
}

// RunService plans a day and submits it for capture in one call.
type RunService interface {
	RunPlan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, int, error)
}

// RerunService resets and resubmits tasks.
type RerunService interface {
	Rerun(ctx context.Context, date, ip, channel string, taskID *int64) (int, error)
}

// TaskAdmin covers the destructive task operations.
type TaskAdmin interface {
	Delete(ctx context.Context, id int64) error
	DeleteByCombo(ctx context.Context, date, ip, channel string) (int64, error)
}

type TaskHandler struct {
	Query   *query.Service
	Planner PlanService
	Run     RunService
	Runner  RerunService
	Admin   TaskAdmin
}

// --- Requests ---

type PlanRequest struct {
	Date            string `json:"date"`
	BaseRTSP        string `json:"base_rtsp"`
	Channel         string `json:"channel"`
	IntervalMinutes int    `json:"interval_minutes"`
}

type RerunRequest struct {
	Date    string `json:"date"`
	IP      string `json:"ip"`
	Channel string `json:"channel"`
	TaskID  *int64 `json:"task_id,omitempty"`
}

// --- Handlers ---

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := taskFilterFromQuery(r)
	page, pageSize := pageFromQuery(r)
	res, err := h.Query.ListTasks(r.Context(), filter, page, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := h.Query.GetTask(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, task)
}

func (h *TaskHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.Planner.Plan(r.Context(), req.Date, req.BaseRTSP, req.Channel, req.IntervalMinutes)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, res)
}

// RunNow plans the requested day and immediately submits everything
// matching it, finished tasks included.
func (h *TaskHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, n, err := h.Run.RunPlan(r.Context(), req.Date, req.BaseRTSP, req.Channel, req.IntervalMinutes)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"plan": res, "submitted": n})
}

func (h *TaskHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	var req RerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}
	n, err := h.Runner.Rerun(r.Context(), req.Date, req.IP, req.Channel, req.TaskID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"resubmitted": n})
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	if err := h.Admin.Delete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteByCombo removes a whole day's tasks for one camera stream.
func (h *TaskHandler) DeleteByCombo(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	ip := r.URL.Query().Get("ip")
	channel := r.URL.Query().Get("channel")
	if date == "" || ip == "" || channel == "" {
		http.Error(w, "date, ip and channel required", http.StatusBadRequest)
		return
	}
	n, err := h.Admin.DeleteByCombo(r.Context(), date, ip, channel)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *TaskHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	filter := data.TaskConfigFilter{
		Date:    r.URL.Query().Get("date"),
		IP:      r.URL.Query().Get("ip"),
		Channel: r.URL.Query().Get("channel"),
	}
	page, pageSize := pageFromQuery(r)
	res, err := h.Query.ListTaskConfigs(r.Context(), filter, page, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *TaskHandler) AvailableDates(w http.ResponseWriter, r *http.Request) {
	h.available(w, r, h.Query.AvailableDates)
}

func (h *TaskHandler) AvailableIPs(w http.ResponseWriter, r *http.Request) {
	h.available(w, r, h.Query.AvailableIPs)
}

func (h *TaskHandler) AvailableChannels(w http.ResponseWriter, r *http.Request) {
	h.available(w, r, h.Query.AvailableChannels)
}

func (h *TaskHandler) available(w http.ResponseWriter, r *http.Request, fn func(context.Context) ([]string, error)) {
	values, err := fn(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	respond(w, http.StatusOK, values)
}

// --- Query helpers ---

func taskFilterFromQuery(r *http.Request) data.TaskFilter {
	q := r.URL.Query()
	filter := data.TaskFilter{
		Date:     q.Get("date"),
		IP:       q.Get("ip"),
		IPPrefix: q.Get("ip_prefix"),
		Channel:  q.Get("channel"),
		RTSPLike: q.Get("rtsp_like"),
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.StatusIn = append(filter.StatusIn, data.NormalizeStatus(strings.TrimSpace(st)))
		}
	}
	if s := q.Get("task_id"); s != "" {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			filter.TaskID = &id
		}
	}
	if s := q.Get("start_ts_gte"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			filter.StartTSGte = &v
		}
	}
	if s := q.Get("start_ts_lte"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			filter.StartTSLte = &v
		}
	}
	return filter
}

func pageFromQuery(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	return page, pageSize
}
