package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/dedup"
	"github.com/technosupport/parkwatch/internal/planner"
	"github.com/technosupport/parkwatch/internal/query"
)

// --- fakes ---

type stubTasks struct {
	tasks []*data.Task
}

func (s *stubTasks) GetByID(ctx context.Context, id int64) (*data.Task, error) {
	for _, t := range s.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (s *stubTasks) List(ctx context.Context, f data.TaskFilter, limit, offset int) ([]*data.Task, int, error) {
	return s.tasks, len(s.tasks), nil
}

func (s *stubTasks) ReconcileStatus(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubTasks) AvailableDates(ctx context.Context) ([]string, error) {
	return []string{"2026-08-25"}, nil
}
func (s *stubTasks) AvailableIPs(ctx context.Context) ([]string, error)      { return nil, nil }
func (s *stubTasks) AvailableChannels(ctx context.Context) ([]string, error) { return nil, nil }

type stubPlanner struct {
	lastReq PlanRequest
	err     error
}

func (s *stubPlanner) Plan(ctx context.Context, date, base, channel string, interval int) (*planner.Result, error) {
	s.lastReq = PlanRequest{Date: date, BaseRTSP: base, Channel: channel, IntervalMinutes: interval}
	if s.err != nil {
		return nil, s.err
	}
	return &planner.Result{Date: date, Created: 144, Total: 144}, nil
}

type stubRun struct {
	lastReq PlanRequest
	n       int
	err     error
}

func (s *stubRun) RunPlan(ctx context.Context, date, base, channel string, interval int) (*planner.Result, int, error) {
	s.lastReq = PlanRequest{Date: date, BaseRTSP: base, Channel: channel, IntervalMinutes: interval}
	if s.err != nil {
		return nil, 0, s.err
	}
	return &planner.Result{Date: date, Total: 144}, s.n, nil
}

type stubRunner struct {
	n   int
	err error
}

func (s *stubRunner) Rerun(ctx context.Context, date, ip, channel string, taskID *int64) (int, error) {
	return s.n, s.err
}

type stubAdmin struct {
	deleted []int64
}

func (s *stubAdmin) Delete(ctx context.Context, id int64) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubAdmin) DeleteByCombo(ctx context.Context, date, ip, channel string) (int64, error) {
	return 3, nil
}

type stubRules struct {
	created *data.AutoRule
	rules   map[int64]*data.AutoRule
}

func (s *stubRules) Create(ctx context.Context, r *data.AutoRule) error {
	r.ID = 1
	s.created = r
	return nil
}
func (s *stubRules) GetByID(ctx context.Context, id int64) (*data.AutoRule, error) {
	if r, ok := s.rules[id]; ok {
		return r, nil
	}
	return nil, data.ErrRecordNotFound
}
func (s *stubRules) ListAll(ctx context.Context) ([]*data.AutoRule, error) { return nil, nil }
func (s *stubRules) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if _, ok := s.rules[id]; !ok {
		return data.ErrRecordNotFound
	}
	s.rules[id].IsEnabled = enabled
	return nil
}
func (s *stubRules) Delete(ctx context.Context, id int64) error { return nil }

type stubRuleRunner struct{ n int }

func (s *stubRuleRunner) RunNow(ctx context.Context, id int64) (int, error) { return s.n, nil }

func testTaskHandler() (*TaskHandler, *stubPlanner, *stubAdmin) {
	pl := &stubPlanner{}
	ad := &stubAdmin{}
	h := &TaskHandler{
		Query:   &query.Service{Tasks: &stubTasks{tasks: []*data.Task{{ID: 1, Status: data.TaskStatusPending}}}},
		Planner: pl,
		Run:     &stubRun{n: 9},
		Runner:  &stubRunner{n: 5},
		Admin:   ad,
	}
	return h, pl, ad
}

// --- tests ---

func TestPlanEndpoint(t *testing.T) {
	h, pl, _ := testTaskHandler()

	body := `{"date":"2026-08-25","base_rtsp":"rtsp://admin:pw@10.0.0.1:554","channel":"c1","interval_minutes":10}`
	rec := httptest.NewRecorder()
	h.Plan(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/plan", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var res planner.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 144, res.Total)
	assert.Equal(t, "c1", pl.lastReq.Channel)
}

func TestPlanEndpointInvalidInput(t *testing.T) {
	h, pl, _ := testTaskHandler()
	pl.err = fmt.Errorf("%w: interval_minutes 0", planner.ErrInvalidInput)

	body := `{"date":"2026-08-25","base_rtsp":"rtsp://admin:pw@10.0.0.1","channel":"c1","interval_minutes":0}`
	rec := httptest.NewRecorder()
	h.Plan(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/plan", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanEndpointBadBody(t *testing.T) {
	h, _, _ := testTaskHandler()
	rec := httptest.NewRecorder()
	h.Plan(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/plan", strings.NewReader("{not-json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunNowEndpoint(t *testing.T) {
	h, _, _ := testTaskHandler()
	run := &stubRun{n: 9}
	h.Run = run

	body := `{"date":"2026-08-25","base_rtsp":"rtsp://admin:pw@10.0.0.1:554","channel":"c1","interval_minutes":10}`
	rec := httptest.NewRecorder()
	h.RunNow(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/run", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var res struct {
		Plan      planner.Result `json:"plan"`
		Submitted int            `json:"submitted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 144, res.Plan.Total)
	assert.Equal(t, 9, res.Submitted)
	assert.Equal(t, "c1", run.lastReq.Channel)
}

func TestRerunEndpoint(t *testing.T) {
	h, _, _ := testTaskHandler()

	rec := httptest.NewRecorder()
	h.Rerun(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/rerun",
		strings.NewReader(`{"date":"2026-08-25","ip":"10.0.0.1","channel":"c1"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resubmitted":5}`, rec.Body.String())
}

func TestRerunRequiresDate(t *testing.T) {
	h, _, _ := testTaskHandler()
	rec := httptest.NewRecorder()
	h.Rerun(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/rerun", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRuleValidation(t *testing.T) {
	h := &RuleHandler{Rules: &stubRules{rules: map[int64]*data.AutoRule{}}, Runner: &stubRuleRunner{}}

	cases := []struct {
		name string
		body string
	}{
		{"no date source", `{"name":"r","base_rtsp":"rtsp://u:p@10.0.0.1","channel":"c1","interval_minutes":10,"trigger_time":"08:30"}`},
		{"bad rtsp", `{"name":"r","use_today":true,"base_rtsp":"http://x","channel":"c1","interval_minutes":10,"trigger_time":"08:30"}`},
		{"bad channel", `{"name":"r","use_today":true,"base_rtsp":"rtsp://u:p@10.0.0.1","channel":"cam1","interval_minutes":10,"trigger_time":"08:30"}`},
		{"bad interval", `{"name":"r","use_today":true,"base_rtsp":"rtsp://u:p@10.0.0.1","channel":"c1","interval_minutes":2000,"trigger_time":"08:30"}`},
		{"bad trigger", `{"name":"r","use_today":true,"base_rtsp":"rtsp://u:p@10.0.0.1","channel":"c1","interval_minutes":10,"trigger_time":"25:99"}`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/rules", strings.NewReader(tc.body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestCreateRuleOK(t *testing.T) {
	rules := &stubRules{rules: map[int64]*data.AutoRule{}}
	h := &RuleHandler{Rules: rules, Runner: &stubRuleRunner{}}

	body := `{"name":"morning","use_today":true,"base_rtsp":"rtsp://admin:pw@10.0.0.1:554","channel":"c1","interval_minutes":10,"trigger_time":"08:30","is_enabled":true}`
	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/rules", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, rules.created)
	assert.Equal(t, "morning", rules.created.Name)
	assert.True(t, rules.created.IsEnabled)
}

func TestCreateRuleGeneratesName(t *testing.T) {
	rules := &stubRules{rules: map[int64]*data.AutoRule{}}
	h := &RuleHandler{Rules: rules, Runner: &stubRuleRunner{}}

	body := `{"use_today":true,"base_rtsp":"rtsp://admin:pw@10.0.0.1:554","channel":"c1","interval_minutes":10,"trigger_time":"08:30"}`
	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/rules", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, rules.created)
	assert.Equal(t, "10.0.0.1_c1_08:30", rules.created.Name)
}

type stubDedup struct {
	lastDate string
}

func (s *stubDedup) ScanDay(date string) ([]dedup.Group, error) {
	s.lastDate = date
	return []dedup.Group{{Kept: date + "/a.jpg", Duplicates: []string{date + "/b.jpg"}}}, nil
}

func TestDuplicatesEndpoint(t *testing.T) {
	sc := &stubDedup{}
	h := &ImageHandler{Dedup: sc}

	rec := httptest.NewRecorder()
	h.Duplicates(rec, httptest.NewRequest(http.MethodGet, "/api/images/duplicates?date=2026-08-25", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-08-25", sc.lastDate)
	assert.Contains(t, rec.Body.String(), "2026-08-25/b.jpg")
}

func TestDuplicatesRequiresDate(t *testing.T) {
	h := &ImageHandler{Dedup: &stubDedup{}}
	rec := httptest.NewRecorder()
	h.Duplicates(rec, httptest.NewRequest(http.MethodGet, "/api/images/duplicates", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListImagesRejectsBadStatusLabel(t *testing.T) {
	h := &ImageHandler{}
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/images?status_label=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubSites struct {
	channels []*data.ChannelConfig
}

func (s *stubSites) CreateNvr(ctx context.Context, c *data.NvrConfig) error { return nil }
func (s *stubSites) GetNvr(ctx context.Context, id uuid.UUID) (*data.NvrConfig, error) {
	return nil, data.ErrRecordNotFound
}
func (s *stubSites) ListNvrs(ctx context.Context) ([]*data.NvrConfig, error) { return nil, nil }
func (s *stubSites) UpdateNvr(ctx context.Context, c *data.NvrConfig) error  { return nil }
func (s *stubSites) DeleteNvr(ctx context.Context, id uuid.UUID) error       { return nil }
func (s *stubSites) UpsertChannel(ctx context.Context, ch *data.ChannelConfig) error {
	s.channels = append(s.channels, ch)
	return nil
}

func upsertChannelRequest(siteID uuid.UUID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/api/sites/"+siteID.String()+"/channels", strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", siteID.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestUpsertChannelRejectsBadBBox(t *testing.T) {
	sites := &stubSites{}
	h := &SiteHandler{Sites: sites}

	body := `{"channel_code":"c1","camera_ip":"10.0.0.4","display_name":"gate",
		"parking_spaces":[{"space_id":"A1","space_name":"A1","x1":100,"y1":100,"x2":2100,"y2":400}]}`
	rec := httptest.NewRecorder()
	h.UpsertChannel(rec, upsertChannelRequest(uuid.New(), body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sites.channels)
}

func TestUpsertChannelOK(t *testing.T) {
	sites := &stubSites{}
	h := &SiteHandler{Sites: sites}
	siteID := uuid.New()

	body := `{"channel_code":"c1","camera_ip":"10.0.0.4","display_name":"gate",
		"parking_spaces":[{"space_id":"A1","space_name":"A1","x1":100,"y1":100,"x2":400,"y2":400}]}`
	rec := httptest.NewRecorder()
	h.UpsertChannel(rec, upsertChannelRequest(siteID, body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sites.channels, 1)
	assert.Equal(t, siteID, sites.channels[0].NvrConfigID)
	assert.Equal(t, "c1", sites.channels[0].ChannelCode)
}
