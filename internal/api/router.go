package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/middleware"
	"github.com/technosupport/parkwatch/internal/planner"
	"github.com/technosupport/parkwatch/internal/ratelimit"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Tasks   *TaskHandler
	Images  *ImageHandler
	Sites   *SiteHandler
	Rules   *RuleHandler
	Feed    *FeedHandler
	Limiter *ratelimit.Limiter
}

// NewRouter assembles the API with the shared middleware stack.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.CORS)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", d.Tasks.List)
			r.Get("/{id}", d.Tasks.Get)
			r.Delete("/{id}", d.Tasks.Delete)
			r.Delete("/", d.Tasks.DeleteByCombo)
			r.With(ratelimit.Middleware(d.Limiter, ratelimit.ScopePlan)).
				Post("/plan", d.Tasks.Plan)
			r.With(ratelimit.Middleware(d.Limiter, ratelimit.ScopePlan)).
				Post("/run", d.Tasks.RunNow)
			r.With(ratelimit.Middleware(d.Limiter, ratelimit.ScopeRerun)).
				Post("/rerun", d.Tasks.Rerun)
		})
		r.Get("/task-configs", d.Tasks.ListConfigs)

		r.Get("/available/dates", d.Tasks.AvailableDates)
		r.Get("/available/ips", d.Tasks.AvailableIPs)
		r.Get("/available/channels", d.Tasks.AvailableChannels)

		r.Route("/images", func(r chi.Router) {
			r.Get("/", d.Images.List)
			r.Get("/duplicates", d.Images.Duplicates)
			r.Get("/{task_id}/raw", d.Images.Raw)
			r.Get("/{task_id}/detected", d.Images.Detected)
			r.Get("/{task_id}/snapshot", d.Images.Snapshot)
		})

		r.Route("/changes", func(r chi.Router) {
			r.Get("/", d.Images.Changes)
			r.Get("/timeline", d.Images.Timeline)
		})

		r.Route("/sites", func(r chi.Router) {
			r.Post("/", d.Sites.Create)
			r.Get("/", d.Sites.List)
			r.Get("/{id}", d.Sites.Get)
			r.Put("/{id}", d.Sites.Update)
			r.Delete("/{id}", d.Sites.Delete)
			r.Put("/{id}/channels", d.Sites.UpsertChannel)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", d.Rules.Create)
			r.Get("/", d.Rules.List)
			r.Get("/{id}", d.Rules.Get)
			r.Post("/{id}/enable", d.Rules.Enable)
			r.Post("/{id}/disable", d.Rules.Disable)
			r.Post("/{id}/run", d.Rules.RunNow)
			r.Delete("/{id}", d.Rules.Delete)
		})

		r.Get("/ws/tasks", d.Feed.Tasks)
	})

	return r
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("[ERROR] encode response: %v", err)
		}
	}
}

// respondErr maps domain errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, data.ErrDuplicate):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, planner.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("[ERROR] request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
