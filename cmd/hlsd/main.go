package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/parkwatch/internal/config"
	"github.com/technosupport/parkwatch/internal/hls"
	"github.com/technosupport/parkwatch/internal/hlsd"
	"github.com/technosupport/parkwatch/internal/middleware"
	"github.com/technosupport/parkwatch/internal/ratelimit"
)

// hlsd is the live-preview gateway. It runs apart from the capture
// server so heavy transcoding never competes with capture pipelines
// for a process.
func main() {
	cfgPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*cfgPath)

	origins := []string{"*"}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}

	manager := hls.NewManager(cfg.HlsRoot, &hls.FFmpegSpawner{Binary: cfg.FFmpegPath})
	manager.IdleTimeout = cfg.HLSIdleTimeout()
	manager.Start()

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, "")
	}

	handler := hlsd.NewHandler(hlsd.Config{
		HlsRoot:        cfg.HlsRoot,
		AllowedOrigins: origins,
	}, manager)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, ratelimit.ScopeHLSStart))
		r.Post("/api/hls/start", handler.StartStream)
	})
	r.HandleFunc("/hls/{fingerprint}/{file}", handler.ServeHLS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HlsdPort),
		Handler: r,
	}
	go func() {
		log.Printf("[INFO] parkwatch-hlsd listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] http server: %v", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-rootCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] http shutdown: %v", err)
	}
	manager.Stop()
	log.Printf("[INFO] parkwatch-hlsd stopped")
}
