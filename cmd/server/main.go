package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/parkwatch/internal/api"
	"github.com/technosupport/parkwatch/internal/blob"
	"github.com/technosupport/parkwatch/internal/capture"
	"github.com/technosupport/parkwatch/internal/changes"
	"github.com/technosupport/parkwatch/internal/clock"
	"github.com/technosupport/parkwatch/internal/config"
	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/dedup"
	"github.com/technosupport/parkwatch/internal/detect"
	"github.com/technosupport/parkwatch/internal/engine"
	"github.com/technosupport/parkwatch/internal/planner"
	"github.com/technosupport/parkwatch/internal/query"
	"github.com/technosupport/parkwatch/internal/ratelimit"
	"github.com/technosupport/parkwatch/internal/scheduler"
)

func main() {
	cfgPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*cfgPath)

	ck, err := clock.New(cfg.WallZone)
	if err != nil {
		log.Fatalf("[ERROR] timezone %q: %v", cfg.WallZone, err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("[ERROR] db open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[ERROR] db ping: %v", err)
	}

	store, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		log.Fatalf("[ERROR] blob root %s: %v", cfg.BlobRoot, err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grabber := capture.NewFFmpegGrabber(cfg.ConnectTimeout(), cfg.ReadTimeout())
	grabber.Binary = cfg.FFmpegPath

	detector := detect.NewEdgeDetector(detect.DefaultTuning())
	go detect.WatchTuning(rootCtx, cfg.TuningFile, detector)

	// NATS is optional. Without it changes are still recorded, just not
	// published.
	var pub changes.EventPublisher
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("parkwatch-server"))
		if err != nil {
			log.Printf("[WARN] NATS connect failed, change events disabled: %v", err)
		} else {
			defer nc.Close()
			pub = changes.NewNATSPublisher(nc, cfg.NatsSubject, 3)
			log.Printf("[INFO] publishing change events to %s", cfg.NatsSubject)
		}
	}

	queue := changes.NewQueue(changes.NewDiffer(db, pub), 0)
	queue.Start()

	eng := engine.New(engine.Config{
		GlobalLimit:    cfg.Capture.MaxComboConcurrency,
		PerComboLimit:  cfg.Capture.MaxWorkersPerCombo,
		RetryCount:     cfg.Capture.RetryCount,
		DeadlineFactor: cfg.Capture.DeadlineFactor,
	}, db, store, grabber, detector, ck)
	eng.Changes = queue
	eng.Start()

	pl := &planner.Planner{
		Tasks:   data.TaskModel{DB: db},
		Configs: data.TaskConfigModel{DB: db},
		Clock:   ck,
		Prober:  grabber,
	}

	sched := scheduler.New(data.RuleModel{DB: db}, data.TaskModel{DB: db}, pl, eng, ck)
	sched.Start()

	// Redis is optional too. The rate-limit middleware fails open when
	// the limiter is nil.
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, "")
	}

	qsvc := query.NewService(db, store)
	router := api.NewRouter(api.Deps{
		Tasks: &api.TaskHandler{
			Query:   qsvc,
			Planner: pl,
			Run:     sched,
			Runner:  sched,
			Admin:   query.NewAdmin(db, store),
		},
		Images:  &api.ImageHandler{Query: qsvc, Dedup: dedup.NewScanner(cfg.BlobRoot)},
		Sites:   &api.SiteHandler{Sites: data.SiteModel{DB: db}},
		Rules:   &api.RuleHandler{Rules: data.RuleModel{DB: db}, Runner: sched},
		Feed:    &api.FeedHandler{Query: qsvc},
		Limiter: limiter,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	go func() {
		log.Printf("[INFO] parkwatch-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] http server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("[INFO] shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] http shutdown: %v", err)
	}

	sched.Stop()
	eng.Stop()
	queue.Stop()
	log.Printf("[INFO] parkwatch-server stopped")
}
