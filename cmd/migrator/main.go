package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/parkwatch/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (env still wins)")
	upCmd := flag.Bool("up", false, "run all up migrations")
	downCmd := flag.Bool("down", false, "rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "run +/- steps")
	src := flag.String("source", "file://db/migrations", "migration source")
	flag.Parse()

	cfg := config.Load(*cfgPath)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("[ERROR] db open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[ERROR] db ping: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("[ERROR] migrate driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*src, "postgres", driver)
	if err != nil {
		log.Fatalf("[ERROR] migrate init: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[ERROR] migration up: %v", err)
		}
		log.Println("[INFO] migration up completed")
	case *downCmd:
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[ERROR] migration down: %v", err)
		}
		log.Println("[INFO] migration down completed")
	case *stepsCmd != 0:
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[ERROR] migration steps: %v", err)
		}
		log.Printf("[INFO] %d migration steps completed", *stepsCmd)
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("[INFO] no migration version found (empty database?)")
		} else {
			log.Printf("[INFO] current version: %d, dirty: %v", version, dirty)
		}
		log.Println("use -up, -down, or -steps to migrate")
	}
	log.Printf("[INFO] duration: %v", time.Since(start))
}
