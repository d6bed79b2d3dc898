package detect

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchTuning hot-reloads detector thresholds from a yaml file. The
// file is optional; a missing file leaves the current tuning in place
// and the watcher falls back to 60s polling when fsnotify cannot be
// set up.
func WatchTuning(ctx context.Context, path string, d *EdgeDetector) {
	if path == "" {
		return
	}
	if t, err := loadTuning(path); err == nil {
		d.SetTuning(t)
		log.Printf("[INFO] detector tuning loaded from %s", path)
	} else if !os.IsNotExist(err) {
		log.Printf("[WARN] detector tuning load failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[WARN] tuning watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("[WARN] tuning watcher: cannot watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	if usePolling {
		go pollTuning(ctx, path, d)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often write in two events; settle first.
					time.Sleep(100 * time.Millisecond)
					if t, err := loadTuning(path); err == nil {
						d.SetTuning(t)
						log.Printf("[INFO] detector tuning reloaded: occupied_above=%.3f vacant_below=%.3f",
							t.OccupiedAbove, t.VacantBelow)
					} else {
						log.Printf("[WARN] detector tuning reload failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] tuning watcher error: %v", err)
			}
		}
	}()
}

func pollTuning(ctx context.Context, path string, d *EdgeDetector) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				if t, err := loadTuning(path); err == nil {
					d.SetTuning(t)
					log.Printf("[INFO] detector tuning reloaded (poll)")
				}
			}
		}
	}
}

func loadTuning(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	t := DefaultTuning()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, err
	}
	if t.OccupiedAbove <= t.VacantBelow {
		t = DefaultTuning()
	}
	return t, nil
}
