// Package localfs implements a directory-watching Fetcher for
// environments that drop claim/remittance files onto a local or mounted
// path instead of exposing a SOAP endpoint.
package localfs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/claims-ingest/engine/internal/fetcher"
)

// Config controls one Fetcher instance.
type Config struct {
	WatchDir string
	// DebounceDelay lets a file finish being written before it is read;
	// fsnotify Write events fire on every flush, not just on close.
	DebounceDelay time.Duration
	FileGlob      string
	// RescanInterval is a periodic fallback sweep of WatchDir, for files
	// dropped via a mechanism fsnotify misses (NFS, some container mounts).
	// Zero disables it.
	RescanInterval time.Duration
}

// Fetcher watches Config.WatchDir for new files matching FileGlob.
type Fetcher struct {
	cfg Config

	mu      sync.Mutex
	paused  bool
	emitted map[string]struct{}
}

func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, emitted: make(map[string]struct{})}
}

func (f *Fetcher) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *Fetcher) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *Fetcher) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Start watches cfg.WatchDir until ctx is cancelled, emitting every
// matching file at most once: an initial sweep picks up files already
// present, fsnotify reports new ones as they arrive, and a periodic
// rescan catches anything the watch missed.
func (f *Fetcher) Start(ctx context.Context, onReady fetcher.OnReady) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("localfs: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.cfg.WatchDir); err != nil {
		return fmt.Errorf("localfs: watching %s: %w", f.cfg.WatchDir, err)
	}

	existing, err := f.existingFiles()
	if err != nil {
		return fmt.Errorf("localfs: initial sweep of %s: %w", f.cfg.WatchDir, err)
	}
	for _, path := range existing {
		f.emit(ctx, path, onReady)
	}

	var rescan <-chan time.Time
	if f.cfg.RescanInterval > 0 {
		ticker := time.NewTicker(f.cfg.RescanInterval)
		defer ticker.Stop()
		rescan = ticker.C
	}

	debounced := map[string]*time.Timer{}
	defer func() {
		for _, t := range debounced {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !f.matches(ev.Name) {
				continue
			}
			path := ev.Name
			if t, ok := debounced[path]; ok {
				t.Stop()
			}
			debounced[path] = time.AfterFunc(f.cfg.DebounceDelay, func() {
				f.emit(ctx, path, onReady)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("localfs: watch error dir=%s err=%v", f.cfg.WatchDir, err)

		case <-rescan:
			files, err := f.existingFiles()
			if err != nil {
				continue
			}
			for _, path := range files {
				f.emit(ctx, path, onReady)
			}
		}
	}
}

func (f *Fetcher) matches(name string) bool {
	if f.cfg.FileGlob == "" {
		return true
	}
	ok, err := filepath.Match(f.cfg.FileGlob, filepath.Base(name))
	return err == nil && ok
}

func (f *Fetcher) existingFiles() ([]string, error) {
	entries, err := os.ReadDir(f.cfg.WatchDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f.matches(e.Name()) {
			files = append(files, filepath.Join(f.cfg.WatchDir, e.Name()))
		}
	}
	return files, nil
}

// emit reads path and invokes onReady at most once per path for the
// lifetime of this Fetcher, independent of the IngestionFile-level
// idempotency the storage layer also enforces.
func (f *Fetcher) emit(ctx context.Context, path string, onReady fetcher.OnReady) {
	if f.isPaused() {
		return
	}
	f.mu.Lock()
	if _, seen := f.emitted[path]; seen {
		f.mu.Unlock()
		return
	}
	f.emitted[path] = struct{}{}
	f.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// already acked/moved by an acker between sweep and read
			return
		}
		log.Printf("localfs: reading %s: %v", path, err)
		return
	}
	if err := onReady(ctx, path, data, ""); err != nil {
		log.Printf("localfs: onReady %s: %v", path, err)
	}
}
