package config

import (
	"context"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matst80/socketproxy/internal/obs"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// settle collapses the burst of events editors produce for one save.
const settle = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk and publishes valid
// results to a Registry. Invalid files are logged and ignored so the running
// configuration stays in effect.
type Watcher struct {
	path     string
	registry *Registry
	checksum uint64
}

func NewWatcher(path string, registry *Registry) *Watcher {
	w := &Watcher{path: path, registry: registry}
	if b, err := os.ReadFile(path); err == nil {
		w.checksum = crc64.Checksum(b, crcTable)
	}
	return w
}

// Run watches the file's directory, so atomic renames are seen too, until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	obs.Info("config.watch", obs.Fields{"path": target})

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			obs.Error("config.watch_error", obs.Fields{"err": err.Error()})
		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Reload re-reads the file and publishes it when its content changed and
// validates. It reports whether a new config was published.
func (w *Watcher) Reload() bool {
	b, err := os.ReadFile(w.path)
	if err != nil {
		obs.Error("config.reload_read", obs.Fields{"path": w.path, "err": err.Error()})
		return false
	}
	sum := crc64.Checksum(b, crcTable)
	if sum == w.checksum {
		return false
	}
	c, err := Parse(b)
	if err != nil {
		obs.Error("config.reload_invalid", obs.Fields{"path": w.path, "err": err.Error()})
		return false
	}
	w.checksum = sum
	obs.Info("config.reload", obs.Fields{"path": w.path})
	w.registry.Publish(c)
	return true
}
