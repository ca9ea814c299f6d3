// Package watcher polls the rules document and hot-reloads it into the
// engine when its contents change.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

// ApplyFunc installs a compiled snapshot, typically engine.Reload.
type ApplyFunc func(ctx context.Context, snap *policy.Snapshot) error

// Watcher reloads the rules file when its sha256 changes. A document that
// fails to load or validate is logged and skipped; the previously applied
// snapshot stays active until a valid document appears.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc

	mu   sync.Mutex
	hash string
}

// New returns a Watcher for path. interval <= 0 disables polling in Run;
// Reload still works.
func New(path string, interval time.Duration, apply ApplyFunc) *Watcher {
	return &Watcher{
		path:     strings.TrimSpace(path),
		interval: interval,
		apply:    apply,
	}
}

// Prime records the current file contents as already applied, so the first
// poll after startup does not reload an unchanged document.
func (w *Watcher) Prime() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.hash = digest(data)
	w.mu.Unlock()
	return nil
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	if w.interval <= 0 || w.path == "" {
		return
	}
	log.WithFields(log.Fields{"path": w.path, "interval": w.interval.String()}).Info("watching rules file")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				log.WithError(err).WithField("path", w.path).Warn("rules reload failed; keeping previous rules")
			}
		}
	}
}

// Poll reloads the file if its contents changed since the last poll. It
// reports whether a new snapshot was applied.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read rules file: %w", err)
	}
	hash := digest(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.hash {
		return false, nil
	}
	// Record the hash even on failure so a broken file is reported once,
	// not on every tick.
	w.hash = hash

	if err := w.applyLocked(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}

// Reload reads and applies the file regardless of whether it changed.
func (w *Watcher) Reload(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return &policy.ConfigError{Errs: []error{fmt.Errorf("load %s: %w", w.path, err)}}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.hash = digest(data)
	return w.applyLocked(ctx, data)
}

func (w *Watcher) applyLocked(ctx context.Context, data []byte) error {
	opts, err := policy.ParseOptions(data)
	if err != nil {
		return &policy.ConfigError{Errs: []error{fmt.Errorf("load %s: %w", w.path, err)}}
	}
	snap, err := policy.Compile(opts)
	if err != nil {
		return err
	}
	if err := w.apply(ctx, snap); err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": w.path, "rules": len(snap.Rules)}).Info("rules file applied")
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
