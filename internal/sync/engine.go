// Package sync implements the reconciliation engine: it compares the
// current stack set against the backed-up snapshot and converges the vault
// with the minimal set of writes.
package sync

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/stackvault/internal/stack"
)

// Action classifies one applied change.
type Action string

const (
	ActionCreated  Action = "Created"
	ActionModified Action = "Modified"
	ActionDeleted  Action = "Deleted"
)

// Event describes one change applied to the vault.
type Event struct {
	Stack    string
	Path     string
	Action   Action
	URL      string // commit URL of the applied change; empty in dry-run
	Detected time.Time
	Meta     *stack.Meta
}

// Store applies a single write to the backing repository and returns the
// commit URL. Implementations return errors instead of escalating: a
// failed write for one stack must not abort the pass.
type Store interface {
	Create(ctx context.Context, path, content string) (string, error)
	Update(ctx context.Context, path, content, sha string) (string, error)
	Delete(ctx context.Context, path, sha string) (string, error)
}

// Notifier delivers a change notification, best-effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Engine orchestrates one reconciliation pass.
type Engine struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	dryRun   bool
	now      func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, notifier Notifier, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
		dryRun:   dryRun,
		now:      time.Now,
	}
}

// Reconcile classifies every stack as created, modified, unchanged or
// deleted and applies the corresponding write exactly once. Creates and
// updates (over current) fully complete before deletions (over snapshot)
// begin, so a delete decision is never made against a stale view. A failed
// write is logged and skipped; the pass continues with the other stacks.
func (e *Engine) Reconcile(ctx context.Context, current, snapshot map[string]stack.Record) []Event {
	events := make([]Event, 0)

	for _, key := range sortedKeys(current) {
		if ctx.Err() != nil {
			e.logger.Debug("reconciliation cancelled", "applied", len(events))
			return events
		}

		cur := current[key]
		prev, exists := snapshot[key]

		switch {
		case !exists:
			if ev, ok := e.create(ctx, cur); ok {
				events = append(events, ev)
			}
		case cur.Content == prev.Content:
			e.logger.Info("detected no changes to file", "path", cur.Path)
		default:
			if ev, ok := e.update(ctx, cur, prev); ok {
				events = append(events, ev)
			}
		}
	}

	for _, key := range sortedKeys(snapshot) {
		if ctx.Err() != nil {
			e.logger.Debug("reconciliation cancelled", "applied", len(events))
			return events
		}

		if _, exists := current[key]; exists {
			continue
		}
		if ev, ok := e.remove(ctx, snapshot[key]); ok {
			events = append(events, ev)
		}
	}

	return events
}

func (e *Engine) create(ctx context.Context, cur stack.Record) (Event, bool) {
	if e.dryRun {
		e.logger.Info("[dry-run] would create file", "path", cur.Path)
		return e.event(cur, ActionCreated, ""), true
	}

	url, err := e.store.Create(ctx, cur.Path, cur.Content)
	if err != nil {
		e.logger.Error("failed to create file", "path", cur.Path, "error", err)
		return Event{}, false
	}

	ev := e.event(cur, ActionCreated, url)
	e.notifier.Notify(ctx, ev)
	e.logger.Info("created file", "path", cur.Path, "url", url)
	return ev, true
}

func (e *Engine) update(ctx context.Context, cur, prev stack.Record) (Event, bool) {
	if e.dryRun {
		e.logger.Info("[dry-run] would update file", "path", cur.Path)
		return e.event(cur, ActionModified, ""), true
	}

	url, err := e.store.Update(ctx, cur.Path, cur.Content, prev.SHA)
	if err != nil {
		e.logger.Error("failed to update file", "path", cur.Path, "error", err)
		return Event{}, false
	}

	ev := e.event(cur, ActionModified, url)
	e.notifier.Notify(ctx, ev)
	e.logger.Info("updated file", "path", cur.Path, "url", url)
	return ev, true
}

func (e *Engine) remove(ctx context.Context, prev stack.Record) (Event, bool) {
	if e.dryRun {
		e.logger.Info("[dry-run] would delete file", "path", prev.Path)
		return e.event(prev, ActionDeleted, ""), true
	}

	url, err := e.store.Delete(ctx, prev.Path, prev.SHA)
	if err != nil {
		e.logger.Error("failed to delete file", "path", prev.Path, "error", err)
		return Event{}, false
	}

	ev := e.event(prev, ActionDeleted, url)
	e.notifier.Notify(ctx, ev)
	e.logger.Info("deleted file", "path", prev.Path, "url", url)
	return ev, true
}

func (e *Engine) event(rec stack.Record, action Action, url string) Event {
	return Event{
		Stack:    rec.Stack,
		Path:     rec.Path,
		Action:   action,
		URL:      url,
		Detected: e.now(),
		Meta:     rec.Meta,
	}
}

// sortedKeys returns the map keys in lexical order so runs are
// deterministic and logs are stable.
func sortedKeys(m map[string]stack.Record) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
