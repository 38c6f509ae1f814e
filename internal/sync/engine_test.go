package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/example/stackvault/internal/stack"
)

// fakeStore records every write and can be told to fail specific paths.
type fakeStore struct {
	creates []writeCall
	updates []writeCall
	deletes []writeCall
	fail    map[string]bool
}

type writeCall struct {
	path    string
	content string
	sha     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{fail: make(map[string]bool)}
}

func (s *fakeStore) Create(_ context.Context, path, content string) (string, error) {
	if s.fail[path] {
		return "", errors.New("store unavailable")
	}
	s.creates = append(s.creates, writeCall{path: path, content: content})
	return "https://example.com/commit/" + path, nil
}

func (s *fakeStore) Update(_ context.Context, path, content, sha string) (string, error) {
	if s.fail[path] {
		return "", errors.New("store unavailable")
	}
	s.updates = append(s.updates, writeCall{path: path, content: content, sha: sha})
	return "https://example.com/commit/" + path, nil
}

func (s *fakeStore) Delete(_ context.Context, path, sha string) (string, error) {
	if s.fail[path] {
		return "", errors.New("store unavailable")
	}
	s.deletes = append(s.deletes, writeCall{path: path, sha: sha})
	return "https://example.com/commit/" + path, nil
}

// fakeNotifier counts notifications per action.
type fakeNotifier struct {
	events []Event
}

func (n *fakeNotifier) Notify(_ context.Context, ev Event) {
	n.events = append(n.events, ev)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func current(path, content string) map[string]stack.Record {
	rec, _ := stack.New("a", "compose.yaml", path, content)
	return map[string]stack.Record{rec.Key(): rec}
}

func snapshot(path, content, sha string) map[string]stack.Record {
	rec, _ := stack.NewSnapshot(path, content, sha)
	return map[string]stack.Record{rec.Key(): rec}
}

func countActions(events []Event) map[Action]int {
	counts := make(map[Action]int)
	for _, ev := range events {
		counts[ev.Action]++
	}
	return counts
}

func TestReconcileCreate(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(), current("a/compose.yaml", "X"), nil)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Action != ActionCreated {
		t.Errorf("expected Created, got %s", events[0].Action)
	}
	if events[0].URL == "" {
		t.Error("expected commit URL on event")
	}
	if len(store.creates) != 1 || store.creates[0].path != "a/compose.yaml" || store.creates[0].content != "X" {
		t.Errorf("unexpected create calls: %+v", store.creates)
	}
	if len(notifier.events) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.events))
	}
}

func TestReconcileUnchanged(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(),
		current("a/compose.yaml", "X"),
		snapshot("a/compose.yaml", "X", "r1"))

	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
	if len(store.creates)+len(store.updates)+len(store.deletes) != 0 {
		t.Error("expected no store calls for unchanged content")
	}
	if len(notifier.events) != 0 {
		t.Error("expected no notifications for unchanged content")
	}
}

func TestReconcileModified(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(),
		current("a/compose.yaml", "Y"),
		snapshot("a/compose.yaml", "X", "r1"))

	if len(events) != 1 || events[0].Action != ActionModified {
		t.Fatalf("expected one Modified event, got %+v", events)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(store.updates))
	}
	call := store.updates[0]
	if call.path != "a/compose.yaml" || call.content != "Y" || call.sha != "r1" {
		t.Errorf("unexpected update call: %+v", call)
	}
}

func TestReconcileDelete(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(), nil,
		snapshot("a/compose.yaml", "X", "r1"))

	if len(events) != 1 || events[0].Action != ActionDeleted {
		t.Fatalf("expected one Deleted event, got %+v", events)
	}
	if len(store.deletes) != 1 || store.deletes[0].path != "a/compose.yaml" || store.deletes[0].sha != "r1" {
		t.Errorf("unexpected delete calls: %+v", store.deletes)
	}
}

func TestReconcileDisjointSets(t *testing.T) {
	cur := make(map[string]stack.Record)
	for i := 0; i < 3; i++ {
		rec, _ := stack.New(fmt.Sprintf("new%d", i), "compose.yaml", fmt.Sprintf("new%d/compose.yaml", i), "X")
		cur[rec.Key()] = rec
	}
	snap := make(map[string]stack.Record)
	for i := 0; i < 2; i++ {
		rec, _ := stack.NewSnapshot(fmt.Sprintf("old%d/compose.yaml", i), "X", fmt.Sprintf("r%d", i))
		snap[rec.Key()] = rec
	}

	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(), cur, snap)

	counts := countActions(events)
	if counts[ActionCreated] != 3 || counts[ActionDeleted] != 2 || counts[ActionModified] != 0 {
		t.Errorf("unexpected action counts: %+v", counts)
	}
	if len(notifier.events) != 5 {
		t.Errorf("expected 5 notifications, got %d", len(notifier.events))
	}
}

func TestReconcileNeverDeletesPresentUnit(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, &fakeNotifier{}, testLogger(), false)

	engine.Reconcile(context.Background(),
		current("a/compose.yaml", "Y"),
		snapshot("a/compose.yaml", "X", "r1"))

	if len(store.deletes) != 0 {
		t.Errorf("delete must never fire for a unit present in current: %+v", store.deletes)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	cur := current("a/compose.yaml", "X")

	store := newFakeStore()
	engine := NewEngine(store, &fakeNotifier{}, testLogger(), false)
	events := engine.Reconcile(context.Background(), cur, nil)
	if len(events) != 1 {
		t.Fatalf("expected 1 event on first pass, got %d", len(events))
	}

	// Second pass with the snapshot now matching produces no side effects.
	snap := snapshot("a/compose.yaml", "X", "r1")
	store2 := newFakeStore()
	engine2 := NewEngine(store2, &fakeNotifier{}, testLogger(), false)
	events = engine2.Reconcile(context.Background(), cur, snap)
	if len(events) != 0 {
		t.Errorf("expected no events on second pass, got %d", len(events))
	}
	if len(store2.creates)+len(store2.updates)+len(store2.deletes) != 0 {
		t.Error("expected no store calls on second pass")
	}
}

func TestReconcileFailureIsolation(t *testing.T) {
	cur := make(map[string]stack.Record)
	for _, name := range []string{"a", "b", "c"} {
		rec, _ := stack.New(name, "compose.yaml", name+"/compose.yaml", "X")
		cur[rec.Key()] = rec
	}

	store := newFakeStore()
	store.fail["b/compose.yaml"] = true
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(), cur, nil)

	if len(events) != 2 {
		t.Fatalf("expected 2 events despite one failure, got %d", len(events))
	}
	if len(store.creates) != 2 {
		t.Errorf("expected 2 successful creates, got %d", len(store.creates))
	}
	for _, ev := range events {
		if ev.Path == "b/compose.yaml" {
			t.Error("failed unit must not emit an event")
		}
	}
	if len(notifier.events) != 2 {
		t.Errorf("failed unit must not be notified, got %d notifications", len(notifier.events))
	}
}

func TestReconcileDryRun(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), true)

	events := engine.Reconcile(context.Background(),
		current("a/compose.yaml", "Y"),
		snapshot("b/compose.yaml", "X", "r1"))

	counts := countActions(events)
	if counts[ActionCreated] != 1 || counts[ActionDeleted] != 1 {
		t.Errorf("unexpected dry-run action counts: %+v", counts)
	}
	if len(store.creates)+len(store.updates)+len(store.deletes) != 0 {
		t.Error("dry run must not touch the store")
	}
	if len(notifier.events) != 0 {
		t.Error("dry run must not notify")
	}
	for _, ev := range events {
		if ev.URL != "" {
			t.Errorf("dry-run event must carry no URL, got %q", ev.URL)
		}
	}
}

func TestReconcileCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	engine := NewEngine(store, &fakeNotifier{}, testLogger(), false)

	events := engine.Reconcile(ctx, current("a/compose.yaml", "X"), nil)

	if len(events) != 0 {
		t.Errorf("expected no events after cancellation, got %d", len(events))
	}
	if len(store.creates) != 0 {
		t.Error("expected no store calls after cancellation")
	}
}

func TestEventMetadataPropagation(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, _ := stack.New("web", "web.yml", "web.yml", "X")
	rec.Meta = &stack.Meta{Created: created, CreatedBy: "admin"}

	store := newFakeStore()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier, testLogger(), false)

	events := engine.Reconcile(context.Background(), map[string]stack.Record{rec.Key(): rec}, nil)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	meta := events[0].Meta
	if meta == nil || !meta.Created.Equal(created) || meta.CreatedBy != "admin" {
		t.Errorf("expected portainer metadata on event, got %+v", meta)
	}
	if events[0].Detected.IsZero() {
		t.Error("expected detection timestamp on event")
	}
}
