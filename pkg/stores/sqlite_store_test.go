package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:            id,
		Node:          "web01",
		Source:        "site.cue",
		Outcome:       RunOutcomeRunning,
		ResourceCount: 3,
		StartedAt:     startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "converge.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "resource_results", "events", "facts"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	createRun(t, store, "run-001", started)

	got, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Node != "web01" || got.Source != "site.cue" || got.ResourceCount != 3 {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt %v, got %v", started, got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected no CompletedAt, got %v", got.CompletedAt)
	}
	if got.Metadata != "{}" {
		t.Errorf("expected default metadata, got %q", got.Metadata)
	}

	errMsg := "package[nginx] failed"
	completed := started.Add(time.Minute)
	if err := store.CompleteRun(ctx, &Run{
		ID:           "run-001",
		Outcome:      RunOutcomeFailed,
		UpdatedCount: 2,
		Error:        &errMsg,
		CompletedAt:  &completed,
	}); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Outcome != RunOutcomeFailed || got.UpdatedCount != 2 {
		t.Errorf("unexpected outcome %s / updated %d", got.Outcome, got.UpdatedCount)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, got.Error)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("expected CompletedAt %v, got %v", completed, got.CompletedAt)
	}

	if err := store.CompleteRun(ctx, &Run{ID: "missing", Outcome: RunOutcomeSucceeded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestListRuns tests ordering and pagination
func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		createRun(t, store, id, base.Add(time.Duration(i)*time.Hour))
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("expected newest first, got %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Fatalf("expected run-a on second page, got %v", runIDs(runs))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

// TestResourceResults tests batch save and cascade delete
func TestResourceResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-001", time.Now())

	reason := "not_if guard"
	trigger := "file[/etc/nginx.conf] (delayed)"
	results := []*ResourceResult{
		{Seq: 0, ResourceType: "file", ResourceName: "/etc/nginx.conf", Action: "create", Provider: "file",
			State: "notified", Updated: true, Converged: `["update content of file /etc/nginx.conf"]`, Duration: 15 * time.Millisecond},
		{Seq: 1, ResourceType: "execute", ResourceName: "migrate", Action: "run", Provider: "execute",
			State: "skipped", SkipReason: &reason},
		{Seq: 2, ResourceType: "service", ResourceName: "nginx", Action: "restart", Provider: "service_systemd",
			State: "executed", Updated: true, Trigger: &trigger},
	}
	if err := store.SaveResourceResults(ctx, "run-001", results); err != nil {
		t.Fatalf("failed to save results: %v", err)
	}
	for _, r := range results {
		if r.ID == 0 {
			t.Errorf("expected ID to be assigned for %s", r.ResourceName)
		}
	}

	got, err := store.ListResourceResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].Duration != 15*time.Millisecond || !got[0].Updated {
		t.Errorf("unexpected first result: %+v", got[0])
	}
	if got[1].SkipReason == nil || *got[1].SkipReason != reason || got[1].Converged != "[]" {
		t.Errorf("unexpected skipped result: %+v", got[1])
	}
	if got[2].Trigger == nil || *got[2].Trigger != trigger {
		t.Errorf("unexpected trigger: %v", got[2].Trigger)
	}

	if err := store.SaveResourceResults(ctx, "unknown-run", []*ResourceResult{{ResourceType: "file", ResourceName: "x"}}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	got, err = store.ListResourceResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected results to cascade, got %d", len(got))
	}
}

// TestEvents tests event append and filters
func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-001", time.Now())

	runID := "run-001"
	resource := "package[nginx]"
	details := `{"provider":"package_apt"}`
	events := []*Event{
		{EventID: "e1", RunID: &runID, Type: "run_started", Level: EventLevelInfo, Message: "converging"},
		{EventID: "e2", RunID: &runID, Type: "resource_failed", Resource: &resource, Level: EventLevelError, Message: "boom", Details: &details},
		{EventID: "e3", Type: "facts_collected", Level: EventLevelInfo, Message: "no run"},
	}
	for _, e := range events {
		e.Timestamp = time.Now()
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if e.ID == 0 {
			t.Errorf("expected ID for %s", e.EventID)
		}
	}

	got, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Fatalf("expected run events in append order, got %d", len(got))
	}
	if got[1].Details == nil || *got[1].Details != details {
		t.Errorf("unexpected details: %v", got[1].Details)
	}

	level := EventLevelError
	got, err = store.GetEvents(ctx, nil, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 1 || got[0].Resource == nil || *got[0].Resource != resource {
		t.Errorf("expected one error event for %s", resource)
	}

	got, err = store.GetEvents(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 events, got %d", len(got))
	}
}

// TestFacts tests fact upsert, expiry and listing
func TestFacts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	fact := &Fact{ID: "f1", Node: "web01", Namespace: "platform", Value: `{"platform":"ubuntu"}`, TTL: 3600}
	if err := store.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}
	if fact.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt derived from TTL")
	}

	// Same node and namespace replaces the value and keeps the first ID.
	if err := store.UpsertFact(ctx, &Fact{ID: "f2", Node: "web01", Namespace: "platform", Value: `{"platform":"debian"}`}); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}
	got, err := store.GetFact(ctx, "web01", "platform")
	if err != nil {
		t.Fatalf("failed to get fact: %v", err)
	}
	if got.ID != "f1" || got.Value != `{"platform":"debian"}` || got.ExpiresAt != nil {
		t.Errorf("unexpected fact after upsert: %+v", got)
	}

	past := time.Now().Add(-time.Minute)
	if err := store.UpsertFact(ctx, &Fact{ID: "f3", Node: "web01", Namespace: "cpu", Value: `{}`, TTL: 60, ExpiresAt: &past}); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}
	if _, err := store.GetFact(ctx, "web01", "cpu"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired fact to be hidden, got %v", err)
	}

	if err := store.UpsertFact(ctx, &Fact{ID: "f4", Node: "db01", Namespace: "platform", Value: `{}`}); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}
	node := "web01"
	facts, err := store.ListFacts(ctx, &node, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Namespace != "platform" {
		t.Errorf("expected only the unexpired web01 fact, got %d", len(facts))
	}

	n, err := store.DeleteExpiredFacts(ctx)
	if err != nil {
		t.Fatalf("failed to delete expired facts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired fact deleted, got %d", n)
	}

	if err := store.DeleteFact(ctx, "f4"); err != nil {
		t.Fatalf("failed to delete fact: %v", err)
	}
	if err := store.DeleteFact(ctx, "f4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestFactExpired tests the expiry helper
func TestFactExpired(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Second), now.Add(time.Second)

	if (&Fact{}).Expired(now) {
		t.Error("fact without expiry should not expire")
	}
	if !(&Fact{ExpiresAt: &past}).Expired(now) {
		t.Error("expected past expiry to be expired")
	}
	if (&Fact{ExpiresAt: &future}).Expired(now) {
		t.Error("expected future expiry to be live")
	}
}

// TestRecorder converges a small collection through the recording sink
func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := engine.NewResourceCollection()
	for _, name := range []string{"motd", "issue"} {
		r := engine.NewResource("note", name)
		r.Actions = []engine.Action{"write"}
		if err := c.Insert(r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pm := engine.NewPriorityMap()
	if err := pm.Register(engine.PriorityEntry{ResourceType: "note", Class: noteClass{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := NewRecorder(store, "notes.cue", zerolog.Nop())
	rc := engine.NewRunContext(engine.NewNode("web01"), c, pm, engine.WithEventSink(rec))
	status, err := engine.NewRunner(rc, engine.RunnerOptions{}).Converge(ctx)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if err := rec.Err(); err != nil {
		t.Fatalf("recorder: %v", err)
	}

	run, err := store.GetRun(ctx, status.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Outcome != RunOutcomeSucceeded || run.UpdatedCount != 2 || run.Source != "notes.cue" || run.ResourceCount != 2 {
		t.Errorf("unexpected run: %+v", run)
	}

	results, err := store.ListResourceResults(ctx, status.RunID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 || results[0].ResourceName != "motd" || results[0].Converged != `["write note motd"]` {
		t.Errorf("unexpected results: %+v", results)
	}

	events, err := store.GetEvents(ctx, &status.RunID, nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) == 0 || events[0].Type != string(engine.EventTypeRunStarted) ||
		events[len(events)-1].Type != string(engine.EventTypeRunCompleted) {
		t.Errorf("expected run events to bracket the timeline, got %d events", len(events))
	}
}

type noteClass struct{}

func (noteClass) Name() string               { return "note" }
func (noteClass) CanProvide(typ string) bool { return typ == "note" }
func (noteClass) New(res *engine.Resource, rc *engine.RunContext) engine.Provider {
	return &noteProvider{ProviderBase: engine.NewProviderBase(res, rc)}
}

type noteProvider struct {
	engine.ProviderBase
}

func (p *noteProvider) Action(_ context.Context, _ engine.Action) error {
	p.ConvergeBy("write note "+p.Resource.Name, func(context.Context) error { return nil })
	return nil
}
