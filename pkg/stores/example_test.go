package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/converge/pkg/stores"
)

func openStore() (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CompleteRun demonstrates recording a run and its outcome.
func ExampleSQLiteStore_CompleteRun() {
	store, err := openStore()
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	run := &stores.Run{
		ID:            "run-001",
		Node:          "web01",
		Source:        "site.cue",
		Outcome:       stores.RunOutcomeRunning,
		ResourceCount: 4,
		StartedAt:     time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	run.Outcome = stores.RunOutcomeSucceeded
	run.UpdatedCount = 2
	if err := store.CompleteRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	got, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s on %s: %d of %d updated\n", got.Outcome, got.Node, got.UpdatedCount, got.ResourceCount)
	// Output: succeeded on web01: 2 of 4 updated
}

// ExampleSQLiteStore_UpsertFact demonstrates caching collected facts with a TTL.
func ExampleSQLiteStore_UpsertFact() {
	store, err := openStore()
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	err = store.UpsertFact(ctx, &stores.Fact{
		ID:        "fact-001",
		Node:      "web01",
		Namespace: "platform",
		Value:     `{"platform":"ubuntu","platform_family":"debian"}`,
		TTL:       3600,
	})
	if err != nil {
		log.Fatal(err)
	}

	fact, err := store.GetFact(ctx, "web01", "platform")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(fact.Value)
	// Output: {"platform":"ubuntu","platform_family":"debian"}
}

// ExampleSQLiteStore_GetEvents demonstrates reading a run's timeline.
func ExampleSQLiteStore_GetEvents() {
	store, err := openStore()
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	runID := "run-001"
	_ = store.CreateRun(ctx, &stores.Run{ID: runID, Node: "web01", Outcome: stores.RunOutcomeRunning, StartedAt: time.Now()})

	resource := "service[nginx]"
	for _, e := range []*stores.Event{
		{EventID: "e1", RunID: &runID, Type: "run_started", Level: stores.EventLevelInfo, Message: "converging 1 resources on web01"},
		{EventID: "e2", RunID: &runID, Type: "resource_updated", Resource: &resource, Level: stores.EventLevelInfo, Message: "service[nginx] updated"},
	} {
		e.Timestamp = time.Now()
		if err := store.AppendEvent(ctx, e); err != nil {
			log.Fatal(err)
		}
	}

	events, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range events {
		fmt.Println(e.Type, e.Message)
	}
	// Output:
	// run_started converging 1 resources on web01
	// resource_updated service[nginx] updated
}
