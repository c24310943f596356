// Package stores persists converge history in SQLite: runs, per-resource
// results, the event timeline and cached node facts. Migrations are embedded
// and applied with golang-migrate. Recorder adapts a Store to the engine's
// event sink so a run is recorded as it happens.
package stores
