// Package store provides SQLite-backed durable state for shape actors.
//
// Each shape owns exactly one row in the shapes table, keyed by its ID and
// holding the five numeric fields of shape.Shape. Rows are written only by
// the shape's actor, so the store never arbitrates between writers; it only
// has to make each write durable before the actor publishes it.
//
// # Write Semantics
//
//   - InsertShape: insert-if-absent (ON CONFLICT DO NOTHING). Used on
//     activation so a second activation never resets existing state.
//   - SaveShape: upsert. Used by every tick.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
