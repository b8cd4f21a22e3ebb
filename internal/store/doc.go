// Package store implements the in-memory lane registry and its event bus.
//
// The store is the single authoritative source of lane and manifest state.
// Writes to one lane are serialized by a per-lane lock; different lanes may
// be written concurrently. Every mutating operation commits its change and
// then synchronously publishes a matching event to all active subscribers
// before returning, so no subscriber can observe an event ahead of (or
// stale relative to) the mutation it describes.
//
// Lock discipline: mu guards map membership and the secondary indexes;
// the per-lane lock guards one lane's read-modify-write cycle and is held
// across the synchronous publish so a lane's event order matches its audit
// trail. Subscriber callbacks run without mu held; a panicking subscriber
// is recovered and never breaks delivery to the others.
package store
