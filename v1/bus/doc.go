// Package bus provides the best-effort broadcast channel used by peers to
// exchange protocol messages, with in-memory, Redis, NATS and Kafka backends.
// Delivery is at-most-once and unordered; the shared store, not the bus, is
// the ground truth for ownership.
package bus
