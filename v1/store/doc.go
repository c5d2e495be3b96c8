// Package store abstracts the persistent key/value substrate shared by all
// peers, including change notifications for externally observed writes. The
// in-memory hub simulates the substrate within one process for tests; the
// Redis store backs it with a real shared database.
package store
