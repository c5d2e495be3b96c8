// Package coord implements mutually-exclusive ownership of a single resource
// among independent peers that share only a key/value store and a lossy
// broadcast bus. Acquisition is an optimistic double-checked write spread out
// by random jitter, not a compare-and-swap: two peers can briefly both
// believe they won, and the next observed write or broadcast forces the loser
// to release. Ownership is advertised by frequent bus pings and kept durable
// by periodic heartbeat commits to the store; a record whose commit is older
// than the staleness threshold is treated as abandoned and claimable.
package coord
