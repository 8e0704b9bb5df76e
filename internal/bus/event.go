package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind follows a dotted namespace convention so subscribers can filter by
// prefix. Namespaces in use:
//
//	store.<collection>.changed — a local store collection was mutated
//	queue.*                    — mutation queue transitions (enqueued, acked, failed, resolved)
//	live.*                     — live channel lifecycle (connected, disconnected, state_changed)
//	sync.*                     — pull replication outcomes (pull_applied, pull_staged)
//	syncstatus.changed         — sync status projection recomputed
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
