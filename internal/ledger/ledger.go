// Package ledger persists the outcome of completed deal actions keyed by a
// composite idempotency key. The ledger is the durable half of the gateway's
// exactly-once-effect story: the in-flight coalescer only collapses
// overlapping duplicates inside one process, while a ledger hit replays the
// stored outcome to any retry that arrives later, across restarts.
package ledger

import (
	"fmt"
	"time"
)

// Key is the composite identity of one logical action attempt. PayloadHash is
// the canonical hex digest of the action payload only, so two requests with
// logically identical payloads collide regardless of field order.
type Key struct {
	DealID      string
	ActionType  string
	ActorID     string
	PayloadHash string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.DealID, k.ActionType, k.ActorID, k.PayloadHash)
}

// Entry is one persisted outcome. Within its TTL window an entry is
// write-once-then-read-many: the single coalescer winner writes it, replays
// read it.
type Entry struct {
	Key             string
	DealID          string
	ActionType      string
	ActorID         string
	PayloadHash     string
	ResponseStatus  int
	ResponseBody    []byte
	AppendedEventID *string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// NewEntry builds an Entry for key with an absolute expiry of now+ttl.
func NewEntry(k Key, status int, body []byte, appendedEventID *string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:             k.String(),
		DealID:          k.DealID,
		ActionType:      k.ActionType,
		ActorID:         k.ActorID,
		PayloadHash:     k.PayloadHash,
		ResponseStatus:  status,
		ResponseBody:    body,
		AppendedEventID: appendedEventID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

// Expired reports whether the entry's TTL window has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
