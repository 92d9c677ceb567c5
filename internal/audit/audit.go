// Package audit maintains the local hash-chained action log and reconciles
// it with the authority's chain into a single verified timeline. The two
// chains stay independent: merging only interleaves for display, and
// verification walks each source on its own.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
	"github.com/cpu-gm/canonical-deal-os-sub000/pkg/canonhash"
)

type Source string

const (
	SourceLocal     Source = "LOCAL"
	SourceAuthority Source = "AUTHORITY"
)

// Event is one entry of a hash-chained audit log, tagged with the source
// chain it belongs to. Within a source, sequence starts at 1 and increments
// by one, and PreviousHash carries the prior event's Hash (nil on the first
// event). Events are immutable once written.
type Event struct {
	ID           string         `json:"id"`
	Source       Source         `json:"source"`
	Sequence     int64          `json:"sequence"`
	Type         string         `json:"type"`
	ActorID      string         `json:"actorId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Hash         string         `json:"hash"`
	PreviousHash *string        `json:"previousHash"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Issue is one chain defect found during verification, attributed to the
// sequence number of the event where the defect becomes visible.
type Issue struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Problem        string `json:"problem"`
}

// Merge interleaves two source chains into one timeline ordered by
// occurrence time. It never mutates or deduplicates the inputs; the two logs
// describe different event namespaces. Timestamp ties order AUTHORITY before
// LOCAL, then by sequence.
func Merge(local, authorityEvents []Event) []Event {
	merged := make([]Event, 0, len(local)+len(authorityEvents))
	merged = append(merged, local...)
	merged = append(merged, authorityEvents...)
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Sequence < b.Sequence
	})
	return merged
}

// VerifyChain walks one source's events in sequence order and checks that
// sequences start at 1 and increment by exactly one, and that each event's
// PreviousHash equals the prior event's Hash. A defect is attributed to the
// event where the expectation fails, and the walk continues so every issue
// in the chain is reported.
func VerifyChain(events []Event) []Issue {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	issues := make([]Issue, 0)
	for i, ev := range ordered {
		if i == 0 {
			if ev.Sequence != 1 {
				issues = append(issues, Issue{SequenceNumber: ev.Sequence, Problem: "chain must start at sequence 1"})
			}
			if ev.PreviousHash != nil {
				issues = append(issues, Issue{SequenceNumber: ev.Sequence, Problem: "first event must not carry a previous hash"})
			}
			continue
		}
		prev := ordered[i-1]
		if ev.Sequence != prev.Sequence+1 {
			issues = append(issues, Issue{SequenceNumber: ev.Sequence, Problem: fmt.Sprintf("sequence does not increment by one from %d", prev.Sequence)})
		}
		if ev.PreviousHash == nil {
			issues = append(issues, Issue{SequenceNumber: ev.Sequence, Problem: "missing previous hash"})
		} else if *ev.PreviousHash != prev.Hash {
			issues = append(issues, Issue{SequenceNumber: ev.Sequence, Problem: fmt.Sprintf("previous hash does not match hash of sequence %d", prev.Sequence)})
		}
	}
	return issues
}

// FromAuthority converts the gateway's event shape into the merged view.
func FromAuthority(events []authority.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		out = append(out, Event{
			ID:           ev.ID,
			Source:       SourceAuthority,
			Sequence:     ev.SequenceNumber,
			Type:         ev.Type,
			ActorID:      ev.ActorID,
			Payload:      ev.Payload,
			Hash:         ev.EventHash,
			PreviousHash: ev.PreviousEventHash,
			OccurredAt:   ev.CreatedAt,
		})
	}
	return out
}

// ComputeLocalEventHash derives the content hash for one local audit event.
// The hash covers the previous event's hash, so rewriting any event breaks
// linkage for everything after it. Offline verification recomputes this from
// an export.
func ComputeLocalEventHash(dealID string, sequence int64, eventType, actorID string, payload map[string]any, previousHash *string, occurredAt time.Time) (string, error) {
	content := map[string]any{
		"dealId":     dealID,
		"sequence":   sequence,
		"type":       eventType,
		"actorId":    actorID,
		"payload":    payload,
		"occurredAt": occurredAt.UTC().Format(time.RFC3339Nano),
	}
	if previousHash != nil {
		content["previousHash"] = *previousHash
	}
	hash, _, err := canonhash.SumObject(content)
	return hash, err
}
