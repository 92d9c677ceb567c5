package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
)

func linkedChain(t *testing.T, dealID string, n int) []Event {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := make([]Event, 0, n)
	var prev *string
	for i := 1; i <= n; i++ {
		occurred := base.Add(time.Duration(i) * time.Minute)
		payload := map[string]any{"step": i}
		hash, err := ComputeLocalEventHash(dealID, int64(i), "ACTION_COMMITTED", "usr_1", payload, prev, occurred)
		if err != nil {
			t.Fatalf("ComputeLocalEventHash: %v", err)
		}
		events = append(events, Event{
			ID:           fmt.Sprintf("aev_%d", i),
			Source:       SourceLocal,
			Sequence:     int64(i),
			Type:         "ACTION_COMMITTED",
			ActorID:      "usr_1",
			Payload:      payload,
			Hash:         hash,
			PreviousHash: prev,
			OccurredAt:   occurred,
		})
		h := hash
		prev = &h
	}
	return events
}

func TestVerifyChain_ValidChainHasNoIssues(t *testing.T) {
	events := linkedChain(t, "deal_1", 3)
	issues := VerifyChain(events)
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestVerifyChain_EmptyChainIsValid(t *testing.T) {
	if issues := VerifyChain(nil); len(issues) != 0 {
		t.Fatalf("expected no issues for empty chain, got %+v", issues)
	}
}

func TestVerifyChain_MutatedSecondHashFlagsSequenceThree(t *testing.T) {
	events := linkedChain(t, "deal_1", 3)
	events[1].Hash = "deadbeef"

	issues := VerifyChain(events)
	if len(issues) != 1 {
		t.Fatalf("expected exactly one issue, got %+v", issues)
	}
	if issues[0].SequenceNumber != 3 {
		t.Fatalf("expected issue at sequence 3, got %+v", issues[0])
	}
}

func TestVerifyChain_MutatedPreviousHashFlagsOwnSequence(t *testing.T) {
	events := linkedChain(t, "deal_1", 3)
	bogus := "deadbeef"
	events[2].PreviousHash = &bogus

	issues := VerifyChain(events)
	if len(issues) != 1 {
		t.Fatalf("expected exactly one issue, got %+v", issues)
	}
	if issues[0].SequenceNumber != 3 {
		t.Fatalf("expected issue at sequence 3, got %+v", issues[0])
	}
}

func TestVerifyChain_SequenceGapReported(t *testing.T) {
	events := linkedChain(t, "deal_1", 4)
	gapped := []Event{events[0], events[1], events[3]}

	issues := VerifyChain(gapped)
	if len(issues) != 2 {
		t.Fatalf("expected gap and linkage issues, got %+v", issues)
	}
	for _, issue := range issues {
		if issue.SequenceNumber != 4 {
			t.Fatalf("expected issues at sequence 4, got %+v", issue)
		}
	}
}

func TestVerifyChain_FirstEventRules(t *testing.T) {
	events := linkedChain(t, "deal_1", 3)

	tail := events[1:]
	issues := VerifyChain(tail)
	if len(issues) != 2 {
		t.Fatalf("expected start-at-1 and previous-hash issues, got %+v", issues)
	}
	if issues[0].SequenceNumber != 2 || issues[1].SequenceNumber != 2 {
		t.Fatalf("expected both issues at sequence 2, got %+v", issues)
	}
}

func TestVerifyChain_CollectsAllIssues(t *testing.T) {
	events := linkedChain(t, "deal_1", 5)
	events[1].Hash = "broken-a"
	events[3].Hash = "broken-b"

	issues := VerifyChain(events)
	if len(issues) != 2 {
		t.Fatalf("expected two issues, got %+v", issues)
	}
	if issues[0].SequenceNumber != 3 || issues[1].SequenceNumber != 5 {
		t.Fatalf("expected issues at sequences 3 and 5, got %+v", issues)
	}
}

func TestVerifyChain_CorruptLocalSaysNothingAboutAuthority(t *testing.T) {
	local := linkedChain(t, "deal_1", 3)
	local[0].Hash = "corrupt"

	remote := linkedChain(t, "deal_1", 2)
	for i := range remote {
		remote[i].Source = SourceAuthority
	}

	if issues := VerifyChain(local); len(issues) == 0 {
		t.Fatal("expected corrupt local chain to report issues")
	}
	if issues := VerifyChain(remote); len(issues) != 0 {
		t.Fatalf("expected authority chain to stay valid, got %+v", issues)
	}
}

func TestMerge_InterleavesByTimestamp(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)

	local := []Event{
		{ID: "aev_1", Source: SourceLocal, Sequence: 1, OccurredAt: t1},
		{ID: "aev_2", Source: SourceLocal, Sequence: 2, OccurredAt: t3},
	}
	remote := []Event{
		{ID: "evt_1", Source: SourceAuthority, Sequence: 1, OccurredAt: t2},
	}

	merged := Merge(local, remote)
	if len(merged) != 3 {
		t.Fatalf("expected 3 events, got %d", len(merged))
	}
	got := []string{merged[0].ID, merged[1].ID, merged[2].ID}
	want := []string{"aev_1", "evt_1", "aev_2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: got %v want %v", got, want)
		}
	}
}

func TestMerge_TimestampTieOrdersAuthorityFirst(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := []Event{{ID: "aev_1", Source: SourceLocal, Sequence: 1, OccurredAt: at}}
	remote := []Event{{ID: "evt_1", Source: SourceAuthority, Sequence: 1, OccurredAt: at}}

	merged := Merge(local, remote)
	if merged[0].ID != "evt_1" || merged[1].ID != "aev_1" {
		t.Fatalf("unexpected tie order: %s then %s", merged[0].ID, merged[1].ID)
	}
}

func TestMerge_NeverDeduplicatesAcrossSources(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := []Event{{ID: "aev_1", Source: SourceLocal, Sequence: 1, Type: "DEAL_APPROVED", OccurredAt: at}}
	remote := []Event{{ID: "evt_1", Source: SourceAuthority, Sequence: 1, Type: "DEAL_APPROVED", OccurredAt: at.Add(time.Second)}}

	merged := Merge(local, remote)
	if len(merged) != 2 {
		t.Fatalf("expected both entries kept, got %d", len(merged))
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	local := linkedChain(t, "deal_1", 2)
	remote := linkedChain(t, "deal_1", 2)
	for i := range remote {
		remote[i].Source = SourceAuthority
	}
	wantFirst := local[0].ID

	_ = Merge(local, remote)
	if local[0].ID != wantFirst || local[0].Sequence != 1 {
		t.Fatalf("merge mutated its input: %+v", local[0])
	}
}

func TestComputeLocalEventHash_DeterministicAndLinkSensitive(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload := map[string]any{"b": 2, "a": 1}

	h1, err := ComputeLocalEventHash("deal_1", 1, "ACTION_COMMITTED", "usr_1", payload, nil, at)
	if err != nil {
		t.Fatalf("ComputeLocalEventHash: %v", err)
	}
	h2, err := ComputeLocalEventHash("deal_1", 1, "ACTION_COMMITTED", "usr_1", map[string]any{"a": 1, "b": 2}, nil, at)
	if err != nil {
		t.Fatalf("ComputeLocalEventHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash must not depend on payload key order: %s vs %s", h1, h2)
	}

	prev := "0000"
	h3, err := ComputeLocalEventHash("deal_1", 1, "ACTION_COMMITTED", "usr_1", payload, &prev, at)
	if err != nil {
		t.Fatalf("ComputeLocalEventHash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("hash must cover the previous-hash link")
	}
}

func TestFromAuthority_CarriesChainFields(t *testing.T) {
	prev := "h1"
	remote := []authority.Event{{
		ID:                "evt_2",
		Type:              "DEAL_APPROVED",
		ActorID:           "usr_1",
		Payload:           map[string]any{"note": "ok"},
		CreatedAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		SequenceNumber:    2,
		EventHash:         "h2",
		PreviousEventHash: &prev,
	}}

	events := FromAuthority(remote)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Source != SourceAuthority || ev.Sequence != 2 || ev.Hash != "h2" {
		t.Fatalf("unexpected conversion: %+v", ev)
	}
	if ev.PreviousHash == nil || *ev.PreviousHash != "h1" {
		t.Fatalf("previous hash lost in conversion: %+v", ev)
	}
}
