package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
)

type fakeLocalLog struct {
	events []Event
	err    error
}

func (f *fakeLocalLog) ListLocal(ctx context.Context, dealID string) ([]Event, error) {
	return f.events, f.err
}

type fakeAuthorityLog struct {
	events    []authority.Event
	verdict   *authority.RemoteVerification
	listErr   error
	verifyErr error
}

func (f *fakeAuthorityLog) ListEvents(ctx context.Context, dealID string) ([]authority.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.events, nil
}

func (f *fakeAuthorityLog) VerifyChain(ctx context.Context, dealID string) (*authority.RemoteVerification, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verdict, nil
}

func remoteChain(n int) []authority.Event {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]authority.Event, 0, n)
	var prev *string
	for i := 1; i <= n; i++ {
		hash := fmt.Sprintf("rh%d", i)
		out = append(out, authority.Event{
			ID:                fmt.Sprintf("evt_%d", i),
			Type:              "DEAL_APPROVED",
			CreatedAt:         base.Add(time.Duration(i) * time.Minute),
			SequenceNumber:    int64(i),
			EventHash:         hash,
			PreviousEventHash: prev,
		})
		h := hash
		prev = &h
	}
	return out
}

func TestServiceTimeline_MergesBothSources(t *testing.T) {
	local := linkedChain(t, "deal_1", 2)
	svc := NewService(
		&fakeLocalLog{events: local},
		&fakeAuthorityLog{events: remoteChain(2)},
	)

	timeline, err := svc.Timeline(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if timeline.DealID != "deal_1" || len(timeline.Events) != 4 {
		t.Fatalf("unexpected timeline: %+v", timeline)
	}
	// Remote chain starts an hour earlier, so it leads the merged view.
	if timeline.Events[0].Source != SourceAuthority || timeline.Events[2].Source != SourceLocal {
		t.Fatalf("unexpected interleave: %+v", timeline.Events)
	}
}

func TestServiceVerificationReport_AllValid(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc := NewService(
		&fakeLocalLog{events: linkedChain(t, "deal_1", 3)},
		&fakeAuthorityLog{
			events:  remoteChain(2),
			verdict: &authority.RemoteVerification{Valid: true, TotalEvents: 2},
		},
	)
	svc.Now = func() time.Time { return now }

	report, err := svc.VerificationReport(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("VerificationReport: %v", err)
	}
	if !report.OverallValid || !report.Local.Valid || !report.Authority.Valid {
		t.Fatalf("expected fully valid report, got %+v", report)
	}
	if report.Local.EventCount != 3 || report.Authority.EventCount != 2 || report.Authority.TotalEvents != 2 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if len(report.Local.Issues) != 0 || len(report.Authority.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report)
	}
	if !report.VerifiedAt.Equal(now) {
		t.Fatalf("unexpected verifiedAt: %v", report.VerifiedAt)
	}
}

func TestServiceVerificationReport_LocalCorruptionIsolated(t *testing.T) {
	local := linkedChain(t, "deal_1", 3)
	local[1].Hash = "tampered"

	svc := NewService(
		&fakeLocalLog{events: local},
		&fakeAuthorityLog{
			events:  remoteChain(2),
			verdict: &authority.RemoteVerification{Valid: true, TotalEvents: 2},
		},
	)

	report, err := svc.VerificationReport(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("VerificationReport: %v", err)
	}
	if report.OverallValid {
		t.Fatal("expected overallValid false")
	}
	if report.Local.Valid || len(report.Local.Issues) != 1 || report.Local.Issues[0].SequenceNumber != 3 {
		t.Fatalf("unexpected local verdict: %+v", report.Local)
	}
	if !report.Authority.Valid {
		t.Fatalf("local corruption must not invalidate authority chain: %+v", report.Authority)
	}
}

func TestServiceVerificationReport_RemoteIssuesFoldedIn(t *testing.T) {
	svc := NewService(
		&fakeLocalLog{events: linkedChain(t, "deal_1", 1)},
		&fakeAuthorityLog{
			events: remoteChain(3),
			verdict: &authority.RemoteVerification{
				Valid:       false,
				Issues:      []authority.RemoteIssue{{SequenceNumber: 2, Problem: "stored hash mismatch"}},
				TotalEvents: 3,
			},
		},
	)

	report, err := svc.VerificationReport(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("VerificationReport: %v", err)
	}
	if report.Authority.Valid || report.OverallValid {
		t.Fatalf("expected authority verdict invalid, got %+v", report)
	}
	if len(report.Authority.Issues) != 1 || report.Authority.Issues[0].Problem != "stored hash mismatch" {
		t.Fatalf("expected remote issue folded in, got %+v", report.Authority.Issues)
	}
	if !report.Local.Valid {
		t.Fatalf("remote issues must not invalidate local chain: %+v", report.Local)
	}
}

func TestServiceVerificationReport_AuthorityUnreachable(t *testing.T) {
	svc := NewService(
		&fakeLocalLog{events: linkedChain(t, "deal_1", 1)},
		&fakeAuthorityLog{listErr: &authority.StatusError{Kind: authority.KindUnavailable, Message: "connection refused"}},
	)

	_, err := svc.VerificationReport(context.Background(), "deal_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !authority.IsUnavailable(err) {
		t.Fatalf("expected unavailable classification to survive, got %v", err)
	}
}

func TestServiceExport_SnapshotsBothChainsWithReport(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc := NewService(
		&fakeLocalLog{events: linkedChain(t, "deal_1", 2)},
		&fakeAuthorityLog{
			events:  remoteChain(1),
			verdict: &authority.RemoteVerification{Valid: true, TotalEvents: 1},
		},
	)
	svc.Now = func() time.Time { return now }

	export, err := svc.Export(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if export.DealID != "deal_1" || !export.ExportedAt.Equal(now) {
		t.Fatalf("unexpected export metadata: %+v", export)
	}
	if len(export.LocalEvents) != 2 || len(export.AuthorityEvents) != 1 {
		t.Fatalf("unexpected export sizes: local=%d authority=%d", len(export.LocalEvents), len(export.AuthorityEvents))
	}
	if export.AuthorityEvents[0].Source != SourceAuthority {
		t.Fatalf("authority events must be tagged: %+v", export.AuthorityEvents[0])
	}
	if export.Report == nil || !export.Report.OverallValid {
		t.Fatalf("expected a valid report in the export, got %+v", export.Report)
	}
}

func TestServiceExport_EmptyChainsMarshalAsArrays(t *testing.T) {
	svc := NewService(
		&fakeLocalLog{},
		&fakeAuthorityLog{verdict: &authority.RemoteVerification{Valid: true}},
	)

	export, err := svc.Export(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if export.LocalEvents == nil || export.AuthorityEvents == nil {
		t.Fatal("expected empty slices, not nil")
	}
}

func TestServiceTimeline_LocalStoreFailureSurfaced(t *testing.T) {
	storeErr := errors.New("connection closed")
	svc := NewService(&fakeLocalLog{err: storeErr}, &fakeAuthorityLog{})

	_, err := svc.Timeline(context.Background(), "deal_1")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
