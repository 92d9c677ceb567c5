package dealos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, BearerAuth{Token: "sess-token"},
		WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	return c, srv
}

func TestRequestAction_Committed(t *testing.T) {
	var gotAuth, gotPath string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ALLOWED","action":"APPROVE_DEAL","appendedEventId":"evt_1","event":{"id":"evt_1","type":"APPROVE_DEAL","sequenceNumber":4,"eventHash":"h4","previousEventHash":"h3","createdAt":"2026-08-30T10:00:00Z"}}`))
	}))

	out, err := c.RequestAction(context.Background(), "deal-1", ActionRequest{ActionType: "APPROVE_DEAL"})
	if err != nil {
		t.Fatalf("RequestAction: %v", err)
	}
	if gotAuth != "Bearer sess-token" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotPath != "/bff/v1/deals/deal-1/actions" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if !out.Allowed() || out.HTTPStatus != http.StatusOK {
		t.Fatalf("expected allowed 200, got %s %d", out.Status, out.HTTPStatus)
	}
	if out.AppendedEventID != "evt_1" || out.Event == nil || out.Event.SequenceNumber != 4 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRequestAction_BlockedIsOutcomeNotError(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"BLOCKED","action":"APPROVE_DEAL","explain":{"status":"BLOCKED","reasons":["Approval threshold 1/2"]}}`))
	}))

	out, err := c.RequestAction(context.Background(), "deal-1", ActionRequest{ActionType: "APPROVE_DEAL"})
	if err != nil {
		t.Fatalf("RequestAction: %v", err)
	}
	if !out.Blocked() || out.HTTPStatus != http.StatusConflict {
		t.Fatalf("expected blocked 409, got %s %d", out.Status, out.HTTPStatus)
	}
	if out.Explain == nil || len(out.Explain.Reasons) != 1 || out.Explain.Reasons[0] != "Approval threshold 1/2" {
		t.Fatalf("unexpected explain: %+v", out.Explain)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("409 must not be retried, saw %d calls", n)
	}
}

func TestRequestAction_RetriesUnavailableThenSucceeds(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"requestId":"req_x","error":{"code":"AUTHORITY_UNAVAILABLE","message":"down"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ALLOWED","action":"APPROVE_DEAL","appendedEventId":"evt_2"}`))
	}))

	out, err := c.RequestAction(context.Background(), "deal-1", ActionRequest{ActionType: "APPROVE_DEAL"})
	if err != nil {
		t.Fatalf("RequestAction: %v", err)
	}
	if !out.Allowed() {
		t.Fatalf("expected allowed after retry, got %s", out.Status)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, saw %d", n)
	}
}

func TestRequestAction_CancelDuringBackoffReturnsPromptly(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, BearerAuth{Token: "sess-token"},
		WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.RequestAction(ctx, "deal-1", ActionRequest{ActionType: "APPROVE_DEAL"})
	elapsed := time.Since(start)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("cancellation did not interrupt backoff, waited %v", elapsed)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 attempt before cancel, saw %d", n)
	}
}

func TestRequestAction_ValidationErrorSurfacesTyped(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"req_1","error":{"code":"VALIDATION_FAILED","message":"actionType: unknown action type","details":{"field":"actionType"}}}`))
	}))

	_, err := c.RequestAction(context.Background(), "deal-1", ActionRequest{ActionType: "NOT_A_THING"})
	var sdkErr *Error
	if !errors.As(err, &sdkErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if sdkErr.StatusCode != 400 || sdkErr.ErrorCode != "VALIDATION_FAILED" || sdkErr.RequestID != "req_1" {
		t.Fatalf("unexpected error: %+v", sdkErr)
	}
	if sdkErr.Details["field"] != "actionType" {
		t.Fatalf("details not parsed: %+v", sdkErr.Details)
	}
}

func TestRequestAction_RequiresActionType(t *testing.T) {
	c := NewClient("http://unused", BearerAuth{Token: "x"})
	if _, err := c.RequestAction(context.Background(), "deal-1", ActionRequest{}); err == nil {
		t.Fatal("expected missing actionType error")
	}
}

func TestGetWorkspace_DecodesEnvelope(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bff/v1/deals/deal-9/workspace" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"requestId":"req_2","workspace":{"dealId":"deal-9","documents":[{"documentId":"doc_1","dealId":"deal-9","title":"LPA"}],"distributions":[],"localEvents":[]}}`))
	}))

	ws, err := c.GetWorkspace(context.Background(), "deal-9")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if ws.DealID != "deal-9" || len(ws.Documents) != 1 || ws.Documents[0].Title != "LPA" {
		t.Fatalf("unexpected workspace: %+v", ws)
	}
}

func TestVerifyAudit_DecodesReport(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"requestId":"req_3","report":{"dealId":"deal-9","overallValid":false,"local":{"valid":true,"eventCount":2,"issues":[]},"authority":{"valid":false,"eventCount":3,"issues":[{"sequenceNumber":3,"problem":"previous hash does not match hash of sequence 2"}],"totalEvents":3},"verifiedAt":"2026-08-30T10:00:00Z"}}`))
	}))

	report, err := c.VerifyAudit(context.Background(), "deal-9")
	if err != nil {
		t.Fatalf("VerifyAudit: %v", err)
	}
	if report.OverallValid || !report.Local.Valid || report.Authority.Valid {
		t.Fatalf("unexpected report verdicts: %+v", report)
	}
	if len(report.Authority.Issues) != 1 || report.Authority.Issues[0].SequenceNumber != 3 {
		t.Fatalf("unexpected authority issues: %+v", report.Authority.Issues)
	}
}

func TestExportAudit_RoundTripsBareBundle(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dealId":"deal-9","exportedAt":"2026-08-30T10:00:00Z","localEvents":[{"id":"aud_1","source":"LOCAL","sequence":1,"type":"ACTION_COMMITTED","hash":"h1","previousHash":null,"occurredAt":"2026-08-30T09:00:00Z"}],"authorityEvents":[]}`))
	}))

	export, err := c.ExportAudit(context.Background(), "deal-9")
	if err != nil {
		t.Fatalf("ExportAudit: %v", err)
	}
	if export.DealID != "deal-9" || len(export.LocalEvents) != 1 || export.LocalEvents[0].Hash != "h1" {
		t.Fatalf("unexpected export: %+v", export)
	}
}

func TestBearerAuth_RejectsEmptyToken(t *testing.T) {
	c := NewClient("http://unused", BearerAuth{})
	if _, err := c.GetTimeline(context.Background(), "deal-1"); err == nil {
		t.Fatal("expected auth error for empty token")
	}
}
