// Package dealos is the typed Go client for the deal action gateway's BFF
// API. It carries bearer-session auth, bounded retries with exponential
// backoff for transient failures, and structured errors. A BLOCKED action
// outcome is a normal result, never an error: only transport problems and
// non-action refusals surface as *Error.
package dealos

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("dealos sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// Event mirrors one audit event as the gateway serves it, from either chain.
type Event struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Sequence     int64          `json:"sequence"`
	Type         string         `json:"type"`
	ActorID      string         `json:"actorId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Hash         string         `json:"hash"`
	PreviousHash *string        `json:"previousHash"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// AuthorityEvent is the authority's own event shape, embedded in a committed
// action outcome.
type AuthorityEvent struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	ActorID           string         `json:"actorId,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	SequenceNumber    int64          `json:"sequenceNumber"`
	EventHash         string         `json:"eventHash"`
	PreviousEventHash *string        `json:"previousEventHash"`
}

type Explanation struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

// ActionOutcome is the settled result of one action request. Status is
// ALLOWED or BLOCKED; HTTPStatus carries the wire status the gateway
// answered with (200 or 409).
type ActionOutcome struct {
	Status          string          `json:"status"`
	Action          string          `json:"action"`
	Event           *AuthorityEvent `json:"event,omitempty"`
	AppendedEventID string          `json:"appendedEventId,omitempty"`
	Explain         *Explanation    `json:"explain,omitempty"`
	HTTPStatus      int             `json:"-"`
	Raw             map[string]any  `json:"-"`
}

func (o *ActionOutcome) Allowed() bool { return o != nil && o.Status == "ALLOWED" }
func (o *ActionOutcome) Blocked() bool { return o != nil && o.Status == "BLOCKED" }

// ActionRequest is the body of one action submission. Identical submissions
// inside the gateway's ledger TTL replay the first outcome instead of acting
// twice, so retrying a timed-out action with the same payload is safe.
type ActionRequest struct {
	ActionType       string         `json:"actionType"`
	Payload          map[string]any `json:"payload,omitempty"`
	AuthorityContext map[string]any `json:"authorityContext,omitempty"`
	EvidenceRefs     []string       `json:"evidenceRefs,omitempty"`
}

type Document struct {
	DocumentID  string    `json:"documentId"`
	DealID      string    `json:"dealId"`
	Title       string    `json:"title"`
	ContentType string    `json:"contentType"`
	ByteSize    int64     `json:"byteSize"`
	StorageRef  string    `json:"storageRef"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type Distribution struct {
	DistributionID string    `json:"distributionId"`
	DealID         string    `json:"dealId"`
	Kind           string    `json:"kind"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	Memo           string    `json:"memo"`
	RecordedBy     string    `json:"recordedBy"`
	RecordedAt     time.Time `json:"recordedAt"`
}

type Workspace struct {
	DealID        string         `json:"dealId"`
	Documents     []Document     `json:"documents"`
	Distributions []Distribution `json:"distributions"`
	LocalEvents   []Event        `json:"localEvents"`
}

type Timeline struct {
	DealID string  `json:"dealId"`
	Events []Event `json:"events"`
}

type Issue struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Problem        string `json:"problem"`
}

type SourceReport struct {
	Valid      bool    `json:"valid"`
	EventCount int     `json:"eventCount"`
	Issues     []Issue `json:"issues"`
}

type AuthorityReport struct {
	Valid       bool    `json:"valid"`
	EventCount  int     `json:"eventCount"`
	Issues      []Issue `json:"issues"`
	TotalEvents int     `json:"totalEvents"`
}

type Report struct {
	DealID       string          `json:"dealId"`
	OverallValid bool            `json:"overallValid"`
	Local        SourceReport    `json:"local"`
	Authority    AuthorityReport `json:"authority"`
	VerifiedAt   time.Time       `json:"verifiedAt"`
}

// Export is the offline verification bundle: both chains plus the report the
// gateway produced when the bundle was cut. It round-trips into auditctl.
type Export struct {
	DealID          string    `json:"dealId"`
	ExportedAt      time.Time `json:"exportedAt"`
	Report          *Report   `json:"report"`
	LocalEvents     []Event   `json:"localEvents"`
	AuthorityEvents []Event   `json:"authorityEvents"`
}

type AuthStrategy interface {
	Apply(req *http.Request) error
}

// BearerAuth authenticates with a gateway session token.
type BearerAuth struct{ Token string }

func (a BearerAuth) Apply(req *http.Request) error {
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("bearer token is required")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL string, auth AuthStrategy, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		auth:       auth,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

// RequestAction submits one state-changing deal action. Both ALLOWED (200)
// and BLOCKED (409) are settled outcomes returned without error; a 409 is
// never retried. Retrying the same request is safe server-side: the
// gateway's idempotency ledger replays the original outcome.
func (c *Client) RequestAction(ctx context.Context, dealID string, req ActionRequest) (*ActionOutcome, error) {
	if strings.TrimSpace(req.ActionType) == "" {
		return nil, errors.New("actionType is required")
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/actions"
	status, body, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return nil, parseSDKError(status, body)
	}
	var out ActionOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode action outcome: %w", err)
	}
	out.HTTPStatus = status
	_ = json.Unmarshal(body, &out.Raw)
	return &out, nil
}

// GetWorkspace fetches the deal's aggregated side-state view.
func (c *Client) GetWorkspace(ctx context.Context, dealID string) (*Workspace, error) {
	var envelope struct {
		Workspace *Workspace `json:"workspace"`
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/workspace"
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, err
	}
	if envelope.Workspace == nil {
		return nil, errors.New("workspace missing from response")
	}
	return envelope.Workspace, nil
}

// GetTimeline fetches the merged LOCAL+AUTHORITY audit timeline.
func (c *Client) GetTimeline(ctx context.Context, dealID string) (*Timeline, error) {
	var envelope struct {
		Timeline *Timeline `json:"timeline"`
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/timeline"
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, err
	}
	if envelope.Timeline == nil {
		return nil, errors.New("timeline missing from response")
	}
	return envelope.Timeline, nil
}

// VerifyAudit fetches the two-chain verification report.
func (c *Client) VerifyAudit(ctx context.Context, dealID string) (*Report, error) {
	var envelope struct {
		Report *Report `json:"report"`
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/audit/verify"
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, err
	}
	if envelope.Report == nil {
		return nil, errors.New("report missing from response")
	}
	return envelope.Report, nil
}

// ExportAudit fetches the offline verification bundle.
func (c *Client) ExportAudit(ctx context.Context, dealID string) (*Export, error) {
	var out Export
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/audit/export"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordDocument stores document metadata against the deal.
func (c *Client) RecordDocument(ctx context.Context, dealID string, doc Document) (*Document, error) {
	var envelope struct {
		Document *Document `json:"document"`
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/documents"
	status, body, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"title":       doc.Title,
		"contentType": doc.ContentType,
		"byteSize":    doc.ByteSize,
		"storageRef":  doc.StorageRef,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, parseSDKError(status, body)
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return envelope.Document, nil
}

// RecordDistribution records a distribution against the deal.
func (c *Client) RecordDistribution(ctx context.Context, dealID string, dist Distribution) (*Distribution, error) {
	var envelope struct {
		Distribution *Distribution `json:"distribution"`
	}
	path := "/bff/v1/deals/" + url.PathEscape(dealID) + "/distributions"
	status, body, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"kind":        dist.Kind,
		"amountCents": dist.AmountCents,
		"currency":    dist.Currency,
		"memo":        dist.Memo,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, parseSDKError(status, body)
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode distribution: %w", err)
	}
	return envelope.Distribution, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return parseSDKError(status, body)
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// do runs one request with the configured retry policy. Only 429 and
// 502/503/504 are retried; a 409 is a settled outcome and never retried.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "dealos-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.auth != nil {
			if err := c.auth.Apply(req); err != nil {
				return 0, nil, err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.retry.MaxAttempts {
				if err := sleepWithBackoff(ctx, c.retry, attempt, ""); err != nil {
					return 0, nil, err
				}
				continue
			}
			return 0, nil, lastErr
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if shouldRetryStatus(resp.StatusCode) && attempt < c.retry.MaxAttempts {
			if err := sleepWithBackoff(ctx, c.retry, attempt, resp.Header.Get("Retry-After")); err != nil {
				return 0, nil, err
			}
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

// sleepWithBackoff waits out the retry delay, returning early with the
// context's error if the caller cancels mid-wait.
func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) error {
	var d time.Duration
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && sec >= 0 {
		d = time.Duration(sec) * time.Second
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	} else {
		max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
		if max > float64(cfg.MaxDelay) {
			max = float64(cfg.MaxDelay)
		}
		n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
		d = time.Duration(n.Int64())
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["requestId"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func bigInt(v int64) *big.Int {
	if v < 1 {
		v = 1
	}
	return big.NewInt(v)
}
