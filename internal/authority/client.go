// Package authority is the typed HTTP client for the external authority
// service, the system of record for deal lifecycle state. It exposes the
// two-phase surface the orchestrator drives (explain, then append an event)
// plus the event-log reads the audit merger consumes, and classifies every
// failure as either unavailable or rejected.
package authority

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	StatusAllowed = "ALLOWED"
	StatusBlocked = "BLOCKED"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// GatewayID/Secret enable HMAC request signing when both are set.
	GatewayID string
	Secret    string

	// Now is overridable for tests.
	Now func() time.Time
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Now:     time.Now,
	}
}

// ExplainRequest asks the authority whether an action is currently eligible.
type ExplainRequest struct {
	Action           string         `json:"action"`
	ActorID          string         `json:"actorId"`
	Payload          map[string]any `json:"payload"`
	AuthorityContext map[string]any `json:"authorityContext,omitempty"`
	EvidenceRefs     []string       `json:"evidenceRefs,omitempty"`
}

type Explanation struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

func (e *Explanation) Blocked() bool { return e.Status == StatusBlocked }

// AppendRequest appends one event to the authority's hash-chained deal log.
type AppendRequest struct {
	Type             string         `json:"type"`
	ActorID          string         `json:"actorId"`
	Payload          map[string]any `json:"payload"`
	AuthorityContext map[string]any `json:"authorityContext,omitempty"`
	EvidenceRefs     []string       `json:"evidenceRefs,omitempty"`
}

// Event is the authority's event shape, both as append confirmation and in
// log listings.
type Event struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	ActorID           string         `json:"actorId,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	SequenceNumber    int64          `json:"sequenceNumber"`
	EventHash         string         `json:"eventHash"`
	PreviousEventHash *string        `json:"previousEventHash"`
}

// RemoteIssue is one problem the authority's own verifier reported.
type RemoteIssue struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Problem        string `json:"problem"`
}

// RemoteVerification is the authority's self-reported chain check.
type RemoteVerification struct {
	Valid       bool          `json:"valid"`
	Issues      []RemoteIssue `json:"issues"`
	TotalEvents int           `json:"totalEvents"`
}

// Explain runs the eligibility phase. A BLOCKED status is a normal response,
// not an error.
func (c *Client) Explain(ctx context.Context, dealID string, req ExplainRequest) (*Explanation, error) {
	var out Explanation
	path := "/deals/" + url.PathEscape(dealID) + "/explain"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent runs the acting phase, appending one event to the deal's chain.
func (c *Client) AppendEvent(ctx context.Context, dealID string, req AppendRequest) (*Event, error) {
	var out Event
	path := "/deals/" + url.PathEscape(dealID) + "/events"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvents returns the deal's full authority-side event log in sequence
// order.
func (c *Client) ListEvents(ctx context.Context, dealID string) ([]Event, error) {
	var out []Event
	path := "/deals/" + url.PathEscape(dealID) + "/events"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyChain asks the authority to verify its own chain for the deal.
func (c *Client) VerifyChain(ctx context.Context, dealID string) (*RemoteVerification, error) {
	var out RemoteVerification
	path := "/deals/" + url.PathEscape(dealID) + "/events/verify"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode authority request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("build authority request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(bodyBytes) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.GatewayID != "" && c.Secret != "" {
		c.sign(req, bodyBytes)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return unavailable(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode authority response: %w", err)
		}
		return nil
	}
	return classify(resp.StatusCode, respBody)
}

func classify(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}
	if status >= 500 {
		se.Kind = KindUnavailable
	} else {
		se.Kind = KindRejected
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		se.Message = strings.TrimSpace(string(body))
		if se.Message == "" {
			se.Message = http.StatusText(status)
		}
		return se
	}
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	se.Code, _ = obj["code"].(string)
	se.Message, _ = obj["message"].(string)
	if se.Message == "" {
		se.Message = http.StatusText(status)
	}
	return se
}

// sign applies the gateway HMAC scheme: the signature covers method, path
// with query, timestamp, nonce, and the body's SHA-256.
func (c *Client) sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now().UTC()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := newNonce()
	pathWithQuery := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		pathWithQuery += "?" + req.URL.RawQuery
	}
	bodyHash := ""
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		bodyHash = hex.EncodeToString(sum[:])
	}
	signingString := strings.ToUpper(req.Method) + "\n" + pathWithQuery + "\n" + ts + "\n" + nonce + "\n" + bodyHash
	mac := hmac.New(sha256.New, []byte(c.Secret))
	_, _ = mac.Write([]byte(signingString))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-Authority-Gateway-Id", c.GatewayID)
	req.Header.Set("X-Authority-Timestamp", ts)
	req.Header.Set("X-Authority-Nonce", nonce)
	req.Header.Set("X-Authority-Signature", signature)
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
