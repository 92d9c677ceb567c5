// Package orchestrator drives the explain-then-act protocol for deal
// actions: derive an idempotency key, replay from the durable ledger when
// possible, coalesce concurrent duplicates, consult the authority, commit,
// persist, and invalidate cached deal state. The persisted ledger, not the
// process-local coalescer, is what keeps retries safe across restarts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/audit"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/flight"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/ledger"
	"github.com/cpu-gm/canonical-deal-os-sub000/pkg/canonhash"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ActionRequest is one client request for a state-changing deal action.
type ActionRequest struct {
	DealID           string         `json:"dealId" validate:"required"`
	ActionType       string         `json:"actionType" validate:"required"`
	ActorID          string         `json:"actorId" validate:"required"`
	Payload          map[string]any `json:"payload"`
	AuthorityContext map[string]any `json:"authorityContext,omitempty"`
	EvidenceRefs     []string       `json:"evidenceRefs,omitempty"`
}

// Outcome is a settled action result. Body is the exact byte sequence
// persisted to the ledger, so a replayed outcome is byte-identical with the
// original response.
type Outcome struct {
	Status          int
	Body            []byte
	AppendedEventID *string
	Replayed        bool
}

// ValidationError reports a malformed request, detected before any ledger or
// authority interaction.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Ledger interface {
	Get(ctx context.Context, key ledger.Key) (*ledger.Entry, error)
	Upsert(ctx context.Context, entry ledger.Entry) error
}

type Gateway interface {
	Explain(ctx context.Context, dealID string, req authority.ExplainRequest) (*authority.Explanation, error)
	AppendEvent(ctx context.Context, dealID string, req authority.AppendRequest) (*authority.Event, error)
}

type AuditLog interface {
	AppendLocal(ctx context.Context, dealID, eventType, actorID string, payload map[string]any) (*audit.Event, error)
}

type DealCache interface {
	DeleteByPrefix(prefix string) int
}

type Orchestrator struct {
	Ledger  Ledger
	Gateway Gateway
	Audit   AuditLog
	Cache   DealCache
	TTL     time.Duration
	Log     zerolog.Logger
	Now     func() time.Time

	inflight flight.Group
}

func New(ledgerStore Ledger, gateway Gateway, auditLog AuditLog, dealCache DealCache, ttl time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Ledger:  ledgerStore,
		Gateway: gateway,
		Audit:   auditLog,
		Cache:   dealCache,
		TTL:     ttl,
		Log:     log,
		Now:     time.Now,
	}
}

// Execute runs one action request to a terminal outcome. An identical
// request inside the TTL window replays the stored outcome without reaching
// the authority again; identical requests in flight at the same moment share
// a single execution.
func (o *Orchestrator) Execute(ctx context.Context, req ActionRequest) (*Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	eventType, ok := ResolveEventType(req.ActionType)
	if !ok {
		return nil, &ValidationError{Field: "actionType", Message: fmt.Sprintf("unknown action type %q", req.ActionType)}
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	payloadHash, _, err := canonhash.SumObject(req.Payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Message: "payload is not hashable: " + err.Error()}
	}
	key := ledger.Key{DealID: req.DealID, ActionType: req.ActionType, ActorID: req.ActorID, PayloadHash: payloadHash}

	entry, err := o.Ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger read: %w", err)
	}
	if entry != nil {
		return replay(entry), nil
	}

	v, _, err := o.inflight.Run(key.String(), func() (any, error) {
		return o.executeOnce(ctx, key, req, eventType)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

func validateRequest(req ActionRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " validation"}
	}
	return &ValidationError{Message: err.Error()}
}

func (o *Orchestrator) executeOnce(ctx context.Context, key ledger.Key, req ActionRequest, eventType string) (*Outcome, error) {
	// The coalesced run serves every waiting duplicate, so it must not die
	// with whichever caller happened to start it: detach from that caller's
	// cancellation for the whole section. This also keeps an in-progress
	// append running to completion after a disconnect, so the ledger never
	// ends up unable to say whether the event happened.
	ctx = context.WithoutCancel(ctx)

	// A parallel request may have settled and persisted between the caller's
	// fast-path read and entry into the coalesced section.
	entry, err := o.Ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger read: %w", err)
	}
	if entry != nil {
		return replay(entry), nil
	}

	explain, err := o.Gateway.Explain(ctx, req.DealID, authority.ExplainRequest{
		Action:           req.ActionType,
		ActorID:          req.ActorID,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
	})
	if err != nil {
		// Unavailable is never persisted, so a genuine retry can proceed.
		if authority.IsUnavailable(err) {
			return nil, err
		}
		return o.persistRejected(ctx, key, req, err)
	}
	if explain.Blocked() {
		return o.persistBlocked(ctx, key, req, explain)
	}

	event, err := o.act(ctx, req, eventType)
	if err != nil {
		if authority.IsUnavailable(err) {
			return nil, err
		}
		return o.persistRejected(ctx, key, req, err)
	}
	return o.persistCommitted(ctx, key, req, event)
}

// act appends the event under the action-type vocabulary, falling back once
// to the mapped event type when the authority rejects the action type as
// unknown. If the fallback fails too, the first failure is surfaced.
func (o *Orchestrator) act(ctx context.Context, req ActionRequest, eventType string) (*authority.Event, error) {
	appendReq := authority.AppendRequest{
		Type:             req.ActionType,
		ActorID:          req.ActorID,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
	}
	event, err := o.Gateway.AppendEvent(ctx, req.DealID, appendReq)
	if err == nil {
		return event, nil
	}
	if !authority.IsUnknownActionType(err) {
		return nil, err
	}

	fallback := appendReq
	fallback.Type = eventType
	event, fallbackErr := o.Gateway.AppendEvent(ctx, req.DealID, fallback)
	if fallbackErr != nil {
		o.Log.Warn().Err(fallbackErr).Str("dealId", req.DealID).Str("actionType", req.ActionType).Str("eventType", eventType).Msg("vocabulary fallback failed")
		return nil, err
	}
	return event, nil
}

func (o *Orchestrator) persistCommitted(ctx context.Context, key ledger.Key, req ActionRequest, event *authority.Event) (*Outcome, error) {
	body, err := json.Marshal(map[string]any{
		"status":          "ALLOWED",
		"action":          req.ActionType,
		"event":           event,
		"appendedEventId": event.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	eventID := event.ID
	outcome, err := o.persist(ctx, key, http.StatusOK, body, &eventID)
	if err != nil {
		return nil, err
	}
	o.invalidateDeal(req.DealID)
	o.auditAppend(ctx, req, "ACTION_COMMITTED", map[string]any{
		"action":          req.ActionType,
		"payloadHash":     key.PayloadHash,
		"appendedEventId": event.ID,
		"eventType":       event.Type,
	})
	o.Log.Info().Str("key", key.String()).Str("dealId", req.DealID).Str("actionType", req.ActionType).Str("appendedEventId", event.ID).Msg("action committed")
	return outcome, nil
}

func (o *Orchestrator) persistBlocked(ctx context.Context, key ledger.Key, req ActionRequest, explain *authority.Explanation) (*Outcome, error) {
	body, err := json.Marshal(map[string]any{
		"status":  "BLOCKED",
		"action":  req.ActionType,
		"explain": explain,
	})
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	outcome, err := o.persist(ctx, key, http.StatusConflict, body, nil)
	if err != nil {
		return nil, err
	}
	o.auditAppend(ctx, req, "ACTION_BLOCKED", map[string]any{
		"action":      req.ActionType,
		"payloadHash": key.PayloadHash,
		"reasons":     explain.Reasons,
	})
	o.Log.Info().Str("key", key.String()).Str("dealId", req.DealID).Str("actionType", req.ActionType).Msg("action blocked by authority")
	return outcome, nil
}

// persistRejected turns an authority refusal into a terminal BLOCKED outcome
// so identical retries stop re-hitting the authority.
func (o *Orchestrator) persistRejected(ctx context.Context, key ledger.Key, req ActionRequest, cause error) (*Outcome, error) {
	status := http.StatusConflict
	detail := map[string]any{"message": cause.Error()}
	if se, ok := authority.AsStatusError(cause); ok {
		if se.StatusCode != 0 {
			status = se.StatusCode
		}
		detail = map[string]any{"code": se.Code, "message": se.Message}
	}
	body, err := json.Marshal(map[string]any{
		"status": "BLOCKED",
		"action": req.ActionType,
		"error":  detail,
	})
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	outcome, err := o.persist(ctx, key, status, body, nil)
	if err != nil {
		return nil, err
	}
	o.auditAppend(ctx, req, "ACTION_BLOCKED", map[string]any{
		"action":      req.ActionType,
		"payloadHash": key.PayloadHash,
		"error":       detail,
	})
	o.Log.Info().Str("key", key.String()).Str("dealId", req.DealID).Str("actionType", req.ActionType).Int("status", status).Msg("action rejected by authority")
	return outcome, nil
}

func (o *Orchestrator) persist(ctx context.Context, key ledger.Key, status int, body []byte, appendedEventID *string) (*Outcome, error) {
	entry := ledger.NewEntry(key, status, body, appendedEventID, o.Now().UTC(), o.TTL)
	if err := o.Ledger.Upsert(ctx, entry); err != nil {
		o.Log.Error().Err(err).Str("key", key.String()).Str("dealId", key.DealID).Str("actionType", key.ActionType).Msg("ledger write failed")
		return nil, fmt.Errorf("ledger write: %w", err)
	}
	return &Outcome{Status: status, Body: body, AppendedEventID: appendedEventID}, nil
}

// invalidateDeal drops every cached read derived from the deal, giving
// read-after-write consistency for subsequent workspace fetches.
func (o *Orchestrator) invalidateDeal(dealID string) {
	n := o.Cache.DeleteByPrefix("deal:" + dealID + ":")
	if n > 0 {
		o.Log.Debug().Str("dealId", dealID).Int("entries", n).Msg("cache invalidated")
	}
}

// auditAppend records the decision on the local chain. Chain problems
// surface through verification reports, never as action failures.
func (o *Orchestrator) auditAppend(ctx context.Context, req ActionRequest, eventType string, payload map[string]any) {
	if _, err := o.Audit.AppendLocal(ctx, req.DealID, eventType, req.ActorID, payload); err != nil {
		o.Log.Error().Err(err).Str("dealId", req.DealID).Str("actionType", req.ActionType).Msg("local audit append failed")
	}
}

func replay(entry *ledger.Entry) *Outcome {
	return &Outcome{
		Status:          entry.ResponseStatus,
		Body:            entry.ResponseBody,
		AppendedEventID: entry.AppendedEventID,
		Replayed:        true,
	}
}
