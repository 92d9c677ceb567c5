// Package actions exposes the gateway's HTTP surface: the orchestrated
// action endpoint plus the workspace, audit, and side-state routes that
// surround it.
package actions

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/audit"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/orchestrator"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/platform"
	"github.com/cpu-gm/canonical-deal-os-sub000/pkg/httpx"
)

const maxBodyBytes = 1 << 20 // 1MB

type ActionExecutor interface {
	Execute(ctx context.Context, req orchestrator.ActionRequest) (*orchestrator.Outcome, error)
}

type WorkspaceSource interface {
	Get(ctx context.Context, dealID string) (*platform.Workspace, error)
}

type AuditSource interface {
	Timeline(ctx context.Context, dealID string) (*audit.Timeline, error)
	VerificationReport(ctx context.Context, dealID string) (*audit.Report, error)
	Export(ctx context.Context, dealID string) (*audit.Export, error)
}

type SideStore interface {
	InsertDocument(ctx context.Context, d platform.Document) error
	ListDocuments(ctx context.Context, dealID string) ([]platform.Document, error)
	InsertDistribution(ctx context.Context, d platform.Distribution) error
	ListDistributions(ctx context.Context, dealID string) ([]platform.Distribution, error)
	UpsertUserByEmail(ctx context.Context, email, displayName string, roles []string) (platform.User, error)
	CreateSession(ctx context.Context, userID string, ttl time.Duration) (platform.Session, string, error)
}

type DealCache interface {
	DeleteByPrefix(prefix string) int
}

// ResolveActor authenticates a request and yields the acting identity.
type ResolveActor func(r *http.Request) (*platform.Identity, error)

type Handler struct {
	Actions    ActionExecutor
	Workspaces WorkspaceSource
	Audit      AuditSource
	Store      SideStore
	Cache      DealCache
	Resolve    ResolveActor
	SessionTTL time.Duration
	DevMode    bool
	Log        zerolog.Logger
	Now        func() time.Time
}

func NewHandler(exec ActionExecutor, workspaces WorkspaceSource, auditSource AuditSource, store SideStore, dealCache DealCache, resolve ResolveActor, log zerolog.Logger) *Handler {
	return &Handler{
		Actions:    exec,
		Workspaces: workspaces,
		Audit:      auditSource,
		Store:      store,
		Cache:      dealCache,
		Resolve:    resolve,
		SessionTTL: 12 * time.Hour,
		Log:        log,
		Now:        time.Now,
	}
}

// Routes mounts the deal-scoped surface and the dev session endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/deals/{deal_id}", func(api chi.Router) {
		api.Post("/actions", h.ExecuteAction)
		api.Get("/workspace", h.GetWorkspace)
		api.Get("/timeline", h.GetTimeline)
		api.Get("/audit/verify", h.VerifyAudit)
		api.Get("/audit/export", h.ExportAudit)
		api.Post("/documents", h.CreateDocument)
		api.Get("/documents", h.ListDocuments)
		api.Post("/distributions", h.CreateDistribution)
		api.Get("/distributions", h.ListDistributions)
	})
	r.Post("/dev/sessions", h.MintDevSession)
}

// ExecuteAction runs one state-changing deal action through the orchestrator
// and returns the settled outcome body verbatim, replayed or fresh.
func (h *Handler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	ident, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	var req struct {
		// dealId and actorId travel in the path and the session, but clients
		// sending the full request shape in the body are accepted as long as
		// the values agree.
		DealID           string         `json:"dealId"`
		ActorID          string         `json:"actorId"`
		ActionType       string         `json:"actionType"`
		Payload          map[string]any `json:"payload"`
		AuthorityContext map[string]any `json:"authorityContext"`
		EvidenceRefs     []string       `json:"evidenceRefs"`
	}
	if !h.readBody(w, r, &req) {
		return
	}
	if req.DealID != "" && req.DealID != dealID {
		httpx.WriteError(w, 400, "BAD_REQUEST", "dealId in body does not match the URL", map[string]any{"dealId": req.DealID})
		return
	}
	if req.ActorID != "" && req.ActorID != ident.UserID {
		httpx.WriteError(w, 400, "BAD_REQUEST", "actorId in body does not match the authenticated actor", map[string]any{"actorId": req.ActorID})
		return
	}

	outcome, err := h.Actions.Execute(r.Context(), orchestrator.ActionRequest{
		DealID:           dealID,
		ActionType:       req.ActionType,
		ActorID:          ident.UserID,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
	})
	if err != nil {
		var ve *orchestrator.ValidationError
		switch {
		case errors.As(err, &ve):
			httpx.WriteError(w, 400, "VALIDATION_FAILED", ve.Error(), map[string]any{"field": ve.Field})
		case authority.IsUnavailable(err):
			httpx.WriteError(w, 502, "AUTHORITY_UNAVAILABLE", err.Error(), nil)
		default:
			h.Log.Error().Err(err).Str("dealId", dealID).Str("actionType", req.ActionType).Msg("action execution failed")
			httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
		}
		return
	}
	if outcome.Replayed {
		h.Log.Debug().Str("dealId", dealID).Str("actionType", req.ActionType).Msg("served ledger replay")
	}
	httpx.WriteRawJSON(w, outcome.Status, outcome.Body)
}

func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	ws, err := h.Workspaces.Get(r.Context(), dealID)
	if err != nil {
		h.writeStoreError(w, dealID, "workspace read", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"requestId": httpx.NewRequestID(), "workspace": ws})
}

func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	timeline, err := h.Audit.Timeline(r.Context(), dealID)
	if err != nil {
		h.writeAuditError(w, dealID, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"requestId": httpx.NewRequestID(), "timeline": timeline})
}

func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	report, err := h.Audit.VerificationReport(r.Context(), dealID)
	if err != nil {
		h.writeAuditError(w, dealID, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"requestId": httpx.NewRequestID(), "report": report})
}

// ExportAudit returns the export bundle bare, not wrapped in the usual
// envelope, so the document round-trips into auditctl unchanged.
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	export, err := h.Audit.Export(r.Context(), dealID)
	if err != nil {
		h.writeAuditError(w, dealID, err)
		return
	}
	httpx.WriteJSON(w, 200, export)
}

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	ident, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Title       string `json:"title"`
		ContentType string `json:"contentType"`
		ByteSize    int64  `json:"byteSize"`
		StorageRef  string `json:"storageRef"`
	}
	if !h.readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "title is required", nil)
		return
	}
	doc := platform.Document{
		DocumentID:  platform.NewDocumentID(),
		DealID:      dealID,
		Title:       strings.TrimSpace(req.Title),
		ContentType: req.ContentType,
		ByteSize:    req.ByteSize,
		StorageRef:  req.StorageRef,
		UploadedBy:  ident.UserID,
		UploadedAt:  h.now(),
	}
	if err := h.Store.InsertDocument(r.Context(), doc); err != nil {
		h.writeStoreError(w, dealID, "document insert", err)
		return
	}
	h.Cache.DeleteByPrefix(platform.DealCachePrefix(dealID))
	httpx.WriteJSON(w, 201, map[string]any{"requestId": httpx.NewRequestID(), "document": doc})
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	docs, err := h.Store.ListDocuments(r.Context(), dealID)
	if err != nil {
		h.writeStoreError(w, dealID, "document list", err)
		return
	}
	if docs == nil {
		docs = []platform.Document{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"requestId": httpx.NewRequestID(), "documents": docs})
}

func (h *Handler) CreateDistribution(w http.ResponseWriter, r *http.Request) {
	ident, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind        string `json:"kind"`
		AmountCents int64  `json:"amountCents"`
		Currency    string `json:"currency"`
		Memo        string `json:"memo"`
	}
	if !h.readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Currency) == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "kind and currency are required", nil)
		return
	}
	if req.AmountCents <= 0 {
		httpx.WriteError(w, 400, "BAD_REQUEST", "amountCents must be positive", nil)
		return
	}
	dist := platform.Distribution{
		DistributionID: platform.NewDistributionID(),
		DealID:         dealID,
		Kind:           strings.TrimSpace(req.Kind),
		AmountCents:    req.AmountCents,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Memo:           req.Memo,
		RecordedBy:     ident.UserID,
		RecordedAt:     h.now(),
	}
	if err := h.Store.InsertDistribution(r.Context(), dist); err != nil {
		h.writeStoreError(w, dealID, "distribution insert", err)
		return
	}
	h.Cache.DeleteByPrefix(platform.DealCachePrefix(dealID))
	httpx.WriteJSON(w, 201, map[string]any{"requestId": httpx.NewRequestID(), "distribution": dist})
}

func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	_, dealID, ok := h.requireDealActor(w, r)
	if !ok {
		return
	}
	dists, err := h.Store.ListDistributions(r.Context(), dealID)
	if err != nil {
		h.writeStoreError(w, dealID, "distribution list", err)
		return
	}
	if dists == nil {
		dists = []platform.Distribution{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"requestId": httpx.NewRequestID(), "distributions": dists})
}

// MintDevSession creates a user and bearer session without any identity
// provider. Available only when the gateway runs in dev mode.
func (h *Handler) MintDevSession(w http.ResponseWriter, r *http.Request) {
	if !h.DevMode {
		httpx.WriteError(w, 404, "NOT_FOUND", "dev session minting is disabled", nil)
		return
	}
	var req struct {
		Email       string   `json:"email"`
		DisplayName string   `json:"displayName"`
		Roles       []string `json:"roles"`
	}
	if !h.readBody(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "email is required", nil)
		return
	}
	user, err := h.Store.UpsertUserByEmail(r.Context(), email, strings.TrimSpace(req.DisplayName), req.Roles)
	if err != nil {
		h.writeStoreError(w, "", "user upsert", err)
		return
	}
	sess, token, err := h.Store.CreateSession(r.Context(), user.UserID, h.SessionTTL)
	if err != nil {
		h.writeStoreError(w, "", "session create", err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{
		"requestId": httpx.NewRequestID(),
		"user":      user,
		"session":   sess,
		"credentials": map[string]any{
			"token":     token,
			"tokenHint": "store once; not retrievable again",
		},
	})
}

// requireDealActor resolves the acting identity and the deal id path param,
// writing the error response itself when either is missing.
func (h *Handler) requireDealActor(w http.ResponseWriter, r *http.Request) (*platform.Identity, string, bool) {
	ident, err := h.Resolve(r)
	if err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "a valid bearer token is required", nil)
			return nil, "", false
		}
		h.Log.Error().Err(err).Msg("actor resolution failed")
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return nil, "", false
	}
	dealID := strings.TrimSpace(chi.URLParam(r, "deal_id"))
	if dealID == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "deal_id is required", nil)
		return nil, "", false
	}
	return ident, dealID, true
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := httpx.ReadJSON(r, dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 1MB limit", nil)
			return false
		}
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return false
	}
	return true
}

// writeAuditError keeps the authority's classification visible to clients: an
// unreachable authority is a gateway problem, not a chain problem.
func (h *Handler) writeAuditError(w http.ResponseWriter, dealID string, err error) {
	if authority.IsUnavailable(err) {
		httpx.WriteError(w, 502, "AUTHORITY_UNAVAILABLE", err.Error(), nil)
		return
	}
	if se, ok := authority.AsStatusError(err); ok && se.Kind == authority.KindRejected {
		code := se.Code
		if code == "" {
			code = "AUTHORITY_REJECTED"
		}
		httpx.WriteError(w, se.StatusCode, code, se.Message, nil)
		return
	}
	h.Log.Error().Err(err).Str("dealId", dealID).Msg("audit read failed")
	httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, dealID, op string, err error) {
	h.Log.Error().Err(err).Str("dealId", dealID).Str("op", op).Msg("store operation failed")
	httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
