// Package platform carries the gateway's side state: users and sessions,
// document and distribution records, and the cached deal workspace view.
package platform

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated actor behind a request.
type Identity struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

// AuthenticateBearer resolves a bearer token to its session's user. Only the
// token's SHA-256 is ever stored or compared.
func AuthenticateBearer(ctx context.Context, db *pgxpool.Pool, authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	tokenHash := HashToken(token)
	var out Identity
	err := db.QueryRow(ctx, `
SELECT u.user_id, u.display_name, u.roles
FROM dealos_sessions s
JOIN dealos_users u ON u.user_id = s.user_id
WHERE s.token_hash = $1
  AND s.revoked_at IS NULL
  AND s.expires_at > now()
`, tokenHash).Scan(&out.UserID, &out.DisplayName, &out.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &out, nil
}

// ResolveActor authenticates the request. In dev mode an X-Actor-Id header
// stands in for a session so local clients can act without minting tokens.
func ResolveActor(r *http.Request, db *pgxpool.Pool, devMode bool) (*Identity, error) {
	if devMode {
		if actorID := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actorID != "" {
			return &Identity{UserID: actorID, DisplayName: actorID}, nil
		}
	}
	return AuthenticateBearer(r.Context(), db, r.Header.Get("Authorization"))
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewSessionToken mints an opaque bearer token.
func NewSessionToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "dstk_" + hex.EncodeToString(b)
}
