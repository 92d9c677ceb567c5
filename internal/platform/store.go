package platform

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db, Now: time.Now}
}

type User struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Session struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
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

func NewDocumentID() string     { return "doc_" + uuid.NewString() }
func NewDistributionID() string { return "dst_" + uuid.NewString() }

// UpsertUserByEmail creates the user or refreshes the display name of an
// existing one, returning the stored row either way.
func (s *Store) UpsertUserByEmail(ctx context.Context, email, displayName string, roles []string) (User, error) {
	if roles == nil {
		roles = []string{}
	}
	var u User
	err := s.DB.QueryRow(ctx, `
INSERT INTO dealos_users(user_id, email, display_name, roles)
VALUES($1, $2, $3, $4)
ON CONFLICT (email) DO UPDATE SET display_name = EXCLUDED.display_name, roles = EXCLUDED.roles
RETURNING user_id, email, display_name, roles, created_at
`, "usr_"+uuid.NewString(), email, displayName, roles).Scan(&u.UserID, &u.Email, &u.DisplayName, &u.Roles, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.DB.QueryRow(ctx, `
SELECT user_id, email, display_name, roles, created_at
FROM dealos_users
WHERE user_id = $1
`, userID).Scan(&u.UserID, &u.Email, &u.DisplayName, &u.Roles, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// CreateSession mints a bearer token for the user and stores its hash.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (Session, string, error) {
	token := NewSessionToken()
	sess := Session{
		SessionID: "sess_" + uuid.NewString(),
		UserID:    userID,
		ExpiresAt: s.Now().UTC().Add(ttl),
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO dealos_sessions(session_id, user_id, token_hash, expires_at)
VALUES($1, $2, $3, $4)
`, sess.SessionID, sess.UserID, HashToken(token), sess.ExpiresAt)
	if err != nil {
		return Session{}, "", err
	}
	return sess, token, nil
}

func (s *Store) InsertDocument(ctx context.Context, d Document) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO dealos_documents(document_id, deal_id, title, content_type, byte_size, storage_ref, uploaded_by, uploaded_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
`, d.DocumentID, d.DealID, d.Title, d.ContentType, d.ByteSize, d.StorageRef, d.UploadedBy, d.UploadedAt)
	return err
}

func (s *Store) ListDocuments(ctx context.Context, dealID string) ([]Document, error) {
	rows, err := s.DB.Query(ctx, `
SELECT document_id, deal_id, title, content_type, byte_size, storage_ref, uploaded_by, uploaded_at
FROM dealos_documents
WHERE deal_id = $1
ORDER BY uploaded_at ASC, document_id ASC
`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.DocumentID, &d.DealID, &d.Title, &d.ContentType, &d.ByteSize, &d.StorageRef, &d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) InsertDistribution(ctx context.Context, d Distribution) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO dealos_distributions(distribution_id, deal_id, kind, amount_cents, currency, memo, recorded_by, recorded_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
`, d.DistributionID, d.DealID, d.Kind, d.AmountCents, d.Currency, d.Memo, d.RecordedBy, d.RecordedAt)
	return err
}

func (s *Store) ListDistributions(ctx context.Context, dealID string) ([]Distribution, error) {
	rows, err := s.DB.Query(ctx, `
SELECT distribution_id, deal_id, kind, amount_cents, currency, memo, recorded_by, recorded_at
FROM dealos_distributions
WHERE deal_id = $1
ORDER BY recorded_at ASC, distribution_id ASC
`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Distribution
	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.DistributionID, &d.DealID, &d.Kind, &d.AmountCents, &d.Currency, &d.Memo, &d.RecordedBy, &d.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
