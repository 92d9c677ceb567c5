package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed ledger. Upserts are last-write-wins: under
// correct orchestration only the coalescer winner writes a given key, and a
// restart racing a retry produces equivalent outcomes from the same payload
// hash, so the degradation is acceptable.
type PG struct {
	DB *pgxpool.Pool

	// Now is overridable for tests.
	Now func() time.Time
}

func NewPG(db *pgxpool.Pool) *PG {
	return &PG{DB: db, Now: time.Now}
}

// Get prunes expired entries and then looks up key. A miss returns (nil, nil).
// Pruning on every read keeps the table self-cleaning without a background
// sweeper.
func (s *PG) Get(ctx context.Context, key Key) (*Entry, error) {
	now := s.Now().UTC()
	if _, err := s.DB.Exec(ctx, `
DELETE FROM dealos_idempotency_records WHERE expires_at <= $1
`, now); err != nil {
		return nil, err
	}

	var e Entry
	err := s.DB.QueryRow(ctx, `
SELECT entry_key,deal_id,action_type,actor_id,payload_hash,response_status,response_body,appended_event_id,created_at,expires_at
FROM dealos_idempotency_records
WHERE entry_key=$1 AND expires_at > $2
`, key.String(), now).Scan(&e.Key, &e.DealID, &e.ActionType, &e.ActorID, &e.PayloadHash,
		&e.ResponseStatus, &e.ResponseBody, &e.AppendedEventID, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Upsert stores the entry. The response body is kept as opaque text: a
// jsonb column would normalize key order and spacing, and replays serve the
// stored bytes verbatim.
func (s *PG) Upsert(ctx context.Context, e Entry) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO dealos_idempotency_records
  (entry_key,deal_id,action_type,actor_id,payload_hash,response_status,response_body,appended_event_id,created_at,expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (entry_key) DO UPDATE SET
  response_status=EXCLUDED.response_status,
  response_body=EXCLUDED.response_body,
  appended_event_id=EXCLUDED.appended_event_id,
  created_at=EXCLUDED.created_at,
  expires_at=EXCLUDED.expires_at
`, e.Key, e.DealID, e.ActionType, e.ActorID, e.PayloadHash,
		e.ResponseStatus, string(e.ResponseBody), e.AppendedEventID, e.CreatedAt, e.ExpiresAt)
	return err
}
