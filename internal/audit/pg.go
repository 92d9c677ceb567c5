package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG persists the local audit chain. Appends are serialized per deal so the
// chain grows one fully linked event at a time.
type PG struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

func NewPG(db *pgxpool.Pool) *PG {
	return &PG{DB: db, Now: time.Now}
}

func newEventID() string { return "aev_" + uuid.NewString() }

// AppendLocal writes the next event of the deal's chain, computing its
// sequence, previous-hash link, and content hash inside one transaction.
// A unique violation on (deal_id, sequence) means another writer slipped in
// despite the advisory lock; one retry recomputes against the new tail.
func (s *PG) AppendLocal(ctx context.Context, dealID, eventType, actorID string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	for attempt := 0; ; attempt++ {
		ev, err := s.appendOnce(ctx, dealID, eventType, actorID, payload)
		if err == nil {
			return ev, nil
		}
		var pgErr *pgconn.PgError
		if attempt == 0 && errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			continue
		}
		return nil, err
	}
}

func (s *PG) appendOnce(ctx context.Context, dealID, eventType, actorID string, payload map[string]any) (*Event, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Serialize appends for the same deal so concurrent writers cannot both
	// claim the next sequence.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('dealos_audit:' || $1))`, dealID); err != nil {
		return nil, err
	}

	var lastSeq int64
	var lastHash string
	var prevHash *string
	err = tx.QueryRow(ctx, `
SELECT sequence, event_hash
FROM dealos_audit_events
WHERE deal_id=$1
ORDER BY sequence DESC
LIMIT 1
`, dealID).Scan(&lastSeq, &lastHash)
	switch {
	case err == nil:
		prevHash = &lastHash
	case errors.Is(err, pgx.ErrNoRows):
		lastSeq = 0
	default:
		return nil, err
	}

	seq := lastSeq + 1
	// timestamptz keeps microseconds, so hash the precision the row will read
	// back or offline recomputation can never match the stored hash.
	occurredAt := s.Now().UTC().Truncate(time.Microsecond)
	hash, err := ComputeLocalEventHash(dealID, seq, eventType, actorID, payload, prevHash, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("hash audit event: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	ev := &Event{
		ID:           newEventID(),
		Source:       SourceLocal,
		Sequence:     seq,
		Type:         eventType,
		ActorID:      actorID,
		Payload:      payload,
		Hash:         hash,
		PreviousHash: prevHash,
		OccurredAt:   occurredAt,
	}
	_, err = tx.Exec(ctx, `
INSERT INTO dealos_audit_events(event_id, deal_id, sequence, event_type, actor_id, payload, event_hash, previous_hash, occurred_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9)
`, ev.ID, dealID, ev.Sequence, ev.Type, ev.ActorID, string(payloadJSON), ev.Hash, ev.PreviousHash, ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListLocal returns the deal's local chain in sequence order.
func (s *PG) ListLocal(ctx context.Context, dealID string) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id, sequence, event_type, actor_id, payload, event_hash, previous_hash, occurred_at
FROM dealos_audit_events
WHERE deal_id=$1
ORDER BY sequence ASC
`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Sequence, &ev.Type, &ev.ActorID, &payloadJSON, &ev.Hash, &ev.PreviousHash, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Source = SourceLocal
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload for %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
