package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrEventExists   = errors.New("inbound event already recorded")
	ErrEventNotFound = errors.New("inbound event not found")
)

// StaleNotePrefix marks events that arrived behind the account's high-water
// mark. They stay stored for audit but retrying them can never succeed, so
// ListUnprocessed skips them.
const StaleNotePrefix = "stale event:"

// InboundEventRepo is the durable store of processor webhook events. Rows are
// keyed by the processor-assigned event id and are never deleted; processed
// flips to true exactly once, in the same transaction as the applied effect.
type InboundEventRepo struct {
	pool *pgxpool.Pool
}

type InboundEventRecord struct {
	ID          string
	Type        string
	OccurredAt  time.Time
	CustomerRef *string
	Payload     []byte
	Processed   bool
	Note        *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewInboundEventRepo(pool *pgxpool.Pool) *InboundEventRepo {
	return &InboundEventRepo{pool: pool}
}

// FindForUpdateTx loads the event row and locks it, so two concurrent
// deliveries of the same event id serialize before the gate decides.
func (r *InboundEventRepo) FindForUpdateTx(ctx context.Context, tx pgx.Tx, eventID string) (InboundEventRecord, error) {
	if tx == nil {
		return InboundEventRecord{}, fmt.Errorf("transaction is required")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return InboundEventRecord{}, fmt.Errorf("event id is required")
	}

	record, err := scanInboundEvent(tx.QueryRow(ctx, `
SELECT id, type, occurred_at, customer_ref, payload, processed, note, created_at, updated_at
FROM inbound_events
WHERE id = $1
FOR UPDATE
`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InboundEventRecord{}, ErrEventNotFound
		}
		return InboundEventRecord{}, fmt.Errorf("find inbound event: %w", err)
	}

	return record, nil
}

func (r *InboundEventRepo) InsertTx(ctx context.Context, tx pgx.Tx, record InboundEventRecord) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if strings.TrimSpace(record.ID) == "" || strings.TrimSpace(record.Type) == "" {
		return fmt.Errorf("invalid inbound event payload")
	}

	_, err := tx.Exec(ctx, `
INSERT INTO inbound_events (
	id,
	type,
	occurred_at,
	customer_ref,
	payload,
	processed,
	note,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5::jsonb, FALSE, NULL, NOW(), NOW())
`, record.ID, record.Type, record.OccurredAt.UTC(), record.CustomerRef, record.Payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEventExists
		}
		return fmt.Errorf("insert inbound event: %w", err)
	}

	return nil
}

func (r *InboundEventRepo) MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID, note string) error {
	return r.setProcessedTx(ctx, tx, eventID, true, note)
}

// RecordNoteTx keeps the event unprocessed (retryable) while surfacing the
// reason it was not applied.
func (r *InboundEventRepo) RecordNoteTx(ctx context.Context, tx pgx.Tx, eventID, note string) error {
	return r.setProcessedTx(ctx, tx, eventID, false, note)
}

func (r *InboundEventRepo) setProcessedTx(ctx context.Context, tx pgx.Tx, eventID string, processed bool, note string) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	var noteValue any
	if strings.TrimSpace(note) != "" {
		noteValue = note
	}

	tag, err := tx.Exec(ctx, `
UPDATE inbound_events
SET processed = $2,
	note = $3,
	updated_at = NOW()
WHERE id = $1
`, eventID, processed, noteValue)
	if err != nil {
		return fmt.Errorf("update inbound event state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}

	return nil
}

// ListUnprocessed returns events that are still awaiting application, oldest
// first, for the reconciliation sweep. Events younger than olderThan are left
// alone so in-flight deliveries are not raced, and events noted as stale are
// excluded so they cannot pin the front of the scan forever.
func (r *InboundEventRepo) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]InboundEventRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, type, occurred_at, customer_ref, payload, processed, note, created_at, updated_at
FROM inbound_events
WHERE processed = FALSE
  AND created_at < $1
  AND (note IS NULL OR note NOT LIKE $3)
ORDER BY occurred_at ASC
LIMIT $2
`, olderThan.UTC(), limit, StaleNotePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list unprocessed inbound events: %w", err)
	}
	defer rows.Close()

	var records []InboundEventRecord
	for rows.Next() {
		record, err := scanInboundEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unprocessed inbound event: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unprocessed inbound events: %w", err)
	}

	return records, nil
}

// TrimProcessedPayloadsBefore blanks the stored payload of processed events
// older than cutoff. The row itself stays so replays of the same event id
// still dedupe; only the raw body is dropped.
func (r *InboundEventRepo) TrimProcessedPayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE inbound_events
SET payload = '{}'::jsonb,
	updated_at = NOW()
WHERE processed = TRUE
  AND created_at < $1
  AND payload <> '{}'::jsonb
`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("trim processed inbound event payloads: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanInboundEvent(row pgx.Row) (InboundEventRecord, error) {
	var record InboundEventRecord
	err := row.Scan(
		&record.ID,
		&record.Type,
		&record.OccurredAt,
		&record.CustomerRef,
		&record.Payload,
		&record.Processed,
		&record.Note,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return InboundEventRecord{}, err
	}
	return record, nil
}
