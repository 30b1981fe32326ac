package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
)

var ErrPurchasedItemNotFound = errors.New("purchased item not found")

// PurchasedItemRepo records fulfilled one-time purchases (ebooks, credit
// packs). Rows are keyed by the checkout event id so a replayed event finds
// its prior fulfillment instead of granting twice.
type PurchasedItemRepo struct {
	pool *pgxpool.Pool
}

type PurchasedItemRecord struct {
	ID          int64
	EventID     string
	AccountID   int64
	ProductType enums.ProductType
	Quantity    int
	Payload     map[string]any
	CreatedAt   time.Time
}

func NewPurchasedItemRepo(pool *pgxpool.Pool) *PurchasedItemRepo {
	return &PurchasedItemRepo{pool: pool}
}

// InsertTx stores a fulfillment. Returns created=false when the event id is
// already present.
func (r *PurchasedItemRepo) InsertTx(ctx context.Context, tx pgx.Tx, record PurchasedItemRecord) (PurchasedItemRecord, bool, error) {
	if record.AccountID <= 0 || strings.TrimSpace(record.EventID) == "" {
		return PurchasedItemRecord{}, false, fmt.Errorf("invalid purchased item payload")
	}
	if record.Quantity <= 0 {
		record.Quantity = 1
	}

	payloadJSON, err := marshalItemPayload(record.Payload)
	if err != nil {
		return PurchasedItemRecord{}, false, err
	}

	created, err := scanPurchasedItem(tx.QueryRow(ctx, `
INSERT INTO purchased_items (event_id, account_id, product_type, quantity, payload, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
ON CONFLICT (event_id) DO NOTHING
RETURNING id, event_id, account_id, product_type, quantity, payload, created_at
`, record.EventID, record.AccountID, record.ProductType, record.Quantity, payloadJSON))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, findErr := r.findByEventTx(ctx, tx, record.EventID)
			if findErr != nil {
				return PurchasedItemRecord{}, false, findErr
			}
			return existing, false, nil
		}
		return PurchasedItemRecord{}, false, fmt.Errorf("insert purchased item: %w", err)
	}

	return created, true, nil
}

func (r *PurchasedItemRepo) ListByAccount(ctx context.Context, accountID int64) ([]PurchasedItemRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, event_id, account_id, product_type, quantity, payload, created_at
FROM purchased_items
WHERE account_id = $1
ORDER BY created_at DESC
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list purchased items: %w", err)
	}
	defer rows.Close()

	var records []PurchasedItemRecord
	for rows.Next() {
		record, err := scanPurchasedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchased item: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchased items: %w", err)
	}

	return records, nil
}

func (r *PurchasedItemRepo) findByEventTx(ctx context.Context, tx pgx.Tx, eventID string) (PurchasedItemRecord, error) {
	record, err := scanPurchasedItem(tx.QueryRow(ctx, `
SELECT id, event_id, account_id, product_type, quantity, payload, created_at
FROM purchased_items
WHERE event_id = $1
LIMIT 1
`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchasedItemRecord{}, ErrPurchasedItemNotFound
		}
		return PurchasedItemRecord{}, fmt.Errorf("find purchased item by event: %w", err)
	}

	return record, nil
}

func scanPurchasedItem(row pgx.Row) (PurchasedItemRecord, error) {
	var (
		record      PurchasedItemRecord
		productType string
		rawPayload  []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.AccountID,
		&productType,
		&record.Quantity,
		&rawPayload,
		&record.CreatedAt,
	); err != nil {
		return PurchasedItemRecord{}, err
	}
	record.ProductType = enums.ProductType(productType)
	record.Payload = decodeItemPayload(rawPayload)
	return record, nil
}

func marshalItemPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal purchased item payload: %w", err)
	}
	return string(raw), nil
}

func decodeItemPayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
