package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrCouponNotFound = errors.New("coupon not found")

// CouponRepo tracks one-off promotion codes generated for ebook purchases.
// event_id is unique so replaying the same checkout event never mints a
// second code.
type CouponRepo struct {
	pool *pgxpool.Pool
}

type CouponRecord struct {
	ID             int64
	EventID        string
	AccountID      int64
	Code           string
	PercentOff     int
	ExpiresAt      time.Time
	StripeCouponID *string
	CreatedAt      time.Time
}

const couponColumns = `
	id, event_id, account_id, code, percent_off, expires_at, stripe_coupon_id, created_at`

func NewCouponRepo(pool *pgxpool.Pool) *CouponRepo {
	return &CouponRepo{pool: pool}
}

// InsertTx records a minted coupon. Returns created=false when the event was
// already fulfilled, leaving the original row untouched.
func (r *CouponRepo) InsertTx(ctx context.Context, tx pgx.Tx, record CouponRecord) (CouponRecord, bool, error) {
	if record.AccountID <= 0 || strings.TrimSpace(record.EventID) == "" || strings.TrimSpace(record.Code) == "" {
		return CouponRecord{}, false, fmt.Errorf("invalid coupon payload")
	}

	created, err := scanCoupon(tx.QueryRow(ctx, `
INSERT INTO coupon_codes (event_id, account_id, code, percent_off, expires_at, stripe_coupon_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (event_id) DO NOTHING
RETURNING`+couponColumns+`
`, record.EventID, record.AccountID, record.Code, record.PercentOff, record.ExpiresAt, record.StripeCouponID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, findErr := r.findByEventTx(ctx, tx, record.EventID)
			if findErr != nil {
				return CouponRecord{}, false, findErr
			}
			return existing, false, nil
		}
		return CouponRecord{}, false, fmt.Errorf("insert coupon: %w", err)
	}

	return created, true, nil
}

func (r *CouponRepo) ListByAccount(ctx context.Context, accountID int64) ([]CouponRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+couponColumns+`
FROM coupon_codes
WHERE account_id = $1
ORDER BY created_at DESC
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	var records []CouponRecord
	for rows.Next() {
		record, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coupons: %w", err)
	}

	return records, nil
}

func (r *CouponRepo) findByEventTx(ctx context.Context, tx pgx.Tx, eventID string) (CouponRecord, error) {
	record, err := scanCoupon(tx.QueryRow(ctx, `
SELECT`+couponColumns+`
FROM coupon_codes
WHERE event_id = $1
LIMIT 1
`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CouponRecord{}, ErrCouponNotFound
		}
		return CouponRecord{}, fmt.Errorf("find coupon by event: %w", err)
	}

	return record, nil
}

func scanCoupon(row pgx.Row) (CouponRecord, error) {
	var record CouponRecord
	err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.AccountID,
		&record.Code,
		&record.PercentOff,
		&record.ExpiresAt,
		&record.StripeCouponID,
		&record.CreatedAt,
	)
	if err != nil {
		return CouponRecord{}, err
	}

	return record, nil
}
