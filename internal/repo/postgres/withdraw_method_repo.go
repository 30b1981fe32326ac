package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrWithdrawMethodNotFound = errors.New("withdraw method not found")

// WithdrawMethodRepo stores saved payout destinations per account. Details is
// an opaque JSON document shaped by the method type.
type WithdrawMethodRepo struct {
	pool *pgxpool.Pool
}

type WithdrawMethodRecord struct {
	ID         uuid.UUID
	AccountID  int64
	MethodType string
	Details    json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const withdrawMethodColumns = `
	id, account_id, method_type, details, created_at, updated_at`

func NewWithdrawMethodRepo(pool *pgxpool.Pool) *WithdrawMethodRepo {
	return &WithdrawMethodRepo{pool: pool}
}

func (r *WithdrawMethodRepo) Create(ctx context.Context, accountID int64, methodType string, details json.RawMessage) (WithdrawMethodRecord, error) {
	if r.pool == nil {
		return WithdrawMethodRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if accountID <= 0 {
		return WithdrawMethodRecord{}, fmt.Errorf("invalid account id")
	}
	methodType = strings.TrimSpace(methodType)
	if methodType == "" {
		return WithdrawMethodRecord{}, fmt.Errorf("invalid method type")
	}
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}

	record, err := scanWithdrawMethod(r.pool.QueryRow(ctx, `
INSERT INTO withdraw_methods (id, account_id, method_type, details, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
RETURNING`+withdrawMethodColumns+`
`, uuid.New(), accountID, methodType, details))
	if err != nil {
		return WithdrawMethodRecord{}, fmt.Errorf("create withdraw method: %w", err)
	}

	return record, nil
}

func (r *WithdrawMethodRepo) FindForAccount(ctx context.Context, methodID uuid.UUID, accountID int64) (WithdrawMethodRecord, error) {
	if r.pool == nil {
		return WithdrawMethodRecord{}, fmt.Errorf("postgres pool is nil")
	}

	record, err := scanWithdrawMethod(r.pool.QueryRow(ctx, `
SELECT`+withdrawMethodColumns+`
FROM withdraw_methods
WHERE id = $1 AND account_id = $2
LIMIT 1
`, methodID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithdrawMethodRecord{}, ErrWithdrawMethodNotFound
		}
		return WithdrawMethodRecord{}, fmt.Errorf("find withdraw method: %w", err)
	}

	return record, nil
}

func (r *WithdrawMethodRepo) ListByAccount(ctx context.Context, accountID int64) ([]WithdrawMethodRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+withdrawMethodColumns+`
FROM withdraw_methods
WHERE account_id = $1
ORDER BY created_at DESC
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list withdraw methods: %w", err)
	}
	defer rows.Close()

	var records []WithdrawMethodRecord
	for rows.Next() {
		record, err := scanWithdrawMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdraw method: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate withdraw methods: %w", err)
	}

	return records, nil
}

func (r *WithdrawMethodRepo) Delete(ctx context.Context, methodID uuid.UUID, accountID int64) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
DELETE FROM withdraw_methods
WHERE id = $1 AND account_id = $2
`, methodID, accountID)
	if err != nil {
		return fmt.Errorf("delete withdraw method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawMethodNotFound
	}

	return nil
}

func scanWithdrawMethod(row pgx.Row) (WithdrawMethodRecord, error) {
	var record WithdrawMethodRecord
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&record.MethodType,
		&record.Details,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return WithdrawMethodRecord{}, err
	}

	return record, nil
}
