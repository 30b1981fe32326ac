package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
)

var ErrWithdrawalNotFound = errors.New("withdrawal request not found")

// WithdrawalRepo persists payout requests. Status transitions run inside the
// caller's transaction so a balance change and its request row commit together.
type WithdrawalRepo struct {
	pool *pgxpool.Pool
}

type WithdrawalRecord struct {
	ID         uuid.UUID
	AccountID  int64
	MethodID   *uuid.UUID
	Amount     decimal.Decimal
	Status     enums.WithdrawalStatus
	Reason     *string
	TransferID *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WithdrawalFilter struct {
	AccountID *int64
	Status    *enums.WithdrawalStatus
	Limit     int
	Offset    int
}

const withdrawalColumns = `
	id, account_id, method_id, amount::text, status, reason, transfer_id,
	created_at, updated_at`

func NewWithdrawalRepo(pool *pgxpool.Pool) *WithdrawalRepo {
	return &WithdrawalRepo{pool: pool}
}

func (r *WithdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, accountID int64, methodID *uuid.UUID, amount decimal.Decimal) (WithdrawalRecord, error) {
	if accountID <= 0 {
		return WithdrawalRecord{}, fmt.Errorf("invalid account id")
	}
	if !amount.IsPositive() {
		return WithdrawalRecord{}, fmt.Errorf("invalid withdrawal amount")
	}

	record, err := scanWithdrawal(tx.QueryRow(ctx, `
INSERT INTO withdrawal_requests (id, account_id, method_id, amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5, NOW(), NOW())
RETURNING`+withdrawalColumns+`
`, uuid.New(), accountID, methodID, amount.String(), enums.WithdrawalPending))
	if err != nil {
		return WithdrawalRecord{}, fmt.Errorf("create withdrawal: %w", err)
	}

	return record, nil
}

func (r *WithdrawalRepo) FindByID(ctx context.Context, withdrawalID uuid.UUID) (WithdrawalRecord, error) {
	if r.pool == nil {
		return WithdrawalRecord{}, fmt.Errorf("postgres pool is nil")
	}

	record, err := scanWithdrawal(r.pool.QueryRow(ctx, `
SELECT`+withdrawalColumns+`
FROM withdrawal_requests
WHERE id = $1
LIMIT 1
`, withdrawalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithdrawalRecord{}, ErrWithdrawalNotFound
		}
		return WithdrawalRecord{}, fmt.Errorf("find withdrawal: %w", err)
	}

	return record, nil
}

func (r *WithdrawalRepo) LockByIDTx(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) (WithdrawalRecord, error) {
	record, err := scanWithdrawal(tx.QueryRow(ctx, `
SELECT`+withdrawalColumns+`
FROM withdrawal_requests
WHERE id = $1
FOR UPDATE
`, withdrawalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithdrawalRecord{}, ErrWithdrawalNotFound
		}
		return WithdrawalRecord{}, fmt.Errorf("lock withdrawal: %w", err)
	}

	return record, nil
}

func (r *WithdrawalRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID, status enums.WithdrawalStatus, reason, transferID *string) (WithdrawalRecord, error) {
	record, err := scanWithdrawal(tx.QueryRow(ctx, `
UPDATE withdrawal_requests
SET status = $2,
	reason = COALESCE($3, reason),
	transfer_id = COALESCE($4, transfer_id),
	updated_at = NOW()
WHERE id = $1
RETURNING`+withdrawalColumns+`
`, withdrawalID, status, reason, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithdrawalRecord{}, ErrWithdrawalNotFound
		}
		return WithdrawalRecord{}, fmt.Errorf("update withdrawal status: %w", err)
	}

	return record, nil
}

func (r *WithdrawalRepo) List(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRecord, int64, error) {
	if r.pool == nil {
		return nil, 0, fmt.Errorf("postgres pool is nil")
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var total int64
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM withdrawal_requests
WHERE ($1::bigint IS NULL OR account_id = $1)
  AND ($2::text IS NULL OR status = $2)
`, filter.AccountID, withdrawalStatusArg(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count withdrawals: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+withdrawalColumns+`
FROM withdrawal_requests
WHERE ($1::bigint IS NULL OR account_id = $1)
  AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`, filter.AccountID, withdrawalStatusArg(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var records []WithdrawalRecord
	for rows.Next() {
		record, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan withdrawal: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate withdrawals: %w", err)
	}

	return records, total, nil
}

func withdrawalStatusArg(status *enums.WithdrawalStatus) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}

func scanWithdrawal(row pgx.Row) (WithdrawalRecord, error) {
	var (
		record     WithdrawalRecord
		amountText string
		statusText string
	)
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&record.MethodID,
		&amountText,
		&statusText,
		&record.Reason,
		&record.TransferID,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return WithdrawalRecord{}, err
	}

	record.Amount, err = decimal.NewFromString(amountText)
	if err != nil {
		return WithdrawalRecord{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	record.Status, err = enums.ParseWithdrawalStatus(statusText)
	if err != nil {
		return WithdrawalRecord{}, fmt.Errorf("parse withdrawal status: %w", err)
	}

	return record, nil
}
