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
	"github.com/shopspring/decimal"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanExists   = errors.New("plan already exists")
)

// PlanRepo is read-only reference data during reconciliation; writes happen
// only through the admin surface.
type PlanRepo struct {
	pool *pgxpool.Pool
}

type PlanRecord struct {
	ID                int64
	Name              string
	Description       *string
	Price             decimal.Decimal
	StripePriceID     string
	ChatModel         *string
	MessageLimit      int
	ImageLimit        int
	FileLimit         int
	WeeklyReminder    bool
	TreatmentPlan     bool
	CommissionPercent int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const planColumns = `
	id, name, description, price::text, stripe_price_id, chat_model,
	message_limit, image_limit, file_limit, weekly_reminder, treatment_plan,
	commission_percent, created_at, updated_at`

func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

func (r *PlanRepo) FindByID(ctx context.Context, planID int64) (PlanRecord, error) {
	if r.pool == nil {
		return PlanRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if planID <= 0 {
		return PlanRecord{}, fmt.Errorf("invalid plan id")
	}

	record, err := scanPlan(r.pool.QueryRow(ctx, `
SELECT`+planColumns+`
FROM plans
WHERE id = $1
LIMIT 1
`, planID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanRecord{}, ErrPlanNotFound
		}
		return PlanRecord{}, fmt.Errorf("find plan by id: %w", err)
	}

	return record, nil
}

func (r *PlanRepo) FindByPriceRef(ctx context.Context, stripePriceID string) (PlanRecord, error) {
	if r.pool == nil {
		return PlanRecord{}, fmt.Errorf("postgres pool is nil")
	}
	stripePriceID = strings.TrimSpace(stripePriceID)
	if stripePriceID == "" {
		return PlanRecord{}, ErrPlanNotFound
	}

	record, err := scanPlan(r.pool.QueryRow(ctx, `
SELECT`+planColumns+`
FROM plans
WHERE stripe_price_id = $1
LIMIT 1
`, stripePriceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanRecord{}, ErrPlanNotFound
		}
		return PlanRecord{}, fmt.Errorf("find plan by price ref: %w", err)
	}

	return record, nil
}

func (r *PlanRepo) FindByName(ctx context.Context, name string) (PlanRecord, error) {
	if r.pool == nil {
		return PlanRecord{}, fmt.Errorf("postgres pool is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return PlanRecord{}, ErrPlanNotFound
	}

	record, err := scanPlan(r.pool.QueryRow(ctx, `
SELECT`+planColumns+`
FROM plans
WHERE name = $1
LIMIT 1
`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanRecord{}, ErrPlanNotFound
		}
		return PlanRecord{}, fmt.Errorf("find plan by name: %w", err)
	}

	return record, nil
}

func (r *PlanRepo) List(ctx context.Context) ([]PlanRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+planColumns+`
FROM plans
ORDER BY price ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var records []PlanRecord
	for rows.Next() {
		record, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}

	return records, nil
}

func (r *PlanRepo) Create(ctx context.Context, record PlanRecord) (PlanRecord, error) {
	if r.pool == nil {
		return PlanRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(record.Name) == "" || strings.TrimSpace(record.StripePriceID) == "" {
		return PlanRecord{}, fmt.Errorf("invalid plan payload")
	}

	created, err := scanPlan(r.pool.QueryRow(ctx, `
INSERT INTO plans (
	name, description, price, stripe_price_id, chat_model,
	message_limit, image_limit, file_limit, weekly_reminder, treatment_plan,
	commission_percent, created_at, updated_at
) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
RETURNING`+planColumns+`
`, record.Name, record.Description, record.Price.String(), record.StripePriceID,
		record.ChatModel, record.MessageLimit, record.ImageLimit, record.FileLimit,
		record.WeeklyReminder, record.TreatmentPlan, record.CommissionPercent))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PlanRecord{}, ErrPlanExists
		}
		return PlanRecord{}, fmt.Errorf("create plan: %w", err)
	}

	return created, nil
}

func (r *PlanRepo) Update(ctx context.Context, record PlanRecord) (PlanRecord, error) {
	if r.pool == nil {
		return PlanRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if record.ID <= 0 || strings.TrimSpace(record.Name) == "" || strings.TrimSpace(record.StripePriceID) == "" {
		return PlanRecord{}, fmt.Errorf("invalid plan payload")
	}

	updated, err := scanPlan(r.pool.QueryRow(ctx, `
UPDATE plans
SET name = $2,
	description = $3,
	price = $4::numeric,
	stripe_price_id = $5,
	chat_model = $6,
	message_limit = $7,
	image_limit = $8,
	file_limit = $9,
	weekly_reminder = $10,
	treatment_plan = $11,
	commission_percent = $12,
	updated_at = NOW()
WHERE id = $1
RETURNING`+planColumns+`
`, record.ID, record.Name, record.Description, record.Price.String(),
		record.StripePriceID, record.ChatModel, record.MessageLimit, record.ImageLimit,
		record.FileLimit, record.WeeklyReminder, record.TreatmentPlan, record.CommissionPercent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanRecord{}, ErrPlanNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PlanRecord{}, ErrPlanExists
		}
		return PlanRecord{}, fmt.Errorf("update plan: %w", err)
	}

	return updated, nil
}

func scanPlan(row pgx.Row) (PlanRecord, error) {
	var (
		record    PlanRecord
		priceText string
	)
	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Description,
		&priceText,
		&record.StripePriceID,
		&record.ChatModel,
		&record.MessageLimit,
		&record.ImageLimit,
		&record.FileLimit,
		&record.WeeklyReminder,
		&record.TreatmentPlan,
		&record.CommissionPercent,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return PlanRecord{}, err
	}

	record.Price, err = decimal.NewFromString(priceText)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("parse plan price: %w", err)
	}

	return record, nil
}
