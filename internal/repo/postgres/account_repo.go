package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient referral balance")
	ErrStaleAccountUpdate = errors.New("account update matched no row")
)

// AccountRepo mutates the billing identity of a user. Subscription fields are
// only ever written together with last_event_at so the ordering gate and the
// applied effect cannot diverge.
type AccountRepo struct {
	pool *pgxpool.Pool
}

type AccountRecord struct {
	ID                    int64
	FullName              string
	Email                 string
	IsAdmin               bool
	StripeCustomerID      *string
	StripeConnectID       *string
	SubscriptionStatus    enums.SubscriptionStatus
	SubscriptionID        *string
	PlanID                *int64
	NextBillingAt         *time.Time
	LastEventAt           *time.Time
	HasValidPaymentMethod bool
	CouponUsed            bool
	ImageCredits          int
	AffiliateID           string
	ReferredBy            *string
	ReferrerBonusApplied  bool
	ReferralBalance       decimal.Decimal
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const accountColumns = `
	id, full_name, email, is_admin, stripe_customer_id, stripe_connect_id,
	subscription_status, subscription_id, plan_id, next_billing_at, last_event_at,
	has_valid_payment_method, coupon_used, image_credits,
	affiliate_id, referred_by, referrer_bonus_applied, referral_balance::text,
	created_at, updated_at`

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) FindByID(ctx context.Context, accountID int64) (AccountRecord, error) {
	if r.pool == nil {
		return AccountRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if accountID <= 0 {
		return AccountRecord{}, fmt.Errorf("invalid account id")
	}

	record, err := scanAccount(r.pool.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE id = $1
LIMIT 1
`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountRecord{}, ErrAccountNotFound
		}
		return AccountRecord{}, fmt.Errorf("find account by id: %w", err)
	}

	return record, nil
}

// LockByCustomerRefTx locks the account row for the duration of the event
// transaction, serializing concurrent deliveries for the same account.
func (r *AccountRepo) LockByCustomerRefTx(ctx context.Context, tx pgx.Tx, customerRef string) (AccountRecord, error) {
	if tx == nil {
		return AccountRecord{}, fmt.Errorf("transaction is required")
	}
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return AccountRecord{}, ErrAccountNotFound
	}

	record, err := scanAccount(tx.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE stripe_customer_id = $1
FOR UPDATE
`, customerRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountRecord{}, ErrAccountNotFound
		}
		return AccountRecord{}, fmt.Errorf("lock account by customer ref: %w", err)
	}

	return record, nil
}

func (r *AccountRepo) LockByIDTx(ctx context.Context, tx pgx.Tx, accountID int64) (AccountRecord, error) {
	if tx == nil {
		return AccountRecord{}, fmt.Errorf("transaction is required")
	}
	if accountID <= 0 {
		return AccountRecord{}, fmt.Errorf("invalid account id")
	}

	record, err := scanAccount(tx.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE id = $1
FOR UPDATE
`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountRecord{}, ErrAccountNotFound
		}
		return AccountRecord{}, fmt.Errorf("lock account by id: %w", err)
	}

	return record, nil
}

func (r *AccountRepo) FindByEmailTx(ctx context.Context, tx pgx.Tx, email string) (AccountRecord, error) {
	if tx == nil {
		return AccountRecord{}, fmt.Errorf("transaction is required")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return AccountRecord{}, ErrAccountNotFound
	}

	record, err := scanAccount(tx.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE lower(email) = $1
FOR UPDATE
`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountRecord{}, ErrAccountNotFound
		}
		return AccountRecord{}, fmt.Errorf("find account by email: %w", err)
	}

	return record, nil
}

type SubscriptionUpdate struct {
	Status         enums.SubscriptionStatus
	SubscriptionID *string
	PlanID         *int64
	NextBillingAt  *time.Time
	CouponUsed     bool
	EventAt        time.Time
}

func (r *AccountRepo) SetSubscriptionTx(ctx context.Context, tx pgx.Tx, accountID int64, update SubscriptionUpdate) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || update.EventAt.IsZero() {
		return fmt.Errorf("invalid subscription update payload")
	}
	if update.SubscriptionID == nil || *update.SubscriptionID == "" || update.PlanID == nil || *update.PlanID <= 0 {
		return fmt.Errorf("invalid subscription update payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET subscription_status = $2,
	subscription_id = $3,
	plan_id = $4,
	next_billing_at = $5,
	coupon_used = $6,
	last_event_at = $7,
	updated_at = NOW()
WHERE id = $1
`, accountID, update.Status.String(), update.SubscriptionID, update.PlanID,
		update.NextBillingAt, update.CouponUsed, update.EventAt.UTC())
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAccountUpdate
	}

	return nil
}

// ClearSubscriptionTx resets the account to the free tier. The account itself
// survives; only the subscription linkage is removed.
func (r *AccountRepo) ClearSubscriptionTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || eventAt.IsZero() {
		return fmt.Errorf("invalid clear subscription payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET subscription_status = $2,
	subscription_id = NULL,
	plan_id = NULL,
	next_billing_at = NULL,
	last_event_at = $3,
	updated_at = NOW()
WHERE id = $1
`, accountID, enums.SubscriptionActive.String(), eventAt.UTC())
	if err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAccountUpdate
	}

	return nil
}

func (r *AccountRepo) MarkInvoicePaidTx(ctx context.Context, tx pgx.Tx, accountID int64, nextBillingAt *time.Time, eventAt time.Time) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || eventAt.IsZero() {
		return fmt.Errorf("invalid invoice paid payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET subscription_status = $2,
	next_billing_at = COALESCE($3, next_billing_at),
	last_event_at = $4,
	updated_at = NOW()
WHERE id = $1
`, accountID, enums.SubscriptionActive.String(), nextBillingAt, eventAt.UTC())
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAccountUpdate
	}

	return nil
}

func (r *AccountRepo) MarkPastDueTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || eventAt.IsZero() {
		return fmt.Errorf("invalid past due payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET subscription_status = $2,
	last_event_at = $3,
	updated_at = NOW()
WHERE id = $1
`, accountID, enums.SubscriptionPastDue.String(), eventAt.UTC())
	if err != nil {
		return fmt.Errorf("mark past due: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAccountUpdate
	}

	return nil
}

func (r *AccountRepo) SetValidPaymentMethodTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || eventAt.IsZero() {
		return fmt.Errorf("invalid payment method payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET has_valid_payment_method = TRUE,
	last_event_at = $2,
	updated_at = NOW()
WHERE id = $1
`, accountID, eventAt.UTC())
	if err != nil {
		return fmt.Errorf("set valid payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAccountUpdate
	}

	return nil
}

// SetCustomerRefTx links the processor customer id on first checkout. A ref
// that is already set is left untouched.
func (r *AccountRepo) SetCustomerRefTx(ctx context.Context, tx pgx.Tx, accountID int64, customerRef string) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	customerRef = strings.TrimSpace(customerRef)
	if accountID <= 0 || customerRef == "" {
		return fmt.Errorf("invalid customer ref payload")
	}

	_, err := tx.Exec(ctx, `
UPDATE users
SET stripe_customer_id = $2,
	updated_at = NOW()
WHERE id = $1
  AND (stripe_customer_id IS NULL OR stripe_customer_id = '')
`, accountID, customerRef)
	if err != nil {
		return fmt.Errorf("set customer ref: %w", err)
	}

	return nil
}

func (r *AccountRepo) SetCustomerRef(ctx context.Context, accountID int64, customerRef string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	customerRef = strings.TrimSpace(customerRef)
	if accountID <= 0 || customerRef == "" {
		return fmt.Errorf("invalid customer ref payload")
	}

	_, err := r.pool.Exec(ctx, `
UPDATE users
SET stripe_customer_id = $2,
	updated_at = NOW()
WHERE id = $1
  AND (stripe_customer_id IS NULL OR stripe_customer_id = '')
`, accountID, customerRef)
	if err != nil {
		return fmt.Errorf("set customer ref: %w", err)
	}

	return nil
}

func (r *AccountRepo) SetConnectRef(ctx context.Context, accountID int64, connectRef string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	connectRef = strings.TrimSpace(connectRef)
	if accountID <= 0 || connectRef == "" {
		return fmt.Errorf("invalid connect ref payload")
	}

	_, err := r.pool.Exec(ctx, `
UPDATE users
SET stripe_connect_id = $2,
	updated_at = NOW()
WHERE id = $1
`, accountID, connectRef)
	if err != nil {
		return fmt.Errorf("set connect ref: %w", err)
	}

	return nil
}

func (r *AccountRepo) AddImageCreditsTx(ctx context.Context, tx pgx.Tx, accountID int64, quantity int) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || quantity <= 0 {
		return fmt.Errorf("invalid image credit payload")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET image_credits = image_credits + $2,
	updated_at = NOW()
WHERE id = $1
`, accountID, quantity)
	if err != nil {
		return fmt.Errorf("add image credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ReserveReferralBalanceTx decrements the balance only when the funds cover
// the amount, so the balance can never go negative regardless of concurrent
// requests. Returns the balance after the reservation.
func (r *AccountRepo) ReserveReferralBalanceTx(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid reserve payload")
	}

	var balanceText string
	err := tx.QueryRow(ctx, `
UPDATE users
SET referral_balance = referral_balance - $2::numeric,
	updated_at = NOW()
WHERE id = $1
  AND referral_balance >= $2::numeric
RETURNING referral_balance::text
`, accountID, amount.String()).Scan(&balanceText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("reserve referral balance: %w", err)
	}

	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse referral balance: %w", err)
	}

	return balance, nil
}

// CreditReferralBalanceTx adds to the balance. Used both for commission
// payouts and for returning a reserved amount.
func (r *AccountRepo) CreditReferralBalanceTx(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, fmt.Errorf("transaction is required")
	}
	if accountID <= 0 || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid credit payload")
	}

	var balanceText string
	err := tx.QueryRow(ctx, `
UPDATE users
SET referral_balance = referral_balance + $2::numeric,
	updated_at = NOW()
WHERE id = $1
RETURNING referral_balance::text
`, accountID, amount.String()).Scan(&balanceText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("credit referral balance: %w", err)
	}

	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse referral balance: %w", err)
	}

	return balance, nil
}

func (r *AccountRepo) LockByAffiliateRefTx(ctx context.Context, tx pgx.Tx, affiliateID string) (AccountRecord, error) {
	if tx == nil {
		return AccountRecord{}, fmt.Errorf("transaction is required")
	}
	affiliateID = strings.TrimSpace(affiliateID)
	if affiliateID == "" {
		return AccountRecord{}, ErrAccountNotFound
	}

	record, err := scanAccount(tx.QueryRow(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE affiliate_id = $1
FOR UPDATE
`, affiliateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountRecord{}, ErrAccountNotFound
		}
		return AccountRecord{}, fmt.Errorf("lock account by affiliate ref: %w", err)
	}

	return record, nil
}

func (r *AccountRepo) MarkReferrerBonusAppliedTx(ctx context.Context, tx pgx.Tx, accountID int64) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}

	tag, err := tx.Exec(ctx, `
UPDATE users
SET referrer_bonus_applied = TRUE,
	updated_at = NOW()
WHERE id = $1
`, accountID)
	if err != nil {
		return fmt.Errorf("mark referrer bonus applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func (r *AccountRepo) CountReferrals(ctx context.Context, affiliateID string, paidOnly bool) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	affiliateID = strings.TrimSpace(affiliateID)
	if affiliateID == "" {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM users WHERE referred_by = $1`
	if paidOnly {
		query += ` AND referrer_bonus_applied = TRUE`
	}

	var count int64
	if err := r.pool.QueryRow(ctx, query, affiliateID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}

	return count, nil
}

func (r *AccountRepo) ListReferrals(ctx context.Context, affiliateID string, limit, offset int) ([]AccountRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	affiliateID = strings.TrimSpace(affiliateID)
	if affiliateID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+accountColumns+`
FROM users
WHERE referred_by = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, affiliateID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	var records []AccountRecord
	for rows.Next() {
		record, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral account: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrals: %w", err)
	}

	return records, nil
}

func scanAccount(row pgx.Row) (AccountRecord, error) {
	var (
		record      AccountRecord
		status      string
		balanceText string
	)
	err := row.Scan(
		&record.ID,
		&record.FullName,
		&record.Email,
		&record.IsAdmin,
		&record.StripeCustomerID,
		&record.StripeConnectID,
		&status,
		&record.SubscriptionID,
		&record.PlanID,
		&record.NextBillingAt,
		&record.LastEventAt,
		&record.HasValidPaymentMethod,
		&record.CouponUsed,
		&record.ImageCredits,
		&record.AffiliateID,
		&record.ReferredBy,
		&record.ReferrerBonusApplied,
		&balanceText,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return AccountRecord{}, err
	}

	record.SubscriptionStatus = enums.NormalizeSubscriptionStatus(status)
	record.ReferralBalance, err = decimal.NewFromString(balanceText)
	if err != nil {
		return AccountRecord{}, fmt.Errorf("parse referral balance: %w", err)
	}

	return record, nil
}
