package fulfillment

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

const (
	couponPercentOff = 20
	couponValidDays  = 30
	couponCodeLength = 8
)

type AccountStore interface {
	AddImageCreditsTx(ctx context.Context, tx pgx.Tx, accountID int64, quantity int) error
	LockByAffiliateRefTx(ctx context.Context, tx pgx.Tx, affiliateID string) (pgrepo.AccountRecord, error)
	CreditReferralBalanceTx(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal) (decimal.Decimal, error)
	MarkReferrerBonusAppliedTx(ctx context.Context, tx pgx.Tx, accountID int64) error
}

type CouponStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, record pgrepo.CouponRecord) (pgrepo.CouponRecord, bool, error)
}

type PurchasedItemStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, record pgrepo.PurchasedItemRecord) (pgrepo.PurchasedItemRecord, bool, error)
}

type PlanStore interface {
	FindByID(ctx context.Context, planID int64) (pgrepo.PlanRecord, error)
}

type CouponGateway interface {
	CreateDiscountCoupon(code string, percentOff int, expiresAt time.Time) (string, error)
}

type Notifier interface {
	SendCouponEmail(to, code string, percentOff, validDays int) error
	SendCreditsEmail(to string, credits int) error
}

// Service turns a completed checkout into its grant. Every path is keyed by
// the event id, so dispatching the same event twice grants nothing extra.
type Service struct {
	accounts AccountStore
	coupons  CouponStore
	items    PurchasedItemStore
	plans    PlanStore
	gateway  CouponGateway
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

type Dependencies struct {
	Accounts AccountStore
	Coupons  CouponStore
	Items    PurchasedItemStore
	Plans    PlanStore
	Gateway  CouponGateway
	Notifier Notifier
	Logger   *zap.Logger
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		accounts: deps.Accounts,
		coupons:  deps.Coupons,
		items:    deps.Items,
		plans:    deps.Plans,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// DispatchTx applies the database effects of a completed checkout inside the
// caller's transaction. Remote work that must not run while the account row is
// locked (provider coupon minting, mail) comes back as a followup for the
// caller to invoke after commit.
func (s *Service) DispatchTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, event pgrepo.InboundEventRecord) (string, func(context.Context), error) {
	if s.accounts == nil || s.items == nil {
		return "", nil, fmt.Errorf("fulfillment dependencies are not configured")
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		return "", nil, fmt.Errorf("parse checkout session: %w", err)
	}
	// Async payment methods deliver the session before the charge clears.
	// Granting anything here would fulfill an unpaid checkout.
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return "checkout not paid: " + string(session.PaymentStatus), nil, nil
	}

	switch productType := enums.ProductTypeFromMetadata(session.Metadata); productType {
	case enums.ProductEbook:
		return s.fulfillEbookTx(ctx, tx, account, event)
	case enums.ProductImageCredits:
		return s.fulfillCreditsTx(ctx, tx, account, event, session.Metadata)
	case enums.ProductSubscription:
		note, err := s.fulfillSubscriptionTx(ctx, tx, account, session)
		return note, nil, err
	default:
		return "unhandled product type " + string(productType), nil, nil
	}
}

func (s *Service) fulfillEbookTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, event pgrepo.InboundEventRecord) (string, func(context.Context), error) {
	if s.coupons == nil || s.gateway == nil {
		return "", nil, fmt.Errorf("coupon dependencies are not configured")
	}

	code, err := generateCouponCode(couponCodeLength)
	if err != nil {
		return "", nil, err
	}
	expiresAt := s.now().UTC().AddDate(0, 0, couponValidDays)

	record := pgrepo.CouponRecord{
		EventID:    event.ID,
		AccountID:  account.ID,
		Code:       code,
		PercentOff: couponPercentOff,
		ExpiresAt:  expiresAt,
	}

	stored, created, err := s.coupons.InsertTx(ctx, tx, record)
	if err != nil {
		return "", nil, err
	}
	if !created {
		return "coupon already minted: " + stored.Code, nil, nil
	}

	after := func(context.Context) {
		couponID, err := s.gateway.CreateDiscountCoupon(code, couponPercentOff, expiresAt)
		if err != nil {
			s.logger.Error("mint discount coupon failed",
				zap.Int64("account_id", account.ID),
				zap.String("event_id", event.ID),
				zap.String("code", code),
				zap.Error(err))
			return
		}
		s.logger.Info("ebook coupon minted",
			zap.Int64("account_id", account.ID),
			zap.String("event_id", event.ID),
			zap.String("coupon_id", couponID))

		if s.notifier != nil {
			if err := s.notifier.SendCouponEmail(account.Email, code, couponPercentOff, couponValidDays); err != nil {
				s.logger.Warn("coupon email failed", zap.Int64("account_id", account.ID), zap.Error(err))
			}
		}
	}

	return "ebook coupon minted", after, nil
}

func (s *Service) fulfillCreditsTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, event pgrepo.InboundEventRecord, metadata map[string]string) (string, func(context.Context), error) {
	quantity := creditAmountFromMetadata(metadata)

	_, created, err := s.items.InsertTx(ctx, tx, pgrepo.PurchasedItemRecord{
		EventID:     event.ID,
		AccountID:   account.ID,
		ProductType: enums.ProductImageCredits,
		Quantity:    quantity,
	})
	if err != nil {
		return "", nil, err
	}
	if !created {
		return "credits already granted", nil, nil
	}

	if err := s.accounts.AddImageCreditsTx(ctx, tx, account.ID, quantity); err != nil {
		return "", nil, err
	}

	var after func(context.Context)
	if s.notifier != nil {
		after = func(context.Context) {
			if err := s.notifier.SendCreditsEmail(account.Email, quantity); err != nil {
				s.logger.Warn("credits email failed", zap.Int64("account_id", account.ID), zap.Error(err))
			}
		}
	}

	return fmt.Sprintf("granted %d image credits", quantity), after, nil
}

// fulfillSubscriptionTx pays the referrer their one-time commission when the
// referred account completes its first subscription checkout. The subscription
// state itself arrives through the subscription lifecycle events.
func (s *Service) fulfillSubscriptionTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, session stripe.CheckoutSession) (string, error) {
	if account.ReferredBy == nil || *account.ReferredBy == "" || account.ReferrerBonusApplied {
		return "subscription checkout", nil
	}
	if session.AmountTotal <= 0 {
		return "subscription checkout", nil
	}

	commission, err := s.commissionFor(ctx, session)
	if err != nil {
		return "", err
	}
	if !commission.IsPositive() {
		return "subscription checkout", nil
	}

	referrer, err := s.accounts.LockByAffiliateRefTx(ctx, tx, *account.ReferredBy)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			s.logger.Warn("referrer not found for bonus",
				zap.Int64("account_id", account.ID),
				zap.String("affiliate_id", *account.ReferredBy))
			return "subscription checkout", nil
		}
		return "", err
	}

	if _, err := s.accounts.CreditReferralBalanceTx(ctx, tx, referrer.ID, commission); err != nil {
		return "", err
	}
	if err := s.accounts.MarkReferrerBonusAppliedTx(ctx, tx, account.ID); err != nil {
		return "", err
	}

	s.logger.Info("referrer bonus credited",
		zap.Int64("referrer_id", referrer.ID),
		zap.Int64("account_id", account.ID),
		zap.String("amount", commission.String()))

	return "referrer bonus " + commission.String(), nil
}

func (s *Service) commissionFor(ctx context.Context, session stripe.CheckoutSession) (decimal.Decimal, error) {
	percent := 0
	if s.plans != nil {
		if planID, ok := planIDFromMetadata(session.Metadata); ok {
			plan, err := s.plans.FindByID(ctx, planID)
			if err == nil {
				percent = plan.CommissionPercent
			} else if !errors.Is(err, pgrepo.ErrPlanNotFound) {
				return decimal.Zero, err
			}
		}
	}
	if percent <= 0 {
		return decimal.Zero, nil
	}

	total := decimal.NewFromInt(session.AmountTotal).Div(decimal.NewFromInt(100))
	return total.Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100)).Round(2), nil
}

func creditAmountFromMetadata(metadata map[string]string) int {
	raw, ok := metadata["credit_amount"]
	if !ok {
		return 1
	}
	quantity, err := strconv.Atoi(raw)
	if err != nil || quantity <= 0 {
		return 1
	}
	return quantity
}

func planIDFromMetadata(metadata map[string]string) (int64, bool) {
	raw, ok := metadata["plan_id"]
	if !ok {
		return 0, false
	}
	planID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || planID <= 0 {
		return 0, false
	}
	return planID, true
}

const couponAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateCouponCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate coupon code: %w", err)
	}
	for i := range buf {
		buf[i] = couponAlphabet[int(buf[i])%len(couponAlphabet)]
	}
	return string(buf), nil
}
