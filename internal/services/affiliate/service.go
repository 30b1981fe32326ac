package affiliate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrAccountNotFound = errors.New("account not found")
	ErrMethodNotFound  = errors.New("withdraw method not found")
)

type AccountStore interface {
	FindByID(ctx context.Context, accountID int64) (pgrepo.AccountRecord, error)
	CountReferrals(ctx context.Context, affiliateID string, paidOnly bool) (int64, error)
	ListReferrals(ctx context.Context, affiliateID string, limit, offset int) ([]pgrepo.AccountRecord, error)
	SetConnectRef(ctx context.Context, accountID int64, connectRef string) error
}

type MethodStore interface {
	Create(ctx context.Context, accountID int64, methodType string, details json.RawMessage) (pgrepo.WithdrawMethodRecord, error)
	ListByAccount(ctx context.Context, accountID int64) ([]pgrepo.WithdrawMethodRecord, error)
	Delete(ctx context.Context, methodID uuid.UUID, accountID int64) error
}

type ConnectGateway interface {
	CreateExpressAccount(email string) (string, error)
	CreateOnboardingLink(connectAccountID, refreshURL, returnURL string) (string, error)
}

type Service struct {
	accounts AccountStore
	methods  MethodStore
	gateway  ConnectGateway
}

type Dependencies struct {
	Accounts AccountStore
	Methods  MethodStore
	Gateway  ConnectGateway
}

func NewService(deps Dependencies) *Service {
	return &Service{
		accounts: deps.Accounts,
		methods:  deps.Methods,
		gateway:  deps.Gateway,
	}
}

type Dashboard struct {
	AffiliateID     string
	ReferralBalance decimal.Decimal
	TotalReferrals  int64
	PaidReferrals   int64
	PayoutsEnabled  bool
}

func (s *Service) Dashboard(ctx context.Context, accountID int64) (Dashboard, error) {
	if s.accounts == nil {
		return Dashboard{}, fmt.Errorf("account store is nil")
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return Dashboard{}, ErrAccountNotFound
		}
		return Dashboard{}, err
	}

	total, err := s.accounts.CountReferrals(ctx, account.AffiliateID, false)
	if err != nil {
		return Dashboard{}, err
	}
	paid, err := s.accounts.CountReferrals(ctx, account.AffiliateID, true)
	if err != nil {
		return Dashboard{}, err
	}

	return Dashboard{
		AffiliateID:     account.AffiliateID,
		ReferralBalance: account.ReferralBalance,
		TotalReferrals:  total,
		PaidReferrals:   paid,
		PayoutsEnabled:  account.StripeConnectID != nil && *account.StripeConnectID != "",
	}, nil
}

type Referral struct {
	Email        string
	BonusApplied bool
}

func (s *Service) Referrals(ctx context.Context, accountID int64, limit, offset int) ([]Referral, error) {
	if s.accounts == nil {
		return nil, fmt.Errorf("account store is nil")
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	records, err := s.accounts.ListReferrals(ctx, account.AffiliateID, limit, offset)
	if err != nil {
		return nil, err
	}

	referrals := make([]Referral, 0, len(records))
	for _, record := range records {
		referrals = append(referrals, Referral{
			Email:        maskEmail(record.Email),
			BonusApplied: record.ReferrerBonusApplied,
		})
	}

	return referrals, nil
}

func (s *Service) AddMethod(ctx context.Context, accountID int64, methodType string, details json.RawMessage) (pgrepo.WithdrawMethodRecord, error) {
	if s.methods == nil {
		return pgrepo.WithdrawMethodRecord{}, fmt.Errorf("method store is nil")
	}
	if strings.TrimSpace(methodType) == "" {
		return pgrepo.WithdrawMethodRecord{}, ErrValidation
	}

	return s.methods.Create(ctx, accountID, methodType, details)
}

func (s *Service) Methods(ctx context.Context, accountID int64) ([]pgrepo.WithdrawMethodRecord, error) {
	if s.methods == nil {
		return nil, fmt.Errorf("method store is nil")
	}
	return s.methods.ListByAccount(ctx, accountID)
}

func (s *Service) RemoveMethod(ctx context.Context, accountID int64, methodID uuid.UUID) error {
	if s.methods == nil {
		return fmt.Errorf("method store is nil")
	}

	if err := s.methods.Delete(ctx, methodID, accountID); err != nil {
		if errors.Is(err, pgrepo.ErrWithdrawMethodNotFound) {
			return ErrMethodNotFound
		}
		return err
	}
	return nil
}

// BeginOnboarding provisions a Connect account when missing and returns a
// hosted onboarding link.
func (s *Service) BeginOnboarding(ctx context.Context, accountID int64, refreshURL, returnURL string) (string, error) {
	if s.accounts == nil || s.gateway == nil {
		return "", fmt.Errorf("affiliate dependencies are not configured")
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}

	connectID := ""
	if account.StripeConnectID != nil {
		connectID = *account.StripeConnectID
	}
	if connectID == "" {
		connectID, err = s.gateway.CreateExpressAccount(account.Email)
		if err != nil {
			return "", err
		}
		if err := s.accounts.SetConnectRef(ctx, account.ID, connectID); err != nil {
			return "", err
		}
	}

	return s.gateway.CreateOnboardingLink(connectID, refreshURL, returnURL)
}

func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 1 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
