package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrUnknownPlan     = errors.New("unknown plan price")
	ErrUnknownPackage  = errors.New("unknown credit package")
	ErrAccountNotFound = errors.New("account not found")
	ErrNoCustomer      = errors.New("account has no billing customer")
)

type AccountStore interface {
	FindByID(ctx context.Context, accountID int64) (pgrepo.AccountRecord, error)
	SetCustomerRef(ctx context.Context, accountID int64, customerRef string) error
}

type PlanStore interface {
	FindByPriceRef(ctx context.Context, stripePriceID string) (pgrepo.PlanRecord, error)
}

type Gateway interface {
	EnsureCustomer(accountID int64, email string, existing *string) (string, error)
	CreateSubscriptionCheckout(customerID, priceID string, accountID, planID int64, promoCode string) (string, error)
	CreateEbookCheckout(customerID string, accountID int64) (string, error)
	CreateCreditsCheckout(customerID, priceID string, accountID int64, creditAmount int) (string, error)
	CreateBillingPortal(customerID string) (string, error)
}

// Service builds hosted checkout and portal sessions. Price ids are
// allow-listed against the plans table (or the configured credit packages)
// before anything reaches the provider.
type Service struct {
	accounts AccountStore
	plans    PlanStore
	gateway  Gateway
	packages map[int]string
}

type Dependencies struct {
	Accounts AccountStore
	Plans    PlanStore
	Gateway  Gateway

	// Packages maps a purchasable credit quantity to its provider price id.
	Packages map[int]string
}

func NewService(deps Dependencies) *Service {
	return &Service{
		accounts: deps.Accounts,
		plans:    deps.Plans,
		gateway:  deps.Gateway,
		packages: deps.Packages,
	}
}

func (s *Service) CreateSubscriptionCheckout(ctx context.Context, accountID int64, priceID, couponCode string) (string, error) {
	if s.accounts == nil || s.plans == nil || s.gateway == nil {
		return "", fmt.Errorf("checkout dependencies are not configured")
	}
	priceID = strings.TrimSpace(priceID)
	if accountID <= 0 || priceID == "" {
		return "", ErrValidation
	}

	plan, err := s.plans.FindByPriceRef(ctx, priceID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPlanNotFound) {
			return "", ErrUnknownPlan
		}
		return "", err
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}

	// Existing subscribers change plans through the billing portal instead of
	// stacking a second subscription.
	if account.SubscriptionID != nil && *account.SubscriptionID != "" &&
		account.StripeCustomerID != nil && *account.StripeCustomerID != "" {
		return s.gateway.CreateBillingPortal(*account.StripeCustomerID)
	}

	customerID, err := s.ensureCustomerFor(ctx, account)
	if err != nil {
		return "", err
	}

	return s.gateway.CreateSubscriptionCheckout(customerID, plan.StripePriceID, accountID, plan.ID, strings.TrimSpace(couponCode))
}

func (s *Service) CreateEbookCheckout(ctx context.Context, accountID int64) (string, error) {
	if s.accounts == nil || s.gateway == nil {
		return "", fmt.Errorf("checkout dependencies are not configured")
	}
	if accountID <= 0 {
		return "", ErrValidation
	}

	customerID, err := s.ensureCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}

	return s.gateway.CreateEbookCheckout(customerID, accountID)
}

// CreateCreditsCheckout sells one of the configured credit packages. The
// price id is resolved server-side from the requested quantity, so clients
// cannot pick an arbitrary price for an arbitrary credit grant.
func (s *Service) CreateCreditsCheckout(ctx context.Context, accountID int64, creditAmount int) (string, error) {
	if s.accounts == nil || s.gateway == nil {
		return "", fmt.Errorf("checkout dependencies are not configured")
	}
	if accountID <= 0 || creditAmount <= 0 {
		return "", ErrValidation
	}

	priceID, ok := s.packages[creditAmount]
	if !ok || priceID == "" {
		return "", ErrUnknownPackage
	}

	customerID, err := s.ensureCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}

	return s.gateway.CreateCreditsCheckout(customerID, priceID, accountID, creditAmount)
}

func (s *Service) CreateBillingPortal(ctx context.Context, accountID int64) (string, error) {
	if s.accounts == nil || s.gateway == nil {
		return "", fmt.Errorf("checkout dependencies are not configured")
	}
	if accountID <= 0 {
		return "", ErrValidation
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	return s.gateway.CreateBillingPortal(*account.StripeCustomerID)
}

func (s *Service) ensureCustomer(ctx context.Context, accountID int64) (string, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}
	return s.ensureCustomerFor(ctx, account)
}

func (s *Service) ensureCustomerFor(ctx context.Context, account pgrepo.AccountRecord) (string, error) {
	customerID, err := s.gateway.EnsureCustomer(account.ID, account.Email, account.StripeCustomerID)
	if err != nil {
		return "", err
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		if err := s.accounts.SetCustomerRef(ctx, account.ID, customerID); err != nil {
			return "", err
		}
	}

	return customerID, nil
}
