package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	checkoutsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/checkout"
	planssvc "github.com/omarrayhanuddin/spineai-backend/internal/services/plans"
)

type checkoutAccountStoreStub struct {
	account     pgrepo.AccountRecord
	customerRef string
}

func (s *checkoutAccountStoreStub) FindByID(ctx context.Context, accountID int64) (pgrepo.AccountRecord, error) {
	if s.account.ID != accountID {
		return pgrepo.AccountRecord{}, pgrepo.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *checkoutAccountStoreStub) SetCustomerRef(ctx context.Context, accountID int64, customerRef string) error {
	s.customerRef = customerRef
	return nil
}

type checkoutPlanStoreStub struct {
	plans map[string]pgrepo.PlanRecord
}

func (s *checkoutPlanStoreStub) FindByPriceRef(ctx context.Context, stripePriceID string) (pgrepo.PlanRecord, error) {
	plan, ok := s.plans[stripePriceID]
	if !ok {
		return pgrepo.PlanRecord{}, pgrepo.ErrPlanNotFound
	}
	return plan, nil
}

type checkoutGatewayStub struct {
	sessions      int
	portals       int
	promoCode     string
	creditPriceID string
}

func (g *checkoutGatewayStub) EnsureCustomer(accountID int64, email string, existing *string) (string, error) {
	if existing != nil && *existing != "" {
		return *existing, nil
	}
	return "cus_new", nil
}

func (g *checkoutGatewayStub) CreateSubscriptionCheckout(customerID, priceID string, accountID, planID int64, promoCode string) (string, error) {
	g.sessions++
	g.promoCode = promoCode
	return "https://checkout.test/sub", nil
}

func (g *checkoutGatewayStub) CreateEbookCheckout(customerID string, accountID int64) (string, error) {
	g.sessions++
	return "https://checkout.test/ebook", nil
}

func (g *checkoutGatewayStub) CreateCreditsCheckout(customerID, priceID string, accountID int64, creditAmount int) (string, error) {
	g.sessions++
	g.creditPriceID = priceID
	return "https://checkout.test/credits", nil
}

func (g *checkoutGatewayStub) CreateBillingPortal(customerID string) (string, error) {
	g.portals++
	return "https://portal.test/" + customerID, nil
}

func newBillingHandler(accounts *checkoutAccountStoreStub, gateway *checkoutGatewayStub, plans map[string]pgrepo.PlanRecord) *BillingHandler {
	checkout := checkoutsvc.NewService(checkoutsvc.Dependencies{
		Accounts: accounts,
		Plans:    &checkoutPlanStoreStub{plans: plans},
		Gateway:  gateway,
		Packages: map[int]string{10: "price_credits_10", 25: "price_credits_25"},
	})
	return NewBillingHandler(checkout, planssvc.NewService(&planStoreStub{}))
}

func TestCreateSubscriptionCheckout(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	gateway := &checkoutGatewayStub{}
	handler := newBillingHandler(accounts, gateway, map[string]pgrepo.PlanRecord{
		"price_pro": {ID: 1, Name: "Pro", Price: decimal.RequireFromString("29.99"), StripePriceID: "price_pro"},
	})

	rr := httptest.NewRecorder()
	handler.CreateSubscriptionCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/subscription", `{"price_id":"price_pro"}`, 7))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gateway.sessions != 1 {
		t.Fatalf("expected one checkout session, got %d", gateway.sessions)
	}
	if accounts.customerRef != "cus_new" {
		t.Fatalf("expected customer ref persisted, got %q", accounts.customerRef)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.URL != "https://checkout.test/sub" {
		t.Fatalf("unexpected url: %q", payload.URL)
	}
}

func TestCreateSubscriptionCheckoutUnknownPriceIs400(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	handler := newBillingHandler(accounts, &checkoutGatewayStub{}, nil)

	rr := httptest.NewRecorder()
	handler.CreateSubscriptionCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/subscription", `{"price_id":"price_unknown"}`, 7))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateSubscriptionCheckoutPassesCouponCode(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	gateway := &checkoutGatewayStub{}
	handler := newBillingHandler(accounts, gateway, map[string]pgrepo.PlanRecord{
		"price_pro": {ID: 1, Name: "Pro", StripePriceID: "price_pro"},
	})

	rr := httptest.NewRecorder()
	handler.CreateSubscriptionCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/subscription", `{"price_id":"price_pro","coupon_code":"WELCOME20"}`, 7))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gateway.promoCode != "WELCOME20" {
		t.Fatalf("expected coupon code forwarded, got %q", gateway.promoCode)
	}
}

func TestCreateSubscriptionCheckoutWhenSubscribedReturnsPortal(t *testing.T) {
	customerRef := "cus_77"
	subID := "sub_live"
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{
		ID:               7,
		Email:            "ada@example.com",
		StripeCustomerID: &customerRef,
		SubscriptionID:   &subID,
	}}
	gateway := &checkoutGatewayStub{}
	handler := newBillingHandler(accounts, gateway, map[string]pgrepo.PlanRecord{
		"price_pro": {ID: 1, Name: "Pro", StripePriceID: "price_pro"},
	})

	rr := httptest.NewRecorder()
	handler.CreateSubscriptionCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/subscription", `{"price_id":"price_pro"}`, 7))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gateway.sessions != 0 {
		t.Fatalf("subscribed account must not get a second checkout, got %d sessions", gateway.sessions)
	}
	if gateway.portals != 1 {
		t.Fatalf("expected one portal session, got %d", gateway.portals)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.URL != "https://portal.test/cus_77" {
		t.Fatalf("unexpected url: %q", payload.URL)
	}
}

func TestCreateCreditsCheckoutResolvesConfiguredPackage(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	gateway := &checkoutGatewayStub{}
	handler := newBillingHandler(accounts, gateway, nil)

	rr := httptest.NewRecorder()
	handler.CreateCreditsCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/credits", `{"credit_amount":25}`, 7))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gateway.creditPriceID != "price_credits_25" {
		t.Fatalf("expected configured price, got %q", gateway.creditPriceID)
	}
}

func TestCreateCreditsCheckoutRejectsUnlistedAmount(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	gateway := &checkoutGatewayStub{}
	handler := newBillingHandler(accounts, gateway, nil)

	rr := httptest.NewRecorder()
	handler.CreateCreditsCheckout(rr, authedRequest(http.MethodPost, "/billing/checkout/credits", `{"credit_amount":9999}`, 7))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if gateway.sessions != 0 {
		t.Fatalf("unlisted amount must not reach the gateway, got %d sessions", gateway.sessions)
	}
}

func TestCreateBillingPortalWithoutCustomerIs400(t *testing.T) {
	accounts := &checkoutAccountStoreStub{account: pgrepo.AccountRecord{ID: 7, Email: "ada@example.com"}}
	handler := newBillingHandler(accounts, &checkoutGatewayStub{}, nil)

	rr := httptest.NewRecorder()
	handler.CreateBillingPortal(rr, authedRequest(http.MethodPost, "/billing/portal", "", 7))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}
