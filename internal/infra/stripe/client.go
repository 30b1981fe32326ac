package stripe

import (
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/omarrayhanuddin/spineai-backend/internal/config"
)

// Client wraps the Stripe SDK behind the handful of calls the services need.
// All methods go through a dedicated client.API instance, never the package
// level key.
type Client struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
	ebookPriceID  string
	payoutCountry string
}

func NewClient(cfg config.StripeConfig, payoutCountry string) *Client {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &Client{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		ebookPriceID:  cfg.EbookPriceID,
		payoutCountry: payoutCountry,
	}
}

// VerifyEvent checks the webhook signature and returns the parsed event.
func (c *Client) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("verify webhook signature: %w", err)
	}
	return event, nil
}

// EnsureCustomer creates a Stripe customer for the account when none exists
// yet and returns its id.
func (c *Client) EnsureCustomer(accountID int64, email string, existing *string) (string, error) {
	if existing != nil && *existing != "" {
		return *existing, nil
	}

	cus, err := c.api.Customers.New(&stripe.CustomerParams{
		Email: stripe.String(email),
		Params: stripe.Params{
			Metadata: map[string]string{
				"account_id": strconv.FormatInt(accountID, 10),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	return cus.ID, nil
}

func (c *Client) CreateSubscriptionCheckout(customerID, priceID string, accountID, planID int64, promoCode string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(strconv.FormatInt(accountID, 10)),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"account_id": strconv.FormatInt(accountID, 10),
				"plan_id":    strconv.FormatInt(planID, 10),
			},
		},
	}
	if promoCode != "" {
		promoID, err := c.findPromotionCode(promoCode)
		if err != nil {
			return "", err
		}
		if promoID != "" {
			params.Discounts = []*stripe.CheckoutSessionDiscountParams{
				{PromotionCode: stripe.String(promoID)},
			}
		}
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create subscription checkout: %w", err)
	}

	return s.URL, nil
}

// findPromotionCode resolves a customer-facing promotion code to its id.
// Unknown or inactive codes resolve to empty so checkout proceeds undiscounted.
func (c *Client) findPromotionCode(code string) (string, error) {
	iter := c.api.PromotionCodes.List(&stripe.PromotionCodeListParams{
		Code:   stripe.String(code),
		Active: stripe.Bool(true),
	})
	for iter.Next() {
		return iter.PromotionCode().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list promotion codes: %w", err)
	}
	return "", nil
}

func (c *Client) CreateEbookCheckout(customerID string, accountID int64) (string, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:   stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(c.ebookPriceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(strconv.FormatInt(accountID, 10)),
		Params: stripe.Params{
			Metadata: map[string]string{
				"account_id":   strconv.FormatInt(accountID, 10),
				"product_type": "ebook",
			},
		},
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create ebook checkout: %w", err)
	}

	return s.URL, nil
}

func (c *Client) CreateCreditsCheckout(customerID, priceID string, accountID int64, creditAmount int) (string, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:   stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(strconv.FormatInt(accountID, 10)),
		Params: stripe.Params{
			Metadata: map[string]string{
				"account_id":    strconv.FormatInt(accountID, 10),
				"product_type":  "image_credits",
				"credit_amount": strconv.Itoa(creditAmount),
			},
		},
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create credits checkout: %w", err)
	}

	return s.URL, nil
}

func (c *Client) CreateBillingPortal(customerID string) (string, error) {
	s, err := c.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.successURL),
	})
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}

	return s.URL, nil
}

// CreateTransfer moves amountCents to a connected account and returns the
// transfer id.
func (c *Client) CreateTransfer(connectAccountID string, amountCents int64, currency, withdrawalRef string) (string, error) {
	tr, err := c.api.Transfers.New(&stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Destination: stripe.String(connectAccountID),
		Params: stripe.Params{
			Metadata: map[string]string{
				"withdrawal_id": withdrawalRef,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create transfer: %w", err)
	}

	return tr.ID, nil
}

// CreateExpressAccount provisions a Connect Express account for payouts.
func (c *Client) CreateExpressAccount(email string) (string, error) {
	acct, err := c.api.Accounts.New(&stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(c.payoutCountry),
		Email:   stripe.String(email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create express account: %w", err)
	}

	return acct.ID, nil
}

func (c *Client) CreateOnboardingLink(connectAccountID, refreshURL, returnURL string) (string, error) {
	link, err := c.api.AccountLinks.New(&stripe.AccountLinkParams{
		Account:    stripe.String(connectAccountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return "", fmt.Errorf("create onboarding link: %w", err)
	}

	return link.URL, nil
}

// CreateDiscountCoupon mints a one-off percent coupon with a promotion code
// and returns the coupon id. The code itself is generated by the caller.
func (c *Client) CreateDiscountCoupon(code string, percentOff int, expiresAt time.Time) (string, error) {
	coupon, err := c.api.Coupons.New(&stripe.CouponParams{
		PercentOff:     stripe.Float64(float64(percentOff)),
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(1),
		RedeemBy:       stripe.Int64(expiresAt.Unix()),
	})
	if err != nil {
		return "", fmt.Errorf("create coupon: %w", err)
	}

	_, err = c.api.PromotionCodes.New(&stripe.PromotionCodeParams{
		Coupon: stripe.String(coupon.ID),
		Code:   stripe.String(code),
	})
	if err != nil {
		return "", fmt.Errorf("create promotion code: %w", err)
	}

	return coupon.ID, nil
}
