package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/config"
	affiliatesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/affiliate"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
	checkoutsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/checkout"
	ledgersvc "github.com/omarrayhanuddin/spineai-backend/internal/services/ledger"
	planssvc "github.com/omarrayhanuddin/spineai-backend/internal/services/plans"
	ratesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/rate"
	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
	"github.com/omarrayhanuddin/spineai-backend/internal/transport/http/handlers"
)

type Dependencies struct {
	Verifier         handlers.EventVerifier
	ReconcileService *reconcilesvc.Service
	LedgerService    *ledgersvc.Service
	AffiliateService *affiliatesvc.Service
	CheckoutService  *checkoutsvc.Service
	PlansService     *planssvc.Service
	WithdrawLimiter  *ratesvc.Limiter
	JWTManager       *authsvc.JWTManager
	Logger           *zap.Logger
	Config           config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	webhookHandler := handlers.NewWebhookHandler(deps.Verifier, deps.ReconcileService, deps.Logger)
	billingHandler := handlers.NewBillingHandler(deps.CheckoutService, deps.PlansService)
	affiliateHandler := handlers.NewAffiliateHandler(deps.AffiliateService, deps.LedgerService, deps.WithdrawLimiter)
	adminHandler := handlers.NewAdminHandler(deps.PlansService, deps.LedgerService, deps.ReconcileService)

	authMW := AuthMiddleware(deps.JWTManager, deps.Logger)
	adminMW := RequireAdmin()

	r.Get("/healthz", healthHandler.Get)
	r.Post("/webhooks/stripe", webhookHandler.Handle)

	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", billingHandler.ListPlans)
		r.With(authMW).Post("/checkout/subscription", billingHandler.CreateSubscriptionCheckout)
		r.With(authMW).Post("/checkout/ebook", billingHandler.CreateEbookCheckout)
		r.With(authMW).Post("/checkout/credits", billingHandler.CreateCreditsCheckout)
		r.With(authMW).Post("/portal", billingHandler.CreateBillingPortal)
	})

	r.Route("/affiliate", func(r chi.Router) {
		r.Use(authMW)
		r.Get("/dashboard", affiliateHandler.Dashboard)
		r.Get("/referrals", affiliateHandler.Referrals)
		r.Post("/methods", affiliateHandler.AddMethod)
		r.Get("/methods", affiliateHandler.ListMethods)
		r.Delete("/methods/{id}", affiliateHandler.RemoveMethod)
		r.Post("/withdrawals", affiliateHandler.RequestWithdrawal)
		r.Get("/withdrawals", affiliateHandler.ListWithdrawals)
		r.Get("/withdrawals/{id}", affiliateHandler.GetWithdrawal)
		r.Post("/onboarding", affiliateHandler.BeginOnboarding)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authMW, adminMW)
		r.Get("/health", adminHandler.Health)
		r.Post("/plans", adminHandler.CreatePlan)
		r.Put("/plans/{id}", adminHandler.UpdatePlan)
		r.Get("/withdrawals", adminHandler.ListWithdrawals)
		r.Patch("/withdrawals/{id}", adminHandler.UpdateWithdrawal)
		r.Post("/withdrawals/{id}/settle", adminHandler.SettleWithdrawal)
		r.Post("/events/{id}/replay", adminHandler.ReplayEvent)
	})
}
