package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/config"
	mailinfra "github.com/omarrayhanuddin/spineai-backend/internal/infra/mail"
	stripeinfra "github.com/omarrayhanuddin/spineai-backend/internal/infra/stripe"
	cleanupjob "github.com/omarrayhanuddin/spineai-backend/internal/jobs/cleanup"
	reconcilejob "github.com/omarrayhanuddin/spineai-backend/internal/jobs/reconcile"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	redrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/redis"
	affiliatesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/affiliate"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
	checkoutsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/checkout"
	fulfillmentsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/fulfillment"
	ledgersvc "github.com/omarrayhanuddin/spineai-backend/internal/services/ledger"
	planssvc "github.com/omarrayhanuddin/spineai-backend/internal/services/plans"
	ratesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/rate"
	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	sweeper    *reconcilejob.Job
	cleaner    *cleanupjob.Job
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	rateRepo := redrepo.NewRateRepo(redisClient)

	accountRepo := pgrepo.NewAccountRepo(pool)
	planRepo := pgrepo.NewPlanRepo(pool)
	eventRepo := pgrepo.NewInboundEventRepo(pool)
	withdrawalRepo := pgrepo.NewWithdrawalRepo(pool)
	methodRepo := pgrepo.NewWithdrawMethodRepo(pool)
	couponRepo := pgrepo.NewCouponRepo(pool)
	itemRepo := pgrepo.NewPurchasedItemRepo(pool)

	stripeClient := stripeinfra.NewClient(cfg.Stripe, cfg.Payout.Country)
	mailer := mailinfra.NewMailer(cfg.SMTP, log)

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAccessTTL)

	fulfillmentService := fulfillmentsvc.NewService(fulfillmentsvc.Dependencies{
		Accounts: accountRepo,
		Coupons:  couponRepo,
		Items:    itemRepo,
		Plans:    planRepo,
		Gateway:  stripeClient,
		Notifier: mailer,
		Logger:   log,
	})
	reconcileService := reconcilesvc.NewService(reconcilesvc.Dependencies{
		Pool:       pool,
		Events:     eventRepo,
		Accounts:   accountRepo,
		Plans:      planRepo,
		Dispatcher: fulfillmentService,
	})
	ledgerService := ledgersvc.NewService(ledgersvc.Dependencies{
		Pool:                    pool,
		Accounts:                accountRepo,
		Withdrawals:             withdrawalRepo,
		Methods:                 methodRepo,
		Gateway:                 stripeClient,
		Notifier:                mailer,
		Logger:                  log,
		Currency:                cfg.Payout.Currency,
		RefundOnTransferFailure: cfg.Payout.RefundFailedTransfers,
	})
	affiliateService := affiliatesvc.NewService(affiliatesvc.Dependencies{
		Accounts: accountRepo,
		Methods:  methodRepo,
		Gateway:  stripeClient,
	})
	checkoutService := checkoutsvc.NewService(checkoutsvc.Dependencies{
		Accounts: accountRepo,
		Plans:    planRepo,
		Gateway:  stripeClient,
		Packages: cfg.Stripe.CreditPackages,
	})
	plansService := planssvc.NewService(planRepo)
	withdrawLimiter := ratesvc.NewLimiter(
		rateRepo,
		cfg.Referral.WithdrawMaxPerMinute,
		cfg.Referral.WithdrawMaxPerHour,
	)

	sweeper := reconcilejob.New(eventRepo, reconcileService, reconcilejob.Config{
		Interval: cfg.Jobs.ReconcileInterval,
		Batch:    cfg.Jobs.ReconcileBatch,
		MinAge:   cfg.Jobs.ReconcileMinAge,
	}, log)
	cleaner := cleanupjob.New(eventRepo, cfg.Jobs.PayloadRetention, log)

	RegisterRoutes(r, Dependencies{
		Verifier:         stripeClient,
		ReconcileService: reconcileService,
		LedgerService:    ledgerService,
		AffiliateService: affiliateService,
		CheckoutService:  checkoutService,
		PlansService:     plansService,
		WithdrawLimiter:  withdrawLimiter,
		JWTManager:       jwtManager,
		Logger:           log,
		Config:           cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		sweeper:    sweeper,
		cleaner:    cleaner,
		httpRouter: r,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start(ctx)
	a.cleaner.Start(ctx)

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
