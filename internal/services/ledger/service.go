package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInsufficientFunds  = errors.New("insufficient referral balance")
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	ErrUnknownMethod      = errors.New("withdraw method does not belong to the account")
	ErrNotPending         = errors.New("withdrawal is not pending")
	ErrNoConnectAccount   = errors.New("account has no payout destination")
)

type AccountStore interface {
	LockByIDTx(ctx context.Context, tx pgx.Tx, accountID int64) (pgrepo.AccountRecord, error)
	ReserveReferralBalanceTx(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal) (decimal.Decimal, error)
	CreditReferralBalanceTx(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal) (decimal.Decimal, error)
	FindByID(ctx context.Context, accountID int64) (pgrepo.AccountRecord, error)
}

type WithdrawalStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, accountID int64, methodID *uuid.UUID, amount decimal.Decimal) (pgrepo.WithdrawalRecord, error)
	FindByID(ctx context.Context, withdrawalID uuid.UUID) (pgrepo.WithdrawalRecord, error)
	LockByIDTx(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) (pgrepo.WithdrawalRecord, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID, status enums.WithdrawalStatus, reason, transferID *string) (pgrepo.WithdrawalRecord, error)
	List(ctx context.Context, filter pgrepo.WithdrawalFilter) ([]pgrepo.WithdrawalRecord, int64, error)
}

type MethodStore interface {
	FindForAccount(ctx context.Context, methodID uuid.UUID, accountID int64) (pgrepo.WithdrawMethodRecord, error)
}

type TransferGateway interface {
	CreateTransfer(connectAccountID string, amountCents int64, currency, withdrawalRef string) (string, error)
}

type Notifier interface {
	SendWithdrawalEmail(to, status, amount string) error
}

// Service owns the referral balance ledger. The balance is debited when a
// withdrawal is requested, not when it settles, so the available balance
// never overstates what a user can still withdraw.
type Service struct {
	accounts                AccountStore
	withdrawals             WithdrawalStore
	methods                 MethodStore
	gateway                 TransferGateway
	notifier                Notifier
	logger                  *zap.Logger
	currency                string
	refundOnTransferFailure bool
	runInTx                 func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	now                     func() time.Time
}

type Dependencies struct {
	Pool        *pgxpool.Pool
	Accounts    AccountStore
	Withdrawals WithdrawalStore
	Methods     MethodStore
	Gateway     TransferGateway
	Notifier    Notifier
	Logger      *zap.Logger

	Currency string
	// RefundOnTransferFailure returns the reserved amount when the provider
	// transfer errors. Off by default: a failed transfer may still have left
	// the provider in an unknown state and needs manual reconciliation.
	RefundOnTransferFailure bool
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	currency := deps.Currency
	if currency == "" {
		currency = "usd"
	}

	s := &Service{
		accounts:                deps.Accounts,
		withdrawals:             deps.Withdrawals,
		methods:                 deps.Methods,
		gateway:                 deps.Gateway,
		notifier:                deps.Notifier,
		logger:                  logger,
		currency:                currency,
		refundOnTransferFailure: deps.RefundOnTransferFailure,
		now:                     time.Now,
	}
	if deps.Pool != nil {
		s.runInTx = func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
			return pgrepo.WithTx(ctx, deps.Pool, fn)
		}
	}
	return s
}

type WithdrawalResult struct {
	WithdrawalID     uuid.UUID
	AccountID        int64
	Amount           decimal.Decimal
	Status           enums.WithdrawalStatus
	RemainingBalance decimal.Decimal
}

// RequestWithdrawal reserves the amount and records a pending request in one
// transaction.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID int64, amount decimal.Decimal, methodID *uuid.UUID) (WithdrawalResult, error) {
	if s.accounts == nil || s.withdrawals == nil || s.runInTx == nil {
		return WithdrawalResult{}, fmt.Errorf("ledger dependencies are not configured")
	}
	if accountID <= 0 || !amount.IsPositive() {
		return WithdrawalResult{}, ErrValidation
	}

	// A payout destination must exist and belong to the requester before any
	// balance is reserved against it.
	if methodID != nil {
		if s.methods == nil {
			return WithdrawalResult{}, fmt.Errorf("method store is nil")
		}
		if _, err := s.methods.FindForAccount(ctx, *methodID, accountID); err != nil {
			if errors.Is(err, pgrepo.ErrWithdrawMethodNotFound) {
				return WithdrawalResult{}, ErrUnknownMethod
			}
			return WithdrawalResult{}, err
		}
	}

	var result WithdrawalResult
	err := s.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.accounts.LockByIDTx(ctx, tx, accountID); err != nil {
			return err
		}

		remaining, err := s.accounts.ReserveReferralBalanceTx(ctx, tx, accountID, amount)
		if err != nil {
			if errors.Is(err, pgrepo.ErrInsufficientFunds) {
				return ErrInsufficientFunds
			}
			return err
		}

		record, err := s.withdrawals.CreateTx(ctx, tx, accountID, methodID, amount)
		if err != nil {
			return err
		}

		result = WithdrawalResult{
			WithdrawalID:     record.ID,
			AccountID:        record.AccountID,
			Amount:           record.Amount,
			Status:           record.Status,
			RemainingBalance: remaining,
		}
		return nil
	})
	if err != nil {
		return WithdrawalResult{}, err
	}

	s.logger.Info("withdrawal requested",
		zap.Int64("account_id", accountID),
		zap.String("withdrawal_id", result.WithdrawalID.String()),
		zap.String("amount", amount.String()))

	return result, nil
}

// SettlePayout pushes a pending withdrawal through the provider. The transfer
// call runs outside any transaction; only its outcome is written back.
func (s *Service) SettlePayout(ctx context.Context, withdrawalID uuid.UUID) (pgrepo.WithdrawalRecord, error) {
	if s.accounts == nil || s.withdrawals == nil || s.gateway == nil || s.runInTx == nil {
		return pgrepo.WithdrawalRecord{}, fmt.Errorf("ledger dependencies are not configured")
	}

	withdrawal, err := s.withdrawals.FindByID(ctx, withdrawalID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrWithdrawalNotFound) {
			return pgrepo.WithdrawalRecord{}, ErrWithdrawalNotFound
		}
		return pgrepo.WithdrawalRecord{}, err
	}
	if withdrawal.Status != enums.WithdrawalPending {
		return pgrepo.WithdrawalRecord{}, ErrNotPending
	}

	account, err := s.accounts.FindByID(ctx, withdrawal.AccountID)
	if err != nil {
		return pgrepo.WithdrawalRecord{}, err
	}
	if account.StripeConnectID == nil || *account.StripeConnectID == "" {
		return pgrepo.WithdrawalRecord{}, ErrNoConnectAccount
	}

	amountCents := withdrawal.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	transferID, transferErr := s.gateway.CreateTransfer(*account.StripeConnectID, amountCents, s.currency, withdrawal.ID.String())

	var settled pgrepo.WithdrawalRecord
	err = s.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.withdrawals.LockByIDTx(ctx, tx, withdrawal.ID)
		if err != nil {
			return err
		}
		if locked.Status != enums.WithdrawalPending {
			settled = locked
			return nil
		}

		if transferErr != nil {
			reason := transferErr.Error()
			updated, err := s.withdrawals.UpdateStatusTx(ctx, tx, withdrawal.ID, enums.WithdrawalFailed, &reason, nil)
			if err != nil {
				return err
			}
			if s.refundOnTransferFailure {
				if _, err := s.accounts.CreditReferralBalanceTx(ctx, tx, withdrawal.AccountID, withdrawal.Amount); err != nil {
					return err
				}
			}
			settled = updated
			return nil
		}

		updated, err := s.withdrawals.UpdateStatusTx(ctx, tx, withdrawal.ID, enums.WithdrawalPaid, nil, &transferID)
		if err != nil {
			return err
		}
		settled = updated
		return nil
	})
	if err != nil {
		return pgrepo.WithdrawalRecord{}, err
	}

	if transferErr != nil {
		s.logger.Warn("payout transfer failed",
			zap.String("withdrawal_id", withdrawal.ID.String()),
			zap.Bool("refunded", s.refundOnTransferFailure),
			zap.Error(transferErr))
	} else {
		s.logger.Info("payout transfer settled",
			zap.String("withdrawal_id", withdrawal.ID.String()),
			zap.String("transfer_id", transferID))
	}

	s.notifyStatus(account.Email, settled)

	return settled, nil
}

// AdminUpdateStatus lets an operator move a request between states. The
// reserved amount is returned exactly once, on the transition into rejected.
func (s *Service) AdminUpdateStatus(ctx context.Context, withdrawalID uuid.UUID, status enums.WithdrawalStatus, reason *string) (pgrepo.WithdrawalRecord, error) {
	if s.accounts == nil || s.withdrawals == nil || s.runInTx == nil {
		return pgrepo.WithdrawalRecord{}, fmt.Errorf("ledger dependencies are not configured")
	}

	var updated pgrepo.WithdrawalRecord
	err := s.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.withdrawals.LockByIDTx(ctx, tx, withdrawalID)
		if err != nil {
			if errors.Is(err, pgrepo.ErrWithdrawalNotFound) {
				return ErrWithdrawalNotFound
			}
			return err
		}
		if locked.Status == status {
			updated = locked
			return nil
		}

		if status == enums.WithdrawalRejected {
			if _, err := s.accounts.CreditReferralBalanceTx(ctx, tx, locked.AccountID, locked.Amount); err != nil {
				return err
			}
		}

		record, err := s.withdrawals.UpdateStatusTx(ctx, tx, withdrawalID, status, reason, nil)
		if err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return pgrepo.WithdrawalRecord{}, err
	}

	if account, err := s.accounts.FindByID(ctx, updated.AccountID); err == nil {
		s.notifyStatus(account.Email, updated)
	}

	return updated, nil
}

// GetWithdrawal loads one request without ownership checks; callers scope
// access themselves.
func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (pgrepo.WithdrawalRecord, error) {
	if s.withdrawals == nil {
		return pgrepo.WithdrawalRecord{}, fmt.Errorf("withdrawal store is nil")
	}

	record, err := s.withdrawals.FindByID(ctx, withdrawalID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrWithdrawalNotFound) {
			return pgrepo.WithdrawalRecord{}, ErrWithdrawalNotFound
		}
		return pgrepo.WithdrawalRecord{}, fmt.Errorf("find withdrawal: %w", err)
	}

	return record, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, filter pgrepo.WithdrawalFilter) ([]pgrepo.WithdrawalRecord, int64, error) {
	if s.withdrawals == nil {
		return nil, 0, fmt.Errorf("withdrawal store is nil")
	}
	return s.withdrawals.List(ctx, filter)
}

func (s *Service) notifyStatus(email string, withdrawal pgrepo.WithdrawalRecord) {
	if s.notifier == nil || email == "" {
		return
	}
	if err := s.notifier.SendWithdrawalEmail(email, string(withdrawal.Status), withdrawal.Amount.String()); err != nil {
		s.logger.Warn("withdrawal email failed",
			zap.String("withdrawal_id", withdrawal.ID.String()),
			zap.Error(err))
	}
}
