package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	affiliatesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/affiliate"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
	ledgersvc "github.com/omarrayhanuddin/spineai-backend/internal/services/ledger"
	ratesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/rate"
	"github.com/omarrayhanuddin/spineai-backend/internal/transport/http/dto"
	httperrors "github.com/omarrayhanuddin/spineai-backend/internal/transport/http/errors"
)

type AffiliateHandler struct {
	affiliate *affiliatesvc.Service
	ledger    *ledgersvc.Service
	limiter   *ratesvc.Limiter
}

func NewAffiliateHandler(affiliate *affiliatesvc.Service, ledger *ledgersvc.Service, limiter *ratesvc.Limiter) *AffiliateHandler {
	return &AffiliateHandler{
		affiliate: affiliate,
		ledger:    ledger,
		limiter:   limiter,
	}
}

func (h *AffiliateHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	dashboard, err := h.affiliate.Dashboard(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, affiliatesvc.ErrAccountNotFound) {
			writeNotFound(w, "ACCOUNT_NOT_FOUND", "account not found")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to load dashboard")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.AffiliateDashboardResponse{
		AffiliateID:     dashboard.AffiliateID,
		ReferralBalance: dashboard.ReferralBalance.String(),
		TotalReferrals:  dashboard.TotalReferrals,
		PaidReferrals:   dashboard.PaidReferrals,
		PayoutsEnabled:  dashboard.PayoutsEnabled,
	})
}

func (h *AffiliateHandler) Referrals(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	limit, offset := parsePage(r)
	referrals, err := h.affiliate.Referrals(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list referrals")
		return
	}

	response := make([]dto.ReferralResponse, 0, len(referrals))
	for _, referral := range referrals {
		response = append(response, dto.ReferralResponse{
			Email:        referral.Email,
			BonusApplied: referral.BonusApplied,
		})
	}

	httperrors.Write(w, http.StatusOK, response)
}

func (h *AffiliateHandler) AddMethod(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	var req dto.WithdrawMethodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	record, err := h.affiliate.AddMethod(r.Context(), identity.UserID, req.MethodType, req.Details)
	if err != nil {
		if errors.Is(err, affiliatesvc.ErrValidation) {
			writeBadRequest(w, "VALIDATION_ERROR", "method_type is required")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to save withdraw method")
		return
	}

	httperrors.Write(w, http.StatusOK, withdrawMethodResponse(record))
}

func (h *AffiliateHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	records, err := h.affiliate.Methods(r.Context(), identity.UserID)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list withdraw methods")
		return
	}

	response := make([]dto.WithdrawMethodResponse, 0, len(records))
	for _, record := range records {
		response = append(response, withdrawMethodResponse(record))
	}

	httperrors.Write(w, http.StatusOK, response)
}

func (h *AffiliateHandler) RemoveMethod(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	methodID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid method id")
		return
	}

	if err := h.affiliate.RemoveMethod(r.Context(), identity.UserID, methodID); err != nil {
		if errors.Is(err, affiliatesvc.ErrMethodNotFound) {
			writeNotFound(w, "METHOD_NOT_FOUND", "withdraw method not found")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to remove withdraw method")
		return
	}

	httperrors.Write(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AffiliateHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	if h.limiter != nil {
		retryAfter, allowed, err := h.limiter.AllowWithdrawal(r.Context(), identity.UserID)
		if err != nil {
			writeInternal(w, "INTERNAL_ERROR", "failed to check rate limit")
			return
		}
		if !allowed {
			httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
				Code:          "RATE_LIMITED",
				Message:       "too many withdrawal requests",
				RetryAfterSec: retryAfter,
			})
			return
		}
	}

	var req dto.WithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid amount")
		return
	}

	var methodID *uuid.UUID
	if req.MethodID != nil && *req.MethodID != "" {
		parsed, err := uuid.Parse(*req.MethodID)
		if err != nil {
			writeBadRequest(w, "VALIDATION_ERROR", "invalid method id")
			return
		}
		methodID = &parsed
	}

	result, err := h.ledger.RequestWithdrawal(r.Context(), identity.UserID, amount, methodID)
	if err != nil {
		switch {
		case errors.Is(err, ledgersvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "amount must be positive")
		case errors.Is(err, ledgersvc.ErrInsufficientFunds):
			writeBadRequest(w, "INSUFFICIENT_FUNDS", "referral balance is too low")
		case errors.Is(err, ledgersvc.ErrUnknownMethod):
			writeBadRequest(w, "UNKNOWN_METHOD", "withdraw method not found")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to request withdrawal")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WithdrawalResponse{
		ID:               result.WithdrawalID.String(),
		Amount:           result.Amount.String(),
		Status:           string(result.Status),
		RemainingBalance: result.RemainingBalance.String(),
	})
}

func (h *AffiliateHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	limit, offset := parsePage(r)
	accountID := identity.UserID
	records, total, err := h.ledger.ListWithdrawals(r.Context(), pgrepo.WithdrawalFilter{
		AccountID: &accountID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list withdrawals")
		return
	}

	httperrors.Write(w, http.StatusOK, withdrawalListResponse(records, total))
}

// GetWithdrawal returns one request. Admins may read any request; everyone
// else only their own.
func (h *AffiliateHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	withdrawalID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid withdrawal id")
		return
	}

	record, err := h.ledger.GetWithdrawal(r.Context(), withdrawalID)
	if err != nil {
		if errors.Is(err, ledgersvc.ErrWithdrawalNotFound) {
			writeNotFound(w, "WITHDRAWAL_NOT_FOUND", "withdrawal request not found")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to load withdrawal")
		return
	}
	if record.AccountID != identity.UserID && identity.Role != enums.RoleAdmin {
		writeNotFound(w, "WITHDRAWAL_NOT_FOUND", "withdrawal request not found")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WithdrawalResponse{
		ID:     record.ID.String(),
		Amount: record.Amount.String(),
		Status: string(record.Status),
		Reason: record.Reason,
	})
}

func (h *AffiliateHandler) BeginOnboarding(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.affiliate == nil {
		writeInternal(w, "AFFILIATE_SERVICE_UNAVAILABLE", "affiliate service is unavailable")
		return
	}

	refreshURL := r.URL.Query().Get("refresh_url")
	returnURL := r.URL.Query().Get("return_url")
	if refreshURL == "" || returnURL == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "refresh_url and return_url are required")
		return
	}

	url, err := h.affiliate.BeginOnboarding(r.Context(), identity.UserID, refreshURL, returnURL)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to begin onboarding")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.OnboardingResponse{URL: url})
}

func withdrawMethodResponse(record pgrepo.WithdrawMethodRecord) dto.WithdrawMethodResponse {
	return dto.WithdrawMethodResponse{
		ID:         record.ID.String(),
		MethodType: record.MethodType,
		Details:    record.Details,
	}
}

func withdrawalListResponse(records []pgrepo.WithdrawalRecord, total int64) dto.WithdrawalListResponse {
	items := make([]dto.WithdrawalResponse, 0, len(records))
	for _, record := range records {
		items = append(items, dto.WithdrawalResponse{
			ID:     record.ID.String(),
			Amount: record.Amount.String(),
			Status: string(record.Status),
			Reason: record.Reason,
		})
	}
	return dto.WithdrawalListResponse{Items: items, Total: total}
}

func parsePage(r *http.Request) (int, int) {
	limit := 20
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
