package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
	ledgersvc "github.com/omarrayhanuddin/spineai-backend/internal/services/ledger"
	planssvc "github.com/omarrayhanuddin/spineai-backend/internal/services/plans"
	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
	"github.com/omarrayhanuddin/spineai-backend/internal/transport/http/dto"
	httperrors "github.com/omarrayhanuddin/spineai-backend/internal/transport/http/errors"
)

// EventReprocessor re-applies a stored provider event by id.
type EventReprocessor interface {
	Reprocess(ctx context.Context, eventID string) (reconcilesvc.Result, error)
}

type AdminHandler struct {
	plans     *planssvc.Service
	ledger    *ledgersvc.Service
	reconcile EventReprocessor
}

func NewAdminHandler(plans *planssvc.Service, ledger *ledgersvc.Service, reconcile EventReprocessor) *AdminHandler {
	return &AdminHandler{
		plans:     plans,
		ledger:    ledger,
		reconcile: reconcile,
	}
}

func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}

	httperrors.Write(w, http.StatusOK, map[string]any{
		"ok":      true,
		"user_id": identity.UserID,
		"role":    identity.Role,
	})
}

func (h *AdminHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		writeInternal(w, "PLANS_SERVICE_UNAVAILABLE", "plans service is unavailable")
		return
	}

	var req dto.PlanUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	in, err := planInputFromRequest(req)
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid price")
		return
	}

	record, err := h.plans.Create(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, planssvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "name and stripe_price_id are required")
		case errors.Is(err, planssvc.ErrPlanExists):
			writeBadRequest(w, "PLAN_EXISTS", "plan with this name or price already exists")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to create plan")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, planResponse(record))
}

func (h *AdminHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		writeInternal(w, "PLANS_SERVICE_UNAVAILABLE", "plans service is unavailable")
		return
	}

	planID, ok := int64URLParam(r, "id")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid plan id")
		return
	}

	var req dto.PlanUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	in, err := planInputFromRequest(req)
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid price")
		return
	}

	record, err := h.plans.Update(r.Context(), planID, in)
	if err != nil {
		switch {
		case errors.Is(err, planssvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "name and stripe_price_id are required")
		case errors.Is(err, planssvc.ErrPlanNotFound):
			writeNotFound(w, "PLAN_NOT_FOUND", "plan not found")
		case errors.Is(err, planssvc.ErrPlanExists):
			writeBadRequest(w, "PLAN_EXISTS", "plan with this name or price already exists")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to update plan")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, planResponse(record))
}

func (h *AdminHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	limit, offset := parsePage(r)
	filter := pgrepo.WithdrawalFilter{Limit: limit, Offset: offset}

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := enums.ParseWithdrawalStatus(raw)
		if err != nil {
			writeBadRequest(w, "VALIDATION_ERROR", "invalid status filter")
			return
		}
		filter.Status = &status
	}

	records, total, err := h.ledger.ListWithdrawals(r.Context(), filter)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list withdrawals")
		return
	}

	httperrors.Write(w, http.StatusOK, withdrawalListResponse(records, total))
}

func (h *AdminHandler) UpdateWithdrawal(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	withdrawalID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid withdrawal id")
		return
	}

	var req dto.AdminWithdrawalUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	status, err := enums.ParseWithdrawalStatus(req.Status)
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid status")
		return
	}

	record, err := h.ledger.AdminUpdateStatus(r.Context(), withdrawalID, status, req.Reason)
	if err != nil {
		if errors.Is(err, ledgersvc.ErrWithdrawalNotFound) {
			writeNotFound(w, "WITHDRAWAL_NOT_FOUND", "withdrawal not found")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to update withdrawal")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WithdrawalResponse{
		ID:     record.ID.String(),
		Amount: record.Amount.String(),
		Status: string(record.Status),
		Reason: record.Reason,
	})
}

func (h *AdminHandler) SettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeInternal(w, "LEDGER_SERVICE_UNAVAILABLE", "ledger service is unavailable")
		return
	}

	withdrawalID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid withdrawal id")
		return
	}

	record, err := h.ledger.SettlePayout(r.Context(), withdrawalID)
	if err != nil {
		switch {
		case errors.Is(err, ledgersvc.ErrWithdrawalNotFound):
			writeNotFound(w, "WITHDRAWAL_NOT_FOUND", "withdrawal not found")
		case errors.Is(err, ledgersvc.ErrNotPending):
			writeBadRequest(w, "NOT_PENDING", "withdrawal is not pending")
		case errors.Is(err, ledgersvc.ErrNoConnectAccount):
			writeBadRequest(w, "NO_CONNECT_ACCOUNT", "account has no payout destination")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to settle withdrawal")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WithdrawalResponse{
		ID:     record.ID.String(),
		Amount: record.Amount.String(),
		Status: string(record.Status),
		Reason: record.Reason,
	})
}

// ReplayEvent re-runs reconciliation for a stored provider event. Useful for
// deliveries that were deferred or failed and need a manual nudge.
func (h *AdminHandler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	if h.reconcile == nil {
		writeInternal(w, "RECONCILE_SERVICE_UNAVAILABLE", "reconcile service is unavailable")
		return
	}

	eventID := strings.TrimSpace(chi.URLParam(r, "id"))
	if eventID == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid event id")
		return
	}

	result, err := h.reconcile.Reprocess(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, reconcilesvc.ErrEventNotFound) {
			writeNotFound(w, "EVENT_NOT_FOUND", "event not found")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to replay event")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WebhookResponse{
		Received: true,
		Outcome:  string(result.Outcome),
		EventID:  result.EventID,
	})
}

func int64URLParam(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func planInputFromRequest(req dto.PlanUpsertRequest) (planssvc.Input, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		return planssvc.Input{}, err
	}
	return planssvc.Input{
		Name:              req.Name,
		Description:       req.Description,
		Price:             price,
		StripePriceID:     req.StripePriceID,
		ChatModel:         req.ChatModel,
		MessageLimit:      req.MessageLimit,
		ImageLimit:        req.ImageLimit,
		FileLimit:         req.FileLimit,
		WeeklyReminder:    req.WeeklyReminder,
		TreatmentPlan:     req.TreatmentPlan,
		CommissionPercent: req.CommissionPercent,
	}, nil
}
