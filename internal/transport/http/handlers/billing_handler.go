package handlers

import (
	"errors"
	"net/http"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
	checkoutsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/checkout"
	planssvc "github.com/omarrayhanuddin/spineai-backend/internal/services/plans"
	"github.com/omarrayhanuddin/spineai-backend/internal/transport/http/dto"
	httperrors "github.com/omarrayhanuddin/spineai-backend/internal/transport/http/errors"
)

type BillingHandler struct {
	checkout *checkoutsvc.Service
	plans    *planssvc.Service
}

func NewBillingHandler(checkout *checkoutsvc.Service, plans *planssvc.Service) *BillingHandler {
	return &BillingHandler{
		checkout: checkout,
		plans:    plans,
	}
}

func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		writeInternal(w, "PLANS_SERVICE_UNAVAILABLE", "plans service is unavailable")
		return
	}

	records, err := h.plans.List(r.Context())
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list plans")
		return
	}

	response := make([]dto.PlanResponse, 0, len(records))
	for _, record := range records {
		response = append(response, planResponse(record))
	}

	httperrors.Write(w, http.StatusOK, response)
}

func (h *BillingHandler) CreateSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.checkout == nil {
		writeInternal(w, "CHECKOUT_SERVICE_UNAVAILABLE", "checkout service is unavailable")
		return
	}

	var req dto.SubscriptionCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	url, err := h.checkout.CreateSubscriptionCheckout(r.Context(), identity.UserID, req.PriceID, req.CouponCode)
	if err != nil {
		switch {
		case errors.Is(err, checkoutsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "price_id is required")
		case errors.Is(err, checkoutsvc.ErrUnknownPlan):
			writeBadRequest(w, "UNKNOWN_PLAN", "unknown plan price")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to create checkout session")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.CheckoutResponse{URL: url})
}

func (h *BillingHandler) CreateEbookCheckout(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.checkout == nil {
		writeInternal(w, "CHECKOUT_SERVICE_UNAVAILABLE", "checkout service is unavailable")
		return
	}

	url, err := h.checkout.CreateEbookCheckout(r.Context(), identity.UserID)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to create checkout session")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.CheckoutResponse{URL: url})
}

func (h *BillingHandler) CreateCreditsCheckout(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.checkout == nil {
		writeInternal(w, "CHECKOUT_SERVICE_UNAVAILABLE", "checkout service is unavailable")
		return
	}

	var req dto.CreditsCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	url, err := h.checkout.CreateCreditsCheckout(r.Context(), identity.UserID, req.CreditAmount)
	if err != nil {
		switch {
		case errors.Is(err, checkoutsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "credit_amount is required")
		case errors.Is(err, checkoutsvc.ErrUnknownPackage):
			writeBadRequest(w, "UNKNOWN_PACKAGE", "no credit package for that amount")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to create checkout session")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.CheckoutResponse{URL: url})
}

func (h *BillingHandler) CreateBillingPortal(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.checkout == nil {
		writeInternal(w, "CHECKOUT_SERVICE_UNAVAILABLE", "checkout service is unavailable")
		return
	}

	url, err := h.checkout.CreateBillingPortal(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, checkoutsvc.ErrNoCustomer) {
			writeBadRequest(w, "NO_BILLING_CUSTOMER", "no billing profile exists yet")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to create billing portal session")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.CheckoutResponse{URL: url})
}

func planResponse(record pgrepo.PlanRecord) dto.PlanResponse {
	return dto.PlanResponse{
		ID:                record.ID,
		Name:              record.Name,
		Description:       record.Description,
		Price:             record.Price.String(),
		StripePriceID:     record.StripePriceID,
		ChatModel:         record.ChatModel,
		MessageLimit:      record.MessageLimit,
		ImageLimit:        record.ImageLimit,
		FileLimit:         record.FileLimit,
		WeeklyReminder:    record.WeeklyReminder,
		TreatmentPlan:     record.TreatmentPlan,
		CommissionPercent: record.CommissionPercent,
	}
}
