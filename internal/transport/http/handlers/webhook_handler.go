package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	stripe "github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
	"github.com/omarrayhanuddin/spineai-backend/internal/transport/http/dto"
	httperrors "github.com/omarrayhanuddin/spineai-backend/internal/transport/http/errors"
)

// maxWebhookBody bounds a single delivery. Stripe payloads with expanded
// objects run well past 64 KiB, so the cap is generous; anything over it is
// rejected outright rather than silently truncated into a signature failure.
const maxWebhookBody = 1 << 20

type EventVerifier interface {
	VerifyEvent(payload []byte, signature string) (stripe.Event, error)
}

type EventProcessor interface {
	ProcessEvent(ctx context.Context, event stripe.Event) (reconcilesvc.Result, error)
}

// WebhookHandler is the single ingress for processor events. Signature
// failures are 400 so the processor stops retrying; processing failures are
// 500 so it retries later.
type WebhookHandler struct {
	verifier  EventVerifier
	reconcile EventProcessor
	logger    *zap.Logger
}

func NewWebhookHandler(verifier EventVerifier, reconcile EventProcessor, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookHandler{
		verifier:  verifier,
		reconcile: reconcile,
		logger:    logger,
	}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil || h.reconcile == nil {
		writeInternal(w, "WEBHOOK_UNAVAILABLE", "webhook processing is unavailable")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httperrors.Write(w, http.StatusRequestEntityTooLarge,
				httperrors.APIError{Code: "PAYLOAD_TOO_LARGE", Message: "request body exceeds the webhook size limit"})
			return
		}
		writeInternal(w, "READ_ERROR", "failed to read request body")
		return
	}

	event, err := h.verifier.VerifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		writeBadRequest(w, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	result, err := h.reconcile.ProcessEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		writeInternal(w, "PROCESSING_ERROR", "failed to process event")
		return
	}

	h.logger.Info("webhook event handled",
		zap.String("event_id", result.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("outcome", string(result.Outcome)))

	httperrors.Write(w, http.StatusOK, dto.WebhookResponse{
		Received: true,
		Outcome:  string(result.Outcome),
		EventID:  result.EventID,
	})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{Code: code, Message: message})
}

func writeForbidden(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusForbidden, httperrors.APIError{Code: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}
