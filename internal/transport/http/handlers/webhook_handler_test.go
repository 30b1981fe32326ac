package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stripe "github.com/stripe/stripe-go/v75"

	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
)

type verifierStub struct {
	event       stripe.Event
	err         error
	calls       int
	payloadSize int
}

func (v *verifierStub) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	v.calls++
	v.payloadSize = len(payload)
	if v.err != nil {
		return stripe.Event{}, v.err
	}
	return v.event, nil
}

type processorStub struct {
	result reconcilesvc.Result
	err    error
	calls  int
}

func (p *processorStub) ProcessEvent(ctx context.Context, event stripe.Event) (reconcilesvc.Result, error) {
	p.calls++
	if p.err != nil {
		return reconcilesvc.Result{}, p.err
	}
	return p.result, nil
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	verifier := &verifierStub{err: errors.New("bad signature")}
	processor := &processorStub{}
	handler := NewWebhookHandler(verifier, processor, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if processor.calls != 0 {
		t.Fatalf("processor should not run on signature failure, got %d calls", processor.calls)
	}
}

func TestWebhookReturnsOutcome(t *testing.T) {
	verifier := &verifierStub{event: stripe.Event{ID: "evt_1", Type: "customer.subscription.created"}}
	processor := &processorStub{result: reconcilesvc.Result{
		Outcome: reconcilesvc.OutcomeApplied,
		EventID: "evt_1",
	}}
	handler := NewWebhookHandler(verifier, processor, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusOK)
	}

	var payload struct {
		Received bool   `json:"received"`
		Outcome  string `json:"outcome"`
		EventID  string `json:"event_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Received {
		t.Fatalf("expected received=true")
	}
	if payload.Outcome != string(reconcilesvc.OutcomeApplied) {
		t.Fatalf("unexpected outcome: %q", payload.Outcome)
	}
	if payload.EventID != "evt_1" {
		t.Fatalf("unexpected event id: %q", payload.EventID)
	}
}

func TestWebhookAcceptsLargePayloadIntact(t *testing.T) {
	verifier := &verifierStub{event: stripe.Event{ID: "evt_big", Type: "checkout.session.completed"}}
	processor := &processorStub{result: reconcilesvc.Result{
		Outcome: reconcilesvc.OutcomeApplied,
		EventID: "evt_big",
	}}
	handler := NewWebhookHandler(verifier, processor, nil)

	// Well past 64 KiB; truncating it would break the signature check on a
	// perfectly valid delivery.
	body := strings.Repeat("x", 200*1024)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusOK)
	}
	if verifier.payloadSize != len(body) {
		t.Fatalf("payload truncated: got %d bytes want %d", verifier.payloadSize, len(body))
	}
}

func TestWebhookRejectsOversizedPayload(t *testing.T) {
	verifier := &verifierStub{}
	processor := &processorStub{}
	handler := NewWebhookHandler(verifier, processor, nil)

	body := strings.Repeat("x", maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
	if verifier.calls != 0 || processor.calls != 0 {
		t.Fatalf("oversized body must not be verified or processed, got %d/%d calls", verifier.calls, processor.calls)
	}
}

func TestWebhookProcessingFailureIsRetryable(t *testing.T) {
	verifier := &verifierStub{event: stripe.Event{ID: "evt_2", Type: "invoice.paid"}}
	processor := &processorStub{err: errors.New("db down")}
	handler := NewWebhookHandler(verifier, processor, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusInternalServerError)
	}
}
