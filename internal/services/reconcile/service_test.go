package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	stripe "github.com/stripe/stripe-go/v75"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

type eventStoreStub struct {
	events map[string]pgrepo.InboundEventRecord
}

func newEventStoreStub() *eventStoreStub {
	return &eventStoreStub{events: make(map[string]pgrepo.InboundEventRecord)}
}

func (s *eventStoreStub) InsertTx(_ context.Context, _ pgx.Tx, record pgrepo.InboundEventRecord) error {
	if _, exists := s.events[record.ID]; exists {
		return pgrepo.ErrEventExists
	}
	s.events[record.ID] = record
	return nil
}

func (s *eventStoreStub) FindForUpdateTx(_ context.Context, _ pgx.Tx, eventID string) (pgrepo.InboundEventRecord, error) {
	record, ok := s.events[eventID]
	if !ok {
		return pgrepo.InboundEventRecord{}, pgrepo.ErrEventNotFound
	}
	return record, nil
}

func (s *eventStoreStub) MarkProcessedTx(_ context.Context, _ pgx.Tx, eventID, note string) error {
	record := s.events[eventID]
	record.Processed = true
	if note != "" {
		record.Note = &note
	}
	s.events[eventID] = record
	return nil
}

func (s *eventStoreStub) RecordNoteTx(_ context.Context, _ pgx.Tx, eventID, note string) error {
	record := s.events[eventID]
	record.Processed = false
	record.Note = &note
	s.events[eventID] = record
	return nil
}

type accountStoreStub struct {
	byCustomer map[string]*pgrepo.AccountRecord
	applied    int
}

func newAccountStoreStub() *accountStoreStub {
	return &accountStoreStub{byCustomer: make(map[string]*pgrepo.AccountRecord)}
}

func (s *accountStoreStub) add(customerRef string, record pgrepo.AccountRecord) *pgrepo.AccountRecord {
	record.StripeCustomerID = &customerRef
	s.byCustomer[customerRef] = &record
	return s.byCustomer[customerRef]
}

func (s *accountStoreStub) LockByCustomerRefTx(_ context.Context, _ pgx.Tx, customerRef string) (pgrepo.AccountRecord, error) {
	record, ok := s.byCustomer[customerRef]
	if !ok {
		return pgrepo.AccountRecord{}, pgrepo.ErrAccountNotFound
	}
	return *record, nil
}

func (s *accountStoreStub) SetSubscriptionTx(_ context.Context, _ pgx.Tx, accountID int64, update pgrepo.SubscriptionUpdate) error {
	record := s.mustByID(accountID)
	record.SubscriptionStatus = update.Status
	record.SubscriptionID = update.SubscriptionID
	record.PlanID = update.PlanID
	record.NextBillingAt = update.NextBillingAt
	record.CouponUsed = update.CouponUsed
	eventAt := update.EventAt
	record.LastEventAt = &eventAt
	s.applied++
	return nil
}

func (s *accountStoreStub) ClearSubscriptionTx(_ context.Context, _ pgx.Tx, accountID int64, eventAt time.Time) error {
	record := s.mustByID(accountID)
	record.SubscriptionStatus = enums.SubscriptionActive
	record.SubscriptionID = nil
	record.PlanID = nil
	record.NextBillingAt = nil
	record.LastEventAt = &eventAt
	s.applied++
	return nil
}

func (s *accountStoreStub) MarkInvoicePaidTx(_ context.Context, _ pgx.Tx, accountID int64, nextBillingAt *time.Time, eventAt time.Time) error {
	record := s.mustByID(accountID)
	record.SubscriptionStatus = enums.SubscriptionActive
	if nextBillingAt != nil {
		record.NextBillingAt = nextBillingAt
	}
	record.LastEventAt = &eventAt
	s.applied++
	return nil
}

func (s *accountStoreStub) MarkPastDueTx(_ context.Context, _ pgx.Tx, accountID int64, eventAt time.Time) error {
	record := s.mustByID(accountID)
	record.SubscriptionStatus = enums.SubscriptionPastDue
	record.LastEventAt = &eventAt
	s.applied++
	return nil
}

func (s *accountStoreStub) SetValidPaymentMethodTx(_ context.Context, _ pgx.Tx, accountID int64, eventAt time.Time) error {
	record := s.mustByID(accountID)
	record.HasValidPaymentMethod = true
	record.LastEventAt = &eventAt
	s.applied++
	return nil
}

func (s *accountStoreStub) mustByID(accountID int64) *pgrepo.AccountRecord {
	for _, record := range s.byCustomer {
		if record.ID == accountID {
			return record
		}
	}
	panic("account not in stub")
}

type planStoreStub struct {
	byPrice map[string]pgrepo.PlanRecord
}

func (s *planStoreStub) FindByPriceRef(_ context.Context, stripePriceID string) (pgrepo.PlanRecord, error) {
	record, ok := s.byPrice[stripePriceID]
	if !ok {
		return pgrepo.PlanRecord{}, pgrepo.ErrPlanNotFound
	}
	return record, nil
}

type dispatcherStub struct {
	calls      int
	note       string
	withAfter  bool
	afterCalls int
}

func (s *dispatcherStub) DispatchTx(_ context.Context, _ pgx.Tx, _ pgrepo.AccountRecord, _ pgrepo.InboundEventRecord) (string, func(context.Context), error) {
	s.calls++
	if !s.withAfter {
		return s.note, nil, nil
	}
	return s.note, func(context.Context) { s.afterCalls++ }, nil
}

func newTestService(events *eventStoreStub, accounts *accountStoreStub, plans *planStoreStub, dispatcher *dispatcherStub) *Service {
	s := NewService(Dependencies{
		Events:     events,
		Accounts:   accounts,
		Plans:      plans,
		Dispatcher: dispatcher,
	})
	s.runInTx = func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
		return fn(ctx, nil)
	}
	return s
}

func subscriptionEvent(id, eventType, customer, priceID string, createdAt time.Time) stripe.Event {
	payload := map[string]any{
		"id":       "sub_123",
		"status":   "active",
		"customer": customer,
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
		"current_period_end": createdAt.Add(30 * 24 * time.Hour).Unix(),
	}
	raw, _ := json.Marshal(payload)

	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: createdAt.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func simpleEvent(id, eventType, customer string, createdAt time.Time, extra map[string]any) stripe.Event {
	payload := map[string]any{"customer": customer}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)

	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: createdAt.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestProcessEventAppliesSubscriptionCreated(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	account := accounts.add("cus_1", pgrepo.AccountRecord{ID: 1, Email: "a@example.com"})
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{
		"price_basic": {ID: 10, Name: "basic", StripePriceID: "price_basic"},
	}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), subscriptionEvent("evt_1", EventSubscriptionCreated, "cus_1", "price_basic", occurred))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q (%s)", result.Outcome, result.Note)
	}
	if account.SubscriptionStatus != enums.SubscriptionActive {
		t.Fatalf("expected active status, got %q", account.SubscriptionStatus)
	}
	if account.PlanID == nil || *account.PlanID != 10 {
		t.Fatalf("expected plan 10, got %v", account.PlanID)
	}
	if !account.CouponUsed {
		t.Fatal("expected signup coupon consumed on subscription.created")
	}
	if account.LastEventAt == nil || !account.LastEventAt.Equal(occurred) {
		t.Fatalf("expected last_event_at %s, got %v", occurred, account.LastEventAt)
	}
	if stored := events.events["evt_1"]; !stored.Processed {
		t.Fatal("expected event marked processed")
	}
}

func TestProcessEventSubscriptionUpdatedKeepsCouponFlag(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	account := accounts.add("cus_1", pgrepo.AccountRecord{ID: 1})
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{
		"price_basic": {ID: 10, StripePriceID: "price_basic"},
	}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := svc.ProcessEvent(context.Background(), subscriptionEvent("evt_created", EventSubscriptionCreated, "cus_1", "price_basic", created)); err != nil {
		t.Fatalf("created event: %v", err)
	}
	if !account.CouponUsed {
		t.Fatal("expected coupon flag set by subscription.created")
	}

	if _, err := svc.ProcessEvent(context.Background(), subscriptionEvent("evt_updated", EventSubscriptionUpdated, "cus_1", "price_basic", created.Add(time.Hour))); err != nil {
		t.Fatalf("updated event: %v", err)
	}
	if !account.CouponUsed {
		t.Fatal("subscription.updated must not reset the coupon flag")
	}
}

func TestProcessEventIsIdempotent(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	accounts.add("cus_1", pgrepo.AccountRecord{ID: 1})
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{
		"price_basic": {ID: 10, StripePriceID: "price_basic"},
	}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := subscriptionEvent("evt_1", EventSubscriptionCreated, "cus_1", "price_basic", occurred)

	first, err := svc.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != OutcomeApplied {
		t.Fatalf("expected applied on first delivery, got %q", first.Outcome)
	}

	second, err := svc.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed on redelivery, got %q", second.Outcome)
	}
	if accounts.applied != 1 {
		t.Fatalf("expected exactly one state change, got %d", accounts.applied)
	}
}

func TestProcessEventDefersWhenAccountMissing(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_orphan", EventInvoicePaymentFailed, "cus_missing", occurred, nil))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %q", result.Outcome)
	}

	stored := events.events["evt_orphan"]
	if stored.Processed {
		t.Fatal("deferred event must stay unprocessed")
	}
	if stored.Note == nil || *stored.Note == "" {
		t.Fatal("deferred event must carry a note")
	}
}

func TestProcessEventDefersStaleDelivery(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	lastEventAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	account := accounts.add("cus_1", pgrepo.AccountRecord{
		ID:                 1,
		SubscriptionStatus: enums.SubscriptionActive,
		LastEventAt:        &lastEventAt,
	})
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	stale := lastEventAt.Add(-time.Hour)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_stale", EventInvoicePaymentFailed, "cus_1", stale, nil))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred for stale delivery, got %q", result.Outcome)
	}
	if account.SubscriptionStatus != enums.SubscriptionActive {
		t.Fatalf("stale event must not overwrite state, got %q", account.SubscriptionStatus)
	}
	if accounts.applied != 0 {
		t.Fatalf("expected no state changes, got %d", accounts.applied)
	}
	stored := events.events["evt_stale"]
	if stored.Note == nil || !strings.HasPrefix(*stored.Note, pgrepo.StaleNotePrefix) {
		t.Fatalf("stale event note must carry the sweep-exclusion prefix, got %v", stored.Note)
	}
}

func TestProcessEventUnknownPlanKeepsEventRetryable(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	accounts.add("cus_1", pgrepo.AccountRecord{ID: 1})
	plans := &planStoreStub{byPrice: map[string]pgrepo.PlanRecord{}}
	svc := newTestService(events, accounts, plans, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), subscriptionEvent("evt_plan", EventSubscriptionUpdated, "cus_1", "price_unknown", occurred))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed for unknown plan, got %q", result.Outcome)
	}

	stored := events.events["evt_plan"]
	if stored.Processed {
		t.Fatal("unknown plan event must stay unprocessed")
	}
	if accounts.applied != 0 {
		t.Fatalf("expected no state changes, got %d", accounts.applied)
	}
}

func TestProcessEventPaymentFailureMarksPastDue(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	account := accounts.add("cus_1", pgrepo.AccountRecord{ID: 1, SubscriptionStatus: enums.SubscriptionActive})
	svc := newTestService(events, accounts, &planStoreStub{}, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_fail", EventInvoicePaymentFailed, "cus_1", occurred, nil))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", result.Outcome)
	}
	if account.SubscriptionStatus != enums.SubscriptionPastDue {
		t.Fatalf("expected past_due, got %q", account.SubscriptionStatus)
	}
}

func TestProcessEventSubscriptionDeletedResetsAccount(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	planID := int64(10)
	account := accounts.add("cus_1", pgrepo.AccountRecord{
		ID:                 1,
		SubscriptionStatus: enums.SubscriptionActive,
		PlanID:             &planID,
	})
	svc := newTestService(events, accounts, &planStoreStub{}, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_del", EventSubscriptionDeleted, "cus_1", occurred, nil))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", result.Outcome)
	}
	if account.PlanID != nil {
		t.Fatalf("expected plan cleared, got %v", account.PlanID)
	}
}

func TestProcessEventIgnoresUnknownType(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	svc := newTestService(events, accounts, &planStoreStub{}, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_other", "customer.created", "cus_1", occurred, nil))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %q", result.Outcome)
	}
	if stored := events.events["evt_other"]; !stored.Processed {
		t.Fatal("ignored event should be marked processed")
	}
}

func TestProcessEventDispatchesCheckout(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	accounts.add("cus_1", pgrepo.AccountRecord{ID: 1})
	dispatcher := &dispatcherStub{note: "ebook coupon minted", withAfter: true}
	svc := newTestService(events, accounts, &planStoreStub{}, dispatcher)

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ProcessEvent(context.Background(), simpleEvent("evt_checkout", EventCheckoutCompleted, "cus_1", occurred, map[string]any{
		"metadata": map[string]string{"product_type": "ebook"},
	}))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", result.Outcome)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.calls)
	}
	if dispatcher.afterCalls != 1 {
		t.Fatalf("expected followup to run after commit, got %d", dispatcher.afterCalls)
	}
	if result.Note != "ebook coupon minted" {
		t.Fatalf("unexpected note %q", result.Note)
	}
	if stored := events.events["evt_checkout"]; !stored.Processed {
		t.Fatal("expected checkout event marked processed")
	}
}

func TestReprocessAppliesStoredEvent(t *testing.T) {
	events := newEventStoreStub()
	accounts := newAccountStoreStub()
	svc := newTestService(events, accounts, &planStoreStub{}, &dispatcherStub{})

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delivery := simpleEvent("evt_late", EventInvoicePaymentFailed, "cus_late", occurred, nil)

	result, err := svc.ProcessEvent(context.Background(), delivery)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred before account exists, got %q", result.Outcome)
	}

	account := accounts.add("cus_late", pgrepo.AccountRecord{ID: 5, SubscriptionStatus: enums.SubscriptionActive})

	replayed, err := svc.Reprocess(context.Background(), "evt_late")
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if replayed.Outcome != OutcomeApplied {
		t.Fatalf("expected applied on reprocess, got %q", replayed.Outcome)
	}
	if account.SubscriptionStatus != enums.SubscriptionPastDue {
		t.Fatalf("expected past_due after reprocess, got %q", account.SubscriptionStatus)
	}

	again, err := svc.Reprocess(context.Background(), "evt_late")
	if err != nil {
		t.Fatalf("second reprocess: %v", err)
	}
	if again.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %q", again.Outcome)
	}
}
