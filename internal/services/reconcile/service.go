package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	stripe "github.com/stripe/stripe-go/v75"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

const (
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaymentOK      = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventPaymentMethodAttached = "payment_method.attached"
	EventCheckoutCompleted     = "checkout.session.completed"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrEventNotFound = errors.New("event not found")
)

// Outcome classifies what a single delivery did to the account state.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeFailed           Outcome = "failed"
)

type Result struct {
	Outcome Outcome
	EventID string
	Note    string

	// after runs once the transaction has committed. Fulfillment uses it
	// for provider calls and mail that must not hold the account lock.
	after func(context.Context)
}

type EventStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, record pgrepo.InboundEventRecord) error
	FindForUpdateTx(ctx context.Context, tx pgx.Tx, eventID string) (pgrepo.InboundEventRecord, error)
	MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID, note string) error
	RecordNoteTx(ctx context.Context, tx pgx.Tx, eventID, note string) error
}

type AccountStore interface {
	LockByCustomerRefTx(ctx context.Context, tx pgx.Tx, customerRef string) (pgrepo.AccountRecord, error)
	SetSubscriptionTx(ctx context.Context, tx pgx.Tx, accountID int64, update pgrepo.SubscriptionUpdate) error
	ClearSubscriptionTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error
	MarkInvoicePaidTx(ctx context.Context, tx pgx.Tx, accountID int64, nextBillingAt *time.Time, eventAt time.Time) error
	MarkPastDueTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error
	SetValidPaymentMethodTx(ctx context.Context, tx pgx.Tx, accountID int64, eventAt time.Time) error
}

type PlanStore interface {
	FindByPriceRef(ctx context.Context, stripePriceID string) (pgrepo.PlanRecord, error)
}

// Dispatcher fulfills one-time purchases carried by checkout events. The
// database effects run inside the same transaction that marks the event
// processed; the returned followup, if any, is invoked only after that
// transaction commits.
type Dispatcher interface {
	DispatchTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, event pgrepo.InboundEventRecord) (string, func(context.Context), error)
}

type Service struct {
	events     EventStore
	accounts   AccountStore
	plans      PlanStore
	dispatcher Dispatcher
	runInTx    func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	now        func() time.Time
}

type Dependencies struct {
	Pool       *pgxpool.Pool
	Events     EventStore
	Accounts   AccountStore
	Plans      PlanStore
	Dispatcher Dispatcher
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		events:     deps.Events,
		accounts:   deps.Accounts,
		plans:      deps.Plans,
		dispatcher: deps.Dispatcher,
		now:        time.Now,
	}
	if deps.Pool != nil {
		s.runInTx = func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
			return pgrepo.WithTx(ctx, deps.Pool, fn)
		}
	}
	return s
}

// ProcessEvent stores and applies a freshly delivered event. Redelivery of an
// already stored event id returns AlreadyProcessed without touching state.
func (s *Service) ProcessEvent(ctx context.Context, event stripe.Event) (Result, error) {
	if s.events == nil || s.accounts == nil || s.runInTx == nil {
		return Result{}, fmt.Errorf("reconcile dependencies are not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return Result{}, ErrValidation
	}

	record := pgrepo.InboundEventRecord{
		ID:          event.ID,
		Type:        string(event.Type),
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
		CustomerRef: customerRefFromEvent(event),
		Payload:     event.Data.Raw,
	}
	if event.Created == 0 {
		record.OccurredAt = s.now().UTC()
	}

	var result Result
	err := s.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.events.InsertTx(ctx, tx, record); err != nil {
			return err
		}
		r, err := s.applyTx(ctx, tx, record)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, pgrepo.ErrEventExists) {
			return Result{Outcome: OutcomeAlreadyProcessed, EventID: event.ID}, nil
		}
		return Result{}, err
	}

	if result.after != nil {
		result.after(ctx)
	}
	return result, nil
}

// Reprocess re-admits a stored, still unprocessed event. Used by the sweep
// job; a concurrent delivery that already processed the row is reported as
// AlreadyProcessed.
func (s *Service) Reprocess(ctx context.Context, eventID string) (Result, error) {
	if s.events == nil || s.accounts == nil || s.runInTx == nil {
		return Result{}, fmt.Errorf("reconcile dependencies are not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Result{}, ErrValidation
	}

	var result Result
	err := s.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		record, err := s.events.FindForUpdateTx(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, pgrepo.ErrEventNotFound) {
				return ErrEventNotFound
			}
			return err
		}
		if record.Processed {
			result = Result{Outcome: OutcomeAlreadyProcessed, EventID: eventID}
			return nil
		}
		r, err := s.applyTx(ctx, tx, record)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.after != nil {
		result.after(ctx)
	}
	return result, nil
}

// applyTx runs the state transition for one event. Paths that keep the event
// unprocessed still commit, so the row and its note survive for later sweeps.
func (s *Service) applyTx(ctx context.Context, tx pgx.Tx, record pgrepo.InboundEventRecord) (Result, error) {
	switch record.Type {
	case EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaymentOK,
		EventInvoicePaymentFailed,
		EventPaymentMethodAttached:
		return s.applyAccountEventTx(ctx, tx, record)
	case EventCheckoutCompleted:
		return s.applyCheckoutTx(ctx, tx, record)
	default:
		note := "ignored event type " + record.Type
		if err := s.events.MarkProcessedTx(ctx, tx, record.ID, note); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored, EventID: record.ID, Note: note}, nil
	}
}

func (s *Service) applyAccountEventTx(ctx context.Context, tx pgx.Tx, record pgrepo.InboundEventRecord) (Result, error) {
	if record.CustomerRef == nil || *record.CustomerRef == "" {
		note := "no customer reference in payload"
		if err := s.events.MarkProcessedTx(ctx, tx, record.ID, note); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored, EventID: record.ID, Note: note}, nil
	}

	account, err := s.accounts.LockByCustomerRefTx(ctx, tx, *record.CustomerRef)
	if err != nil {
		if errors.Is(err, pgrepo.ErrAccountNotFound) {
			note := "no account for customer " + *record.CustomerRef
			if err := s.events.RecordNoteTx(ctx, tx, record.ID, note); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeDeferred, EventID: record.ID, Note: note}, nil
		}
		return Result{}, err
	}

	// Last writer wins by processor timestamp. An event at or before the
	// account's high-water mark must not overwrite newer state.
	if account.LastEventAt != nil && !record.OccurredAt.After(*account.LastEventAt) {
		note := fmt.Sprintf("%s occurred_at %s <= last_event_at %s", pgrepo.StaleNotePrefix,
			record.OccurredAt.Format(time.RFC3339), account.LastEventAt.Format(time.RFC3339))
		if err := s.events.RecordNoteTx(ctx, tx, record.ID, note); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDeferred, EventID: record.ID, Note: note}, nil
	}

	switch record.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return s.applySubscriptionTx(ctx, tx, account, record)
	case EventSubscriptionDeleted:
		if err := s.accounts.ClearSubscriptionTx(ctx, tx, account.ID, record.OccurredAt); err != nil {
			return Result{}, err
		}
	case EventInvoicePaymentOK:
		invoice, err := parseInvoice(record.Payload)
		if err != nil {
			return s.failTx(ctx, tx, record, "parse invoice: "+err.Error())
		}
		if err := s.accounts.MarkInvoicePaidTx(ctx, tx, account.ID, invoicePeriodEnd(invoice), record.OccurredAt); err != nil {
			return Result{}, err
		}
	case EventInvoicePaymentFailed:
		if err := s.accounts.MarkPastDueTx(ctx, tx, account.ID, record.OccurredAt); err != nil {
			return Result{}, err
		}
	case EventPaymentMethodAttached:
		if err := s.accounts.SetValidPaymentMethodTx(ctx, tx, account.ID, record.OccurredAt); err != nil {
			return Result{}, err
		}
	}

	if err := s.events.MarkProcessedTx(ctx, tx, record.ID, ""); err != nil {
		return Result{}, err
	}

	return Result{Outcome: OutcomeApplied, EventID: record.ID}, nil
}

func (s *Service) applySubscriptionTx(ctx context.Context, tx pgx.Tx, account pgrepo.AccountRecord, record pgrepo.InboundEventRecord) (Result, error) {
	sub, err := parseSubscription(record.Payload)
	if err != nil {
		return s.failTx(ctx, tx, record, "parse subscription: "+err.Error())
	}

	priceID := subscriptionPriceRef(sub)
	if priceID == "" {
		return s.failTx(ctx, tx, record, "subscription has no price")
	}
	if s.plans == nil {
		return Result{}, fmt.Errorf("plan store is nil")
	}

	plan, err := s.plans.FindByPriceRef(ctx, priceID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPlanNotFound) {
			return s.failTx(ctx, tx, record, "unknown plan price "+priceID)
		}
		return Result{}, err
	}

	update := pgrepo.SubscriptionUpdate{
		Status:  enums.NormalizeSubscriptionStatus(string(sub.Status)),
		EventAt: record.OccurredAt,
	}
	if sub.ID != "" {
		update.SubscriptionID = &sub.ID
	}
	update.PlanID = &plan.ID
	// The first subscription event consumes any signup coupon; later updates
	// carry the flag forward instead of resetting it.
	update.CouponUsed = account.CouponUsed
	if record.Type == EventSubscriptionCreated {
		update.CouponUsed = true
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		update.NextBillingAt = &end
	}

	if err := s.accounts.SetSubscriptionTx(ctx, tx, account.ID, update); err != nil {
		return Result{}, err
	}
	if err := s.events.MarkProcessedTx(ctx, tx, record.ID, ""); err != nil {
		return Result{}, err
	}

	return Result{Outcome: OutcomeApplied, EventID: record.ID}, nil
}

func (s *Service) applyCheckoutTx(ctx context.Context, tx pgx.Tx, record pgrepo.InboundEventRecord) (Result, error) {
	if s.dispatcher == nil {
		return Result{}, fmt.Errorf("fulfillment dispatcher is nil")
	}

	var account pgrepo.AccountRecord
	if record.CustomerRef != nil && *record.CustomerRef != "" {
		found, err := s.accounts.LockByCustomerRefTx(ctx, tx, *record.CustomerRef)
		if err != nil {
			if errors.Is(err, pgrepo.ErrAccountNotFound) {
				note := "no account for customer " + *record.CustomerRef
				if err := s.events.RecordNoteTx(ctx, tx, record.ID, note); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeDeferred, EventID: record.ID, Note: note}, nil
			}
			return Result{}, err
		}
		account = found
	} else {
		note := "no customer reference in checkout session"
		if err := s.events.MarkProcessedTx(ctx, tx, record.ID, note); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored, EventID: record.ID, Note: note}, nil
	}

	note, after, err := s.dispatcher.DispatchTx(ctx, tx, account, record)
	if err != nil {
		return Result{}, err
	}
	if err := s.events.MarkProcessedTx(ctx, tx, record.ID, note); err != nil {
		return Result{}, err
	}

	return Result{Outcome: OutcomeApplied, EventID: record.ID, Note: note, after: after}, nil
}

// failTx keeps the event unprocessed with a note and commits, so the row is
// visible to operators and the sweep.
func (s *Service) failTx(ctx context.Context, tx pgx.Tx, record pgrepo.InboundEventRecord, note string) (Result, error) {
	if err := s.events.RecordNoteTx(ctx, tx, record.ID, note); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeFailed, EventID: record.ID, Note: note}, nil
}

func parseSubscription(raw []byte) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return stripe.Subscription{}, err
	}
	return sub, nil
}

func parseInvoice(raw []byte) (stripe.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return stripe.Invoice{}, err
	}
	return invoice, nil
}

func subscriptionPriceRef(sub stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func invoicePeriodEnd(invoice stripe.Invoice) *time.Time {
	if invoice.Lines == nil || len(invoice.Lines.Data) == 0 {
		return nil
	}
	line := invoice.Lines.Data[0]
	if line == nil || line.Period == nil || line.Period.End == 0 {
		return nil
	}
	end := time.Unix(line.Period.End, 0).UTC()
	return &end
}

// customerRefFromEvent pulls the customer id out of the raw payload without
// committing to a full object parse.
func customerRefFromEvent(event stripe.Event) *string {
	var peek struct {
		Customer json.RawMessage `json:"customer"`
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(event.Data.Raw, &peek); err != nil {
		return nil
	}
	if len(peek.Customer) == 0 {
		return nil
	}

	var id string
	if err := json.Unmarshal(peek.Customer, &id); err == nil {
		if id == "" {
			return nil
		}
		return &id
	}

	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(peek.Customer, &expanded); err == nil && expanded.ID != "" {
		return &expanded.ID
	}

	return nil
}
