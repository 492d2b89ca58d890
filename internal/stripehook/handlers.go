package stripehook

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/purchases"
)

// Lifecycle is the part of the purchase service the handlers drive.
type Lifecycle interface {
	RecordSucceeded(ctx context.Context, in purchases.PaymentOutcome) (*purchases.Transition, error)
	RecordFailed(ctx context.Context, in purchases.PaymentOutcome) (*purchases.Transition, error)
	RecordCancelled(ctx context.Context, in purchases.PaymentOutcome) (*purchases.Transition, error)
	RecordRefunded(ctx context.Context, reference, eventID string) (*purchases.Transition, error)
}

// Handlers applies payment events to the purchase lifecycle.
type Handlers struct {
	lifecycle Lifecycle
}

// NewHandlers creates lifecycle handlers.
func NewHandlers(lifecycle Lifecycle) *Handlers {
	return &Handlers{lifecycle: lifecycle}
}

// Register installs every handled event type on d.
func (h *Handlers) Register(d *Dispatcher) {
	d.Handle(TypePaymentIntentSucceeded, h.PaymentSucceeded)
	d.Handle(TypeCheckoutCompleted, h.CheckoutCompleted)
	d.Handle(TypePaymentIntentFailed, h.PaymentFailed)
	d.Handle(TypePaymentIntentCanceled, h.PaymentCanceled)
	d.Handle(TypeChargeRefunded, h.ChargeRefunded)
}

// PaymentSucceeded handles payment_intent.succeeded.
func (h *Handlers) PaymentSucceeded(ctx context.Context, ev *Event) (Result, error) {
	pi, err := ev.PaymentIntent()
	if err != nil {
		return Result{}, err
	}
	meta, err := parseMetadata(pi.Metadata)
	if err != nil {
		return Result{}, err
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	tr, err := h.lifecycle.RecordSucceeded(ctx, purchases.PaymentOutcome{
		EventID:       ev.ID,
		Reference:     pi.ID,
		Metadata:      meta,
		Amount:        amount,
		Currency:      string(pi.Currency),
		CustomerEmail: pi.ReceiptEmail,
	})
	if err != nil {
		return Result{}, referenceError(err)
	}
	return Result{Success: true, Message: succeededMessage(tr)}, nil
}

// CheckoutCompleted handles checkout.session.completed. The purchase is
// keyed by the session's payment intent so later refunds resolve to it.
func (h *Handlers) CheckoutCompleted(ctx context.Context, ev *Event) (Result, error) {
	cs, err := ev.CheckoutSession()
	if err != nil {
		return Result{}, err
	}
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Result{Success: true, Message: fmt.Sprintf("checkout session payment status is %q; waiting for payment", cs.PaymentStatus)}, nil
	}
	meta, err := parseMetadata(cs.Metadata)
	if err != nil {
		return Result{}, err
	}
	reference := cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		reference = cs.PaymentIntent.ID
	}
	email := cs.CustomerEmail
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		email = cs.CustomerDetails.Email
	}
	tr, err := h.lifecycle.RecordSucceeded(ctx, purchases.PaymentOutcome{
		EventID:       ev.ID,
		Reference:     reference,
		Metadata:      meta,
		Amount:        cs.AmountTotal,
		Currency:      string(cs.Currency),
		CustomerEmail: email,
	})
	if err != nil {
		return Result{}, referenceError(err)
	}
	return Result{Success: true, Message: succeededMessage(tr)}, nil
}

// PaymentFailed handles payment_intent.payment_failed.
func (h *Handlers) PaymentFailed(ctx context.Context, ev *Event) (Result, error) {
	return h.outcome(ctx, ev, purchases.StatusFailed)
}

// PaymentCanceled handles payment_intent.canceled.
func (h *Handlers) PaymentCanceled(ctx context.Context, ev *Event) (Result, error) {
	return h.outcome(ctx, ev, purchases.StatusCancelled)
}

func (h *Handlers) outcome(ctx context.Context, ev *Event, to purchases.Status) (Result, error) {
	pi, err := ev.PaymentIntent()
	if err != nil {
		return Result{}, err
	}
	meta, err := parseMetadata(pi.Metadata)
	if err != nil {
		return Result{}, err
	}
	in := purchases.PaymentOutcome{
		EventID:       ev.ID,
		Reference:     pi.ID,
		Metadata:      meta,
		Amount:        pi.Amount,
		Currency:      string(pi.Currency),
		CustomerEmail: pi.ReceiptEmail,
	}
	record := h.lifecycle.RecordFailed
	if to == purchases.StatusCancelled {
		record = h.lifecycle.RecordCancelled
	}
	tr, err := record(ctx, in)
	if err != nil {
		return Result{}, referenceError(err)
	}
	if tr.Purchase.Status != to {
		return Result{Success: true, Message: fmt.Sprintf("purchase is %s; %s ignored", tr.Purchase.Status, to)}, nil
	}
	if !tr.PurchaseChanged {
		return Result{Success: true, Message: "already applied"}, nil
	}
	return Result{Success: true, Message: "purchase " + string(to)}, nil
}

// ChargeRefunded handles charge.refunded. A partial refund leaves access in
// place. A refund for an unknown purchase is a soft failure: it is
// reported and the event is still marked processed.
func (h *Handlers) ChargeRefunded(ctx context.Context, ev *Event) (Result, error) {
	ch, err := ev.Charge()
	if err != nil {
		return Result{}, err
	}
	reference := ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		reference = ch.PaymentIntent.ID
	}
	if reference == "" {
		return Result{}, fmt.Errorf("%w: charge has no id or payment intent", ErrBadPayload)
	}
	if !ch.Refunded && ch.AmountRefunded > 0 && ch.AmountRefunded < ch.Amount {
		return Result{Success: true, Message: fmt.Sprintf("partial refund of %d; access unchanged", ch.AmountRefunded)}, nil
	}

	tr, err := h.lifecycle.RecordRefunded(ctx, reference, ev.ID)
	if errors.Is(err, purchases.ErrPurchaseNotFound) {
		logging.L(ctx).Warn("refund for unknown purchase", "event_id", ev.ID, "reference", reference)
		return Result{Success: false, Message: "no purchase found for reference " + reference}, nil
	}
	if err != nil {
		return Result{}, err
	}
	switch {
	case tr.Purchase.Status != purchases.StatusRefunded:
		return Result{Success: true, Message: fmt.Sprintf("purchase is %s; refund ignored", tr.Purchase.Status)}, nil
	case !tr.PurchaseChanged:
		return Result{Success: true, Message: "refund already applied"}, nil
	case tr.AccessRevoked:
		return Result{Success: true, Message: "purchase refunded; access revoked"}, nil
	default:
		return Result{Success: true, Message: "purchase refunded"}, nil
	}
}

// parseMetadata maps malformed (as opposed to missing) metadata to a bad
// payload so it is not retried.
func parseMetadata(raw map[string]string) (purchases.Metadata, error) {
	meta, err := purchases.ParseMetadata(raw)
	if err != nil && !errors.Is(err, purchases.ErrMissingMetadata) {
		return meta, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return meta, err
}

func referenceError(err error) error {
	if errors.Is(err, purchases.ErrMissingReference) {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return err
}

func succeededMessage(tr *purchases.Transition) string {
	switch {
	case tr.Purchase.Status != purchases.StatusSucceeded:
		return fmt.Sprintf("purchase is %s; success ignored", tr.Purchase.Status)
	case tr.AccessGranted:
		return "purchase succeeded; access granted"
	case tr.PurchaseChanged:
		return "purchase succeeded; access already active"
	default:
		return "already applied"
	}
}
