package stripehook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
)

var (
	ErrInvalidSignature = errors.New("stripehook: invalid signature")
	ErrBadPayload       = errors.New("stripehook: malformed event payload")
)

// Event types handled by this service.
const (
	TypePaymentIntentSucceeded = string(stripe.EventTypePaymentIntentSucceeded)
	TypePaymentIntentFailed    = string(stripe.EventTypePaymentIntentPaymentFailed)
	TypePaymentIntentCanceled  = string(stripe.EventTypePaymentIntentCanceled)
	TypeCheckoutCompleted      = string(stripe.EventTypeCheckoutSessionCompleted)
	TypeChargeRefunded         = string(stripe.EventTypeChargeRefunded)
)

// Event is a decoded webhook event. Object holds the raw data.object.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

// Decode parses an authentic payload. Any structural problem is reported
// as ErrBadPayload.
func Decode(payload []byte) (*Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrBadPayload)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadPayload)
	}
	if raw.Data == nil || len(bytes.TrimSpace(raw.Data.Raw)) == 0 || raw.Data.Raw[0] != '{' {
		return nil, fmt.Errorf("%w: missing data.object", ErrBadPayload)
	}
	return &Event{
		ID:       raw.ID,
		Type:     string(raw.Type),
		Created:  time.Unix(raw.Created, 0).UTC(),
		Livemode: raw.Livemode,
		Object:   raw.Data.Raw,
	}, nil
}

// PaymentIntent decodes the event object as a payment intent.
func (e *Event) PaymentIntent() (*stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := e.decodeObject(&pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// Charge decodes the event object as a charge.
func (e *Event) Charge() (*stripe.Charge, error) {
	var ch stripe.Charge
	if err := e.decodeObject(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CheckoutSession decodes the event object as a checkout session.
func (e *Event) CheckoutSession() (*stripe.CheckoutSession, error) {
	var cs stripe.CheckoutSession
	if err := e.decodeObject(&cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (e *Event) decodeObject(v any) error {
	if err := json.Unmarshal(e.Object, v); err != nil {
		return fmt.Errorf("%w: %s object: %v", ErrBadPayload, e.Type, err)
	}
	return nil
}
