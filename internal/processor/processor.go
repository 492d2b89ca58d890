// Package processor talks to the external payment processor: creating
// payment intents at checkout and issuing refunds for the admin tooling.
package processor

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the processor could not be reached or the
	// circuit is open. Nothing was changed on the processor side.
	ErrUnavailable = errors.New("processor: unavailable")
	// ErrRejected means the processor refused the request (declined card,
	// invalid parameters). Retrying will not help.
	ErrRejected = errors.New("processor: request rejected")
	// ErrAlreadyRefunded means the charge had already been refunded.
	ErrAlreadyRefunded = errors.New("processor: already refunded")
	// ErrRefundFailed means the refund was created but did not go through.
	ErrRefundFailed = errors.New("processor: refund failed")
)

// Refund reasons accepted by the processor.
const (
	ReasonRequestedByCustomer = "requested_by_customer"
	ReasonDuplicate           = "duplicate"
	ReasonFraudulent          = "fraudulent"
)

// RefundResult is the processor's confirmation of a refund.
type RefundResult struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// CheckoutParams describes a payment intent to create.
type CheckoutParams struct {
	Amount         int64
	Currency       string
	Email          string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is a created payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// Processor is the subset of the payment processor API this service uses.
type Processor interface {
	Refund(ctx context.Context, paymentIntentID, reason string) (*RefundResult, error)
	CreatePaymentIntent(ctx context.Context, p CheckoutParams) (*Intent, error)
}

// ValidRefundReason reports whether reason is one the processor accepts.
// An empty reason is allowed and sent as requested_by_customer.
func ValidRefundReason(reason string) bool {
	switch reason {
	case "", ReasonRequestedByCustomer, ReasonDuplicate, ReasonFraudulent:
		return true
	}
	return false
}
