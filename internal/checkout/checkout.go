// Package checkout starts a purchase: it creates the processor payment
// intent carrying the user and assessment metadata, then records a pending
// purchase keyed by the intent's reference.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/assessly/assessly/internal/idgen"
	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/processor"
	"github.com/assessly/assessly/internal/purchases"
	"github.com/assessly/assessly/internal/traces"
)

// ErrProcessorFailed wraps any failure to create the payment intent.
var ErrProcessorFailed = errors.New("checkout: payment processor failed")

// Request starts a checkout.
type Request struct {
	UserID       string `json:"userId" validate:"required,identifier"`
	AssessmentID string `json:"assessmentId" validate:"required,identifier"`
	ContentType  string `json:"contentType,omitempty" validate:"omitempty,max=64"`
	Amount       int64  `json:"amount" validate:"gt=0"`
	Currency     string `json:"currency" validate:"required,currency"`
	Email        string `json:"email,omitempty" validate:"omitempty,email,max=254"`
}

// Session is what the client needs to complete payment.
type Session struct {
	PurchaseID         string `json:"purchaseId"`
	ProcessorReference string `json:"processorReference"`
	ClientSecret       string `json:"clientSecret"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	RealtimeToken      string `json:"realtimeToken,omitempty"` // admits the user to /v1/ws
}

// TokenIssuer mints realtime tokens bound to one user.
type TokenIssuer interface {
	Issue(userID string) string
}

// Purchases records pending purchases.
type Purchases interface {
	CreatePending(ctx context.Context, reference string, meta purchases.Metadata, amount int64, currency, email string) (*purchases.Purchase, error)
	GetPurchaseByReference(ctx context.Context, reference string) (*purchases.Purchase, error)
}

// Service creates checkouts.
type Service struct {
	processor processor.Processor
	purchases Purchases
	tokens    TokenIssuer
}

// NewService creates a checkout service.
func NewService(p processor.Processor, purchases Purchases) *Service {
	return &Service{processor: p, purchases: purchases}
}

// WithTokenIssuer makes Start include a realtime token in each session.
func (s *Service) WithTokenIssuer(t TokenIssuer) *Service {
	s.tokens = t
	return s
}

// Start creates the payment intent and the pending purchase. If the
// processor call fails nothing is recorded. A replayed idempotency key
// returns the purchase already recorded for the intent.
func (s *Service) Start(ctx context.Context, req Request, idempotencyKey string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.Start",
		traces.UserID(req.UserID), traces.AssessmentID(req.AssessmentID))
	defer span.End()

	meta := purchases.Metadata{
		UserID:       req.UserID,
		AssessmentID: req.AssessmentID,
		ContentType:  req.ContentType,
	}
	if meta.ContentType == "" {
		meta.ContentType = purchases.DefaultContentType
	}
	if idempotencyKey == "" {
		idempotencyKey = idgen.New()
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, processor.CheckoutParams{
		Amount:         req.Amount,
		Currency:       strings.ToLower(req.Currency),
		Email:          req.Email,
		Metadata:       meta.Map(),
		IdempotencyKey: "checkout-" + idempotencyKey,
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("%w: %w", ErrProcessorFailed, err)
	}
	span.SetAttributes(traces.Reference(intent.ID))

	p, err := s.purchases.CreatePending(ctx, intent.ID, meta, req.Amount, req.Currency, req.Email)
	if errors.Is(err, purchases.ErrDuplicateReference) {
		p, err = s.purchases.GetPurchaseByReference(ctx, intent.ID)
	}
	if err != nil {
		// The intent exists without a local row; its webhook will create one.
		traces.Fail(span, err)
		logging.L(ctx).Error("failed to record pending purchase", "reference", intent.ID, "error", err)
		return nil, fmt.Errorf("record pending purchase: %w", err)
	}

	session := &Session{
		PurchaseID:         p.ID,
		ProcessorReference: intent.ID,
		ClientSecret:       intent.ClientSecret,
		Amount:             p.Amount,
		Currency:           p.Currency,
	}
	if s.tokens != nil {
		session.RealtimeToken = s.tokens.Issue(req.UserID)
	}
	return session, nil
}
