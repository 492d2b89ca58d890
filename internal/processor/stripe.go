package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/assessly/assessly/internal/circuitbreaker"
	"github.com/assessly/assessly/internal/metrics"
	"github.com/assessly/assessly/internal/retry"
	"github.com/assessly/assessly/internal/traces"
)

const (
	opRefund        = "refund"
	opPaymentIntent = "payment_intent"
)

// StripeProcessor implements Processor on the Stripe API. Every mutating
// call carries an idempotency key, runs through a per-operation circuit
// breaker, and is retried on transient failures.
type StripeProcessor struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

var _ Processor = (*StripeProcessor)(nil)

// NewStripe creates a processor for the given secret key. backends may be
// nil to use the default Stripe endpoints.
func NewStripe(secretKey string, backends *stripe.Backends, logger *slog.Logger) *StripeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProcessor{
		api:     client.New(secretKey, backends),
		breaker: NewBreaker(DefaultBreakerFailures, DefaultBreakerCooldown),
		policy:  retry.DefaultPolicy,
		logger:  logger,
	}
}

// Circuit breaker defaults.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// NewBreaker creates a per-operation breaker that opens after failures
// consecutive transient errors and stays open for cooldown. Permanent errors
// such as declines never count against it.
func NewBreaker(failures int, cooldown time.Duration) *circuitbreaker.Breaker {
	return circuitbreaker.New(failures, cooldown).
		WithFailureFilter(func(err error) bool { return !retry.IsPermanent(err) })
}

// NewBackends returns Stripe backends pointed at baseURL with the
// library's own network retries disabled, so retry.Policy is the only
// retry loop.
func NewBackends(baseURL string, httpClient *http.Client) *stripe.Backends {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

// WithRetryPolicy replaces the retry policy.
func (s *StripeProcessor) WithRetryPolicy(p retry.Policy) *StripeProcessor {
	s.policy = p
	return s
}

// WithBreaker replaces the circuit breaker.
func (s *StripeProcessor) WithBreaker(b *circuitbreaker.Breaker) *StripeProcessor {
	s.breaker = b
	return s
}

// Refund refunds the full amount captured by a payment intent.
func (s *StripeProcessor) Refund(ctx context.Context, paymentIntentID, reason string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "processor.Refund", traces.Reference(paymentIntentID))
	defer span.End()

	if reason == "" {
		reason = ReasonRequestedByCustomer
	}

	var result *RefundResult
	err := s.call(ctx, opRefund, func() error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(paymentIntentID),
			Reason:        stripe.String(reason),
		}
		params.Context = ctx
		params.SetIdempotencyKey("refund-" + paymentIntentID)

		r, err := s.api.Refunds.New(params)
		if err != nil {
			return err
		}
		result = &RefundResult{
			ID:              r.ID,
			PaymentIntentID: paymentIntentID,
			Amount:          r.Amount,
			Currency:        string(r.Currency),
			Status:          string(r.Status),
		}
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	switch stripe.RefundStatus(result.Status) {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		err = fmt.Errorf("%w: refund %s is %s", ErrRefundFailed, result.ID, result.Status)
		traces.Fail(span, err)
		return result, err
	}
	return result, nil
}

// CreatePaymentIntent creates a payment intent with automatic payment methods.
func (s *StripeProcessor) CreatePaymentIntent(ctx context.Context, p CheckoutParams) (*Intent, error) {
	ctx, span := traces.StartSpan(ctx, "processor.CreatePaymentIntent")
	defer span.End()

	var intent *Intent
	err := s.call(ctx, opPaymentIntent, func() error {
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(p.Amount),
			Currency: stripe.String(strings.ToLower(p.Currency)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		if p.Email != "" {
			params.ReceiptEmail = stripe.String(p.Email)
		}
		for k, v := range p.Metadata {
			params.AddMetadata(k, v)
		}
		params.Context = ctx
		if p.IdempotencyKey != "" {
			params.SetIdempotencyKey(p.IdempotencyKey)
		}

		pi, err := s.api.PaymentIntents.New(params)
		if err != nil {
			return err
		}
		intent = &Intent{
			ID:           pi.ID,
			ClientSecret: pi.ClientSecret,
			Amount:       pi.Amount,
			Currency:     string(pi.Currency),
			Status:       string(pi.Status),
		}
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return intent, nil
}

// call runs fn under the breaker and retry policy, classifying Stripe
// errors and timing each attempt.
func (s *StripeProcessor) call(ctx context.Context, op string, fn func() error) error {
	err := s.policy.Do(ctx, func(attempt int) error {
		timer := prometheus.NewTimer(metrics.ProcessorCallDuration.WithLabelValues(op))
		err := s.breaker.Execute(op, func() error { return classify(fn()) })
		timer.ObserveDuration()

		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %s circuit open", ErrUnavailable, op))
		}
		if err != nil && !retry.IsPermanent(err) {
			s.logger.Warn("processor call failed", "operation", op, "attempt", attempt+1, "error", err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, ErrUnavailable) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}

// classify maps Stripe errors onto this package's sentinels. Client-side
// errors are marked permanent; everything else is left retriable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == stripe.ErrorCodeChargeAlreadyRefunded:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrAlreadyRefunded, se.Msg))
		case se.Type == stripe.ErrorTypeCard, se.Type == stripe.ErrorTypeInvalidRequest:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, se.Msg))
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
