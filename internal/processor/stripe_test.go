package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assessly/internal/circuitbreaker"
	"github.com/assessly/assessly/internal/retry"
)

type fakeStripe struct {
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string]string
	respond  func(n int, w http.ResponseWriter, r *http.Request)
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, r)
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.forms = append(f.forms, form)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	f.respond(n, w, r)
}

func (f *fakeStripe) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestProcessor(t *testing.T, f *fakeStripe) *StripeProcessor {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewStripe("sk_test_123", NewBackends(srv.URL, srv.Client()), nil).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep}).
		WithBreaker(circuitbreaker.New(10, time.Hour))
}

func writeStripeError(w http.ResponseWriter, status int, typ, code, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"type":"` + typ + `","code":"` + code + `","message":"` + msg + `"}}`))
}

func TestStripeProcessor_Refund(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":1200,"currency":"usd","status":"succeeded","payment_intent":"pi_1"}`))
	}}
	p := newTestProcessor(t, f)

	res, err := p.Refund(context.Background(), "pi_1", "")
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.ID)
	assert.Equal(t, int64(1200), res.Amount)
	assert.Equal(t, "usd", res.Currency)
	assert.Equal(t, "succeeded", res.Status)

	require.Equal(t, 1, f.count())
	req := f.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/refunds", req.URL.Path)
	assert.Equal(t, "refund-pi_1", req.Header.Get("Idempotency-Key"))
	assert.Equal(t, "pi_1", f.forms[0]["payment_intent"])
	assert.Equal(t, ReasonRequestedByCustomer, f.forms[0]["reason"])
}

func TestStripeProcessor_RefundRetriesServerErrors(t *testing.T) {
	f := &fakeStripe{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n < 2 {
			writeStripeError(w, http.StatusInternalServerError, "api_error", "", "try again")
			return
		}
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":1200,"currency":"usd","status":"succeeded"}`))
	}}
	p := newTestProcessor(t, f)

	_, err := p.Refund(context.Background(), "pi_1", ReasonDuplicate)
	require.NoError(t, err)
	assert.Equal(t, 3, f.count())
	for _, r := range f.requests {
		assert.Equal(t, "refund-pi_1", r.Header.Get("Idempotency-Key"), "retries reuse the key")
	}
}

func TestStripeProcessor_RefundExhaustsRetries(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusServiceUnavailable, "api_error", "", "down")
	}}
	p := newTestProcessor(t, f)

	_, err := p.Refund(context.Background(), "pi_1", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, f.count())
}

func TestStripeProcessor_RejectedIsNotRetried(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusBadRequest, "invalid_request_error", "resource_missing", "No such payment_intent")
	}}
	p := newTestProcessor(t, f)

	_, err := p.Refund(context.Background(), "pi_missing", "")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, f.count())
}

func TestStripeProcessor_AlreadyRefunded(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusBadRequest, "invalid_request_error", "charge_already_refunded", "Charge has already been refunded.")
	}}
	p := newTestProcessor(t, f)

	_, err := p.Refund(context.Background(), "pi_1", "")
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, 1, f.count())
}

func TestStripeProcessor_RefundFailedStatus(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":1200,"currency":"usd","status":"failed"}`))
	}}
	p := newTestProcessor(t, f)

	res, err := p.Refund(context.Background(), "pi_1", "")
	assert.ErrorIs(t, err, ErrRefundFailed)
	require.NotNil(t, res)
	assert.Equal(t, "failed", res.Status)
}

func TestStripeProcessor_CircuitOpens(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusInternalServerError, "api_error", "", "down")
	}}
	p := newTestProcessor(t, f).WithBreaker(circuitbreaker.New(2, time.Hour))

	_, err := p.Refund(context.Background(), "pi_1", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, f.count(), "the third attempt is short-circuited")

	_, err = p.Refund(context.Background(), "pi_2", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, f.count())
}

func TestStripeProcessor_CreatePaymentIntent(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_new","object":"payment_intent","amount":1200,"currency":"usd","status":"requires_payment_method","client_secret":"pi_new_secret_abc"}`))
	}}
	p := newTestProcessor(t, f)

	intent, err := p.CreatePaymentIntent(context.Background(), CheckoutParams{
		Amount:         1200,
		Currency:       "USD",
		Email:          "buyer@example.com",
		Metadata:       map[string]string{"userId": "u1", "assessmentId": "a1"},
		IdempotencyKey: "checkout-req_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_new", intent.ID)
	assert.Equal(t, "pi_new_secret_abc", intent.ClientSecret)

	require.Equal(t, 1, f.count())
	assert.Equal(t, "/v1/payment_intents", f.requests[0].URL.Path)
	assert.Equal(t, "checkout-req_1", f.requests[0].Header.Get("Idempotency-Key"))
	form := f.forms[0]
	assert.Equal(t, "1200", form["amount"])
	assert.Equal(t, "usd", form["currency"])
	assert.Equal(t, "buyer@example.com", form["receipt_email"])
	assert.Equal(t, "u1", form["metadata[userId]"])
	assert.Equal(t, "a1", form["metadata[assessmentId]"])
	assert.Equal(t, "true", form["automatic_payment_methods[enabled]"])
}

func TestStripeProcessor_CardDeclined(t *testing.T) {
	f := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusPaymentRequired, "card_error", "card_declined", "Your card was declined.")
	}}
	p := newTestProcessor(t, f)

	_, err := p.CreatePaymentIntent(context.Background(), CheckoutParams{Amount: 1200, Currency: "usd"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, f.count())
}

func TestNewBreaker_DeclinesDoNotOpen(t *testing.T) {
	declines := &fakeStripe{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeStripeError(w, http.StatusPaymentRequired, "card_error", "card_declined", "Your card was declined.")
	}}
	breaker := NewBreaker(2, time.Hour)
	p := newTestProcessor(t, declines).WithBreaker(breaker)

	for i := 0; i < 3; i++ {
		_, err := p.CreatePaymentIntent(context.Background(), CheckoutParams{Amount: 1200, Currency: "usd"})
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, 3, declines.count())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(opPaymentIntent))
}

func TestValidRefundReason(t *testing.T) {
	assert.True(t, ValidRefundReason(""))
	assert.True(t, ValidRefundReason(ReasonFraudulent))
	assert.False(t, ValidRefundReason("changed_my_mind"))
}
