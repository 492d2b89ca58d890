package stripehook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assessly/internal/purchases"
)

// flakyStore fails ApplySucceeded a set number of times.
type flakyStore struct {
	*purchases.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ApplySucceeded(ctx context.Context, in purchases.SucceededInput) (*purchases.Transition, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.ApplySucceeded(ctx, in)
}

type harness struct {
	store  *flakyStore
	svc    *purchases.Service
	router *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &flakyStore{MemoryStore: purchases.NewMemoryStore()}
	svc := purchases.NewService(store)
	d := NewDispatcher(store)
	NewHandlers(svc).Register(d)

	r := gin.New()
	v1 := r.Group("/v1")
	NewEndpoint(NewVerifier(testSecret, 0), d).RegisterRoutes(v1)
	purchases.NewHandler(svc).RegisterRoutes(v1)
	return &harness{store: store, svc: svc, router: r}
}

func sign(payload []byte) string {
	return signAt(payload, testSecret, time.Now())
}

func (h *harness) deliver(t *testing.T, payload []byte, header string) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(SignatureHeader, header)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (h *harness) hasAccess(t *testing.T, user, assessment string) bool {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/access/"+user+"/"+assessment, nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var st purchases.AccessStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st.HasAccess
}

func (h *harness) accessRows(t *testing.T, user, assessment string) (total, active int) {
	t.Helper()
	rows, err := h.store.ListAccess(context.Background(), user, assessment)
	require.NoError(t, err)
	for _, a := range rows {
		if a.RevokedAt == nil {
			active++
		}
	}
	return len(rows), active
}

func (h *harness) purchaseCount(t *testing.T) int {
	t.Helper()
	page, err := h.store.ListPurchases(context.Background(), purchases.ListFilter{})
	require.NoError(t, err)
	return len(page.Items)
}

func succeededEvent(t *testing.T, eventID, pi, user, assessment string) []byte {
	return eventJSON(t, eventID, TypePaymentIntentSucceeded, paymentIntentObject(pi, userMeta(user, assessment)))
}

func TestEndpoint_SucceededGrantsAccess(t *testing.T) {
	h := newHarness(t)
	payload := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "evt_1", resp.EventID)

	p, err := h.store.GetPurchaseByReference(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusSucceeded, p.Status)
	assert.Equal(t, int64(1200), p.Amount)
	assert.Equal(t, "usd", p.Currency)
	assert.Equal(t, "buyer@example.com", p.CustomerEmail)
	assert.NotNil(t, p.PaidAt)

	total, active := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
	assert.True(t, h.hasAccess(t, "u1", "a1"))
}

func TestEndpoint_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	payload := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")

	for i := 0; i < 3; i++ {
		code, resp := h.deliver(t, payload, sign(payload))
		require.Equal(t, http.StatusOK, code)
		assert.True(t, resp.Success)
	}
	total, active := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
}

func TestEndpoint_SameOutcomeUnderNewEventIDs(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		payload := succeededEvent(t, fmt.Sprintf("evt_%d", i), "pi_1", "u1", "a1")
		code, _ := h.deliver(t, payload, sign(payload))
		require.Equal(t, http.StatusOK, code)
	}
	total, active := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
}

func TestEndpoint_ConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	payload := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")
	header := sign(payload)

	var wg sync.WaitGroup
	codes := make([]int, 16)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
			req.Header.Set(SignatureHeader, header)
			w := httptest.NewRecorder()
			h.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	total, active := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
}

func TestEndpoint_RefundRevokesAccess(t *testing.T) {
	h := newHarness(t)
	paid := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")
	code, _ := h.deliver(t, paid, sign(paid))
	require.Equal(t, http.StatusOK, code)

	refund := eventJSON(t, "evt_2", TypeChargeRefunded, chargeObject("pi_1"))
	code, resp := h.deliver(t, refund, sign(refund))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "access revoked")

	p, err := h.store.GetPurchaseByReference(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusRefunded, p.Status)
	assert.NotNil(t, p.RefundedAt)

	total, active := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, active)
	assert.False(t, h.hasAccess(t, "u1", "a1"))

	// A second refund event is a quiet no-op.
	again := eventJSON(t, "evt_3", TypeChargeRefunded, chargeObject("pi_1"))
	code, resp = h.deliver(t, again, sign(again))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "refund already applied", resp.Message)

	// A late duplicate success does not bring access back.
	code, _ = h.deliver(t, paid, sign(paid))
	assert.Equal(t, http.StatusOK, code)
	late := succeededEvent(t, "evt_4", "pi_1", "u1", "a1")
	code, _ = h.deliver(t, late, sign(late))
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, h.hasAccess(t, "u1", "a1"))
}

func TestEndpoint_RefundForUnknownPurchaseIsSoftFailure(t *testing.T) {
	h := newHarness(t)
	payload := eventJSON(t, "evt_1", TypeChargeRefunded, chargeObject("pi_unknown"))

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "pi_unknown")

	rec, err := h.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestEndpoint_PartialRefundKeepsAccess(t *testing.T) {
	h := newHarness(t)
	paid := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")
	h.deliver(t, paid, sign(paid))

	obj := chargeObject("pi_1")
	obj["refunded"] = false
	obj["amount_refunded"] = 200
	payload := eventJSON(t, "evt_2", TypeChargeRefunded, obj)

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.True(t, h.hasAccess(t, "u1", "a1"))
}

func TestEndpoint_MissingMetadata(t *testing.T) {
	h := newHarness(t)
	payload := eventJSON(t, "evt_1", TypePaymentIntentSucceeded, paymentIntentObject("pi_1", map[string]string{}))

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code, "missing metadata is not retriable")
	assert.False(t, resp.Success)
	assert.Equal(t, "missing_metadata", resp.Error)
	assert.Contains(t, resp.Message, "missing required metadata")

	assert.Equal(t, 0, h.purchaseCount(t))
	total, _ := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 0, total)

	rec, err := h.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Nil(t, rec.ProcessedAt)
	assert.NotEmpty(t, rec.LastError)
}

func TestEndpoint_MalformedMetadataIDs(t *testing.T) {
	tests := map[string]map[string]string{
		"space in user":        userMeta("u 1", "a1"),
		"slash in assessment":  userMeta("u1", "a/1"),
		"leading punctuation":  userMeta("-u1", "a1"),
		"oversized assessment": userMeta("u1", strings.Repeat("a", 200)),
	}
	for name, meta := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			payload := eventJSON(t, "evt_1", TypePaymentIntentSucceeded, paymentIntentObject("pi_1", meta))

			code, resp := h.deliver(t, payload, sign(payload))
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "bad_payload", resp.Error)
			assert.Equal(t, 0, h.purchaseCount(t))
			total, _ := h.accessRows(t, meta["userId"], meta["assessmentId"])
			assert.Equal(t, 0, total)
		})
	}
}

func TestEndpoint_FailedAndCanceled(t *testing.T) {
	h := newHarness(t)

	failed := eventJSON(t, "evt_1", TypePaymentIntentFailed, paymentIntentObject("pi_f", userMeta("u1", "a1")))
	code, resp := h.deliver(t, failed, sign(failed))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "purchase failed", resp.Message)

	canceled := eventJSON(t, "evt_2", TypePaymentIntentCanceled, paymentIntentObject("pi_c", userMeta("u1", "a1")))
	code, resp = h.deliver(t, canceled, sign(canceled))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "purchase cancelled", resp.Message)

	ctx := context.Background()
	p, err := h.store.GetPurchaseByReference(ctx, "pi_f")
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusFailed, p.Status)
	p, err = h.store.GetPurchaseByReference(ctx, "pi_c")
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusCancelled, p.Status)

	total, _ := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 0, total)

	// A success arriving after the failure does not flip the purchase.
	late := succeededEvent(t, "evt_3", "pi_f", "u1", "a1")
	code, resp = h.deliver(t, late, sign(late))
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, resp.Message, "purchase is failed")
	assert.False(t, h.hasAccess(t, "u1", "a1"))
}

func TestEndpoint_CheckoutSessionCompleted(t *testing.T) {
	h := newHarness(t)
	session := map[string]any{
		"id":               "cs_1",
		"object":           "checkout.session",
		"payment_status":   "paid",
		"payment_intent":   "pi_9",
		"amount_total":     1200,
		"currency":         "usd",
		"metadata":         userMeta("u2", "a2"),
		"customer_details": map[string]any{"email": "buyer@example.com"},
	}
	payload := eventJSON(t, "evt_1", TypeCheckoutCompleted, session)

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.True(t, h.hasAccess(t, "u2", "a2"))

	p, err := h.store.GetPurchaseByReference(context.Background(), "pi_9")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", p.CustomerEmail)

	// The payment intent event for the same payment adds nothing.
	pi := succeededEvent(t, "evt_2", "pi_9", "u2", "a2")
	code, _ = h.deliver(t, pi, sign(pi))
	assert.Equal(t, http.StatusOK, code)
	total, active := h.accessRows(t, "u2", "a2")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
}

func TestEndpoint_UnpaidCheckoutSessionWaits(t *testing.T) {
	h := newHarness(t)
	payload := eventJSON(t, "evt_1", TypeCheckoutCompleted, map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_status": "unpaid",
		"metadata":       userMeta("u1", "a1"),
	})

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, h.purchaseCount(t))
}

func TestEndpoint_UnknownEventType(t *testing.T) {
	h := newHarness(t)
	payload := eventJSON(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestEndpoint_InvalidSignatureNeverMutates(t *testing.T) {
	h := newHarness(t)
	payload := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")
	good := sign(payload)
	old := signAt(payload, testSecret, time.Now().Add(-10*time.Minute))

	headers := map[string]string{
		"missing":      "",
		"garbage":      "nonsense",
		"wrong secret": signAt(payload, "whsec_wrong", time.Now()),
		"expired":      old,
		"no digest":    fmt.Sprintf("t=%d", time.Now().Unix()),
		"other body":   sign([]byte(`{"id":"evt_other"}`)),
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			code, resp := h.deliver(t, payload, header)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, resp.Success)
			assert.Equal(t, "invalid_signature", resp.Error)
		})
	}

	assert.Equal(t, 0, h.purchaseCount(t))
	total, _ := h.accessRows(t, "u1", "a1")
	assert.Equal(t, 0, total)
	_, err := h.store.GetEvent(context.Background(), "evt_1")
	assert.ErrorIs(t, err, purchases.ErrEventNotFound)

	// The genuine delivery still works afterwards.
	code, _ := h.deliver(t, payload, good)
	assert.Equal(t, http.StatusOK, code)
}

func TestEndpoint_MalformedPayload(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"`)

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_payload", resp.Error)
	assert.Equal(t, 0, h.purchaseCount(t))
}

func TestEndpoint_TransientFailureIsRetriable(t *testing.T) {
	h := newHarness(t)
	h.store.failures = 1
	payload := succeededEvent(t, "evt_1", "pi_1", "u1", "a1")

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "processing_failed", resp.Error)

	rec, err := h.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Nil(t, rec.ProcessedAt)
	assert.Contains(t, rec.LastError, "connection reset")
	assert.False(t, h.hasAccess(t, "u1", "a1"))

	code, resp = h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.True(t, h.hasAccess(t, "u1", "a1"))
}

func TestEndpoint_OversizedBody(t *testing.T) {
	h := newHarness(t)
	payload := bytes.Repeat([]byte("a"), MaxPayloadBytes+1)

	code, resp := h.deliver(t, payload, sign(payload))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_payload", resp.Error)
}
