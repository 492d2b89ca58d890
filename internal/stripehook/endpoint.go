package stripehook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/metrics"
	"github.com/assessly/assessly/internal/purchases"
	"github.com/assessly/assessly/internal/traces"
)

// MaxPayloadBytes caps the webhook body read from the wire.
const MaxPayloadBytes = 64 << 10

// Response is the body returned to the processor.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
	EventID string `json:"eventId,omitempty"`
}

// Endpoint is the inbound webhook HTTP handler.
type Endpoint struct {
	verifier   *Verifier
	dispatcher *Dispatcher
}

// NewEndpoint creates the webhook endpoint.
func NewEndpoint(verifier *Verifier, dispatcher *Dispatcher) *Endpoint {
	return &Endpoint{verifier: verifier, dispatcher: dispatcher}
}

// RegisterRoutes sets up the webhook route.
func (e *Endpoint) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", e.Receive)
}

// Receive handles POST /v1/webhooks/stripe.
//
// Status codes tell the processor whether to redeliver: 400 for input that
// will never succeed (bad signature, malformed payload), 200 for anything
// final including missing metadata, and 500 for transient failures.
func (e *Endpoint) Receive(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "stripehook.Receive")
	defer span.End()
	log := logging.L(ctx)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadBytes+1))
	if err != nil || len(payload) > MaxPayloadBytes {
		metrics.WebhookRejectedTotal.WithLabelValues("payload").Inc()
		c.JSON(http.StatusBadRequest, Response{Error: "bad_payload", Message: "Unreadable or oversized body"})
		return
	}

	// Nothing is parsed before the signature checks out.
	if !e.verifier.Verify(payload, c.GetHeader(SignatureHeader)) {
		metrics.WebhookRejectedTotal.WithLabelValues("signature").Inc()
		traces.Fail(span, ErrInvalidSignature)
		log.Warn("webhook signature rejected", "remote_addr", c.ClientIP())
		c.JSON(http.StatusBadRequest, Response{Error: "invalid_signature", Message: "Signature verification failed"})
		return
	}

	ev, err := Decode(payload)
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues("payload").Inc()
		traces.Fail(span, err)
		log.Warn("webhook payload rejected", "error", err)
		c.JSON(http.StatusBadRequest, Response{Error: "bad_payload", Message: err.Error()})
		return
	}
	span.SetAttributes(traces.EventID(ev.ID), traces.EventType(ev.Type))

	out, err := e.dispatcher.Dispatch(ctx, ev)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, Response{Success: out.Success, Message: out.Message, EventID: ev.ID})
	case errors.Is(err, purchases.ErrMissingMetadata):
		log.Warn("webhook missing metadata", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		c.JSON(http.StatusOK, Response{Error: "missing_metadata", Message: err.Error(), EventID: ev.ID})
	case errors.Is(err, ErrBadPayload):
		log.Warn("webhook object rejected", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		c.JSON(http.StatusBadRequest, Response{Error: "bad_payload", Message: err.Error(), EventID: ev.ID})
	default:
		log.Error("webhook processing failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		c.JSON(http.StatusInternalServerError, Response{Error: "processing_failed", Message: "Processing failed; retry later", EventID: ev.ID})
	}
}
