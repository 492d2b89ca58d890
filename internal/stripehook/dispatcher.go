package stripehook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/metrics"
	"github.com/assessly/assessly/internal/purchases"
	"github.com/assessly/assessly/internal/traces"
)

// Ledger is the idempotency ledger the dispatcher consults.
type Ledger interface {
	BeginEvent(ctx context.Context, id, eventType string, at time.Time) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id, errMsg string) error
}

// Result is what a handler reports after a successful run. Success false
// marks a soft failure: reported to the sender, but final.
type Result struct {
	Success bool
	Message string
}

// HandlerFunc applies one event type.
type HandlerFunc func(ctx context.Context, ev *Event) (Result, error)

// Outcome describes how a dispatched event was resolved.
type Outcome struct {
	EventID   string
	Type      string
	Success   bool
	Duplicate bool
	Ignored   bool
	Message   string
}

// Dispatcher routes events by type, exactly once per event id as far as
// the ledger can tell.
type Dispatcher struct {
	ledger   Ledger
	handlers map[string]HandlerFunc
	now      func() time.Time
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(ledger Ledger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		handlers: make(map[string]HandlerFunc),
		now:      time.Now,
	}
}

// Handle registers fn for eventType, replacing any previous handler.
func (d *Dispatcher) Handle(eventType string, fn HandlerFunc) {
	d.handlers[eventType] = fn
}

// Dispatch records the event in the ledger, skips it if already processed,
// and otherwise runs its handler. Unknown types succeed as no-ops. The
// event is marked processed only when the handler returns nil; a handler
// error is recorded and the event stays open for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "stripehook.Dispatch", traces.EventID(ev.ID), traces.EventType(ev.Type))
	defer span.End()

	out := Outcome{EventID: ev.ID, Type: ev.Type}
	log := logging.L(ctx).With("event_id", ev.ID, "event_type", ev.Type)

	processed, err := d.ledger.BeginEvent(ctx, ev.ID, ev.Type, d.now().UTC())
	if err != nil {
		traces.Fail(span, err)
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		return out, fmt.Errorf("record event: %w", err)
	}
	if processed {
		out.Success, out.Duplicate = true, true
		out.Message = "event already processed"
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
		log.Info("duplicate webhook delivery")
		return out, nil
	}

	handler, ok := d.handlers[ev.Type]
	if !ok {
		if err := d.ledger.MarkEventProcessed(ctx, ev.ID, d.now().UTC()); err != nil {
			traces.Fail(span, err)
			return out, fmt.Errorf("mark event processed: %w", err)
		}
		out.Success, out.Ignored = true, true
		out.Message = "event type not handled"
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "ignored").Inc()
		log.Debug("ignoring unhandled webhook type")
		return out, nil
	}

	res, err := handler(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
		if markErr := d.ledger.MarkEventFailed(ctx, ev.ID, err.Error()); markErr != nil {
			log.Error("failed to record webhook error", "error", markErr)
		}
		outcome := "error"
		if errors.Is(err, purchases.ErrMissingMetadata) {
			outcome = "missing_metadata"
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
		out.Message = err.Error()
		return out, err
	}

	if err := d.ledger.MarkEventProcessed(ctx, ev.ID, d.now().UTC()); err != nil {
		traces.Fail(span, err)
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		return out, fmt.Errorf("mark event processed: %w", err)
	}

	out.Success, out.Message = res.Success, res.Message
	outcome := "processed"
	if !res.Success {
		outcome = "soft_failure"
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	log.Info("webhook processed", "success", res.Success, "message", res.Message)
	return out, nil
}
