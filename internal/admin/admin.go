// Package admin provides operator tooling for correcting purchase and
// access state: refunds issued through the processor and manual grants
// and revocations.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/metrics"
	"github.com/assessly/assessly/internal/processor"
	"github.com/assessly/assessly/internal/purchases"
	"github.com/assessly/assessly/internal/traces"
)

var (
	ErrNotRefundable   = errors.New("admin: purchase is not refundable")
	ErrAlreadyRefunded = errors.New("admin: purchase already refunded")
	ErrInvalidReason   = errors.New("admin: invalid refund reason")
)

// Refund is the result of a completed operator refund.
type Refund struct {
	Purchase *purchases.Purchase     `json:"purchase"`
	Refund   *processor.RefundResult `json:"refund"`
	Revoked  *purchases.Access       `json:"revokedAccess,omitempty"`
}

// Compensator issues refunds and manual access corrections.
type Compensator struct {
	purchases *purchases.Service
	processor processor.Processor
}

// NewCompensator creates a compensator.
func NewCompensator(svc *purchases.Service, p processor.Processor) *Compensator {
	return &Compensator{purchases: svc, processor: p}
}

// Refund refunds a succeeded purchase through the processor and then
// applies the same transition a charge.refunded webhook would. Only
// succeeded purchases are refundable; the processor is never called for
// any other status. When the processor call fails nothing local changes.
func (c *Compensator) Refund(ctx context.Context, purchaseID, reason string) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Refund", traces.PurchaseID(purchaseID))
	defer span.End()

	if !processor.ValidRefundReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	p, err := c.purchases.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case purchases.StatusSucceeded:
	case purchases.StatusRefunded:
		metrics.RefundsTotal.WithLabelValues("already_refunded").Inc()
		return nil, ErrAlreadyRefunded
	default:
		metrics.RefundsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: purchase is %s", ErrNotRefundable, p.Status)
	}
	span.SetAttributes(traces.Reference(p.ProcessorReference))

	res, err := c.processor.Refund(ctx, p.ProcessorReference, reason)
	if errors.Is(err, processor.ErrAlreadyRefunded) {
		// Refunded outside this service; bring local state in line.
		if _, rerr := c.purchases.RecordRefunded(ctx, p.ProcessorReference, ""); rerr != nil {
			traces.Fail(span, rerr)
			return nil, fmt.Errorf("converge refunded purchase %s: %w", p.ID, rerr)
		}
		metrics.RefundsTotal.WithLabelValues("already_refunded").Inc()
		return nil, ErrAlreadyRefunded
	}
	if err != nil {
		traces.Fail(span, err)
		metrics.RefundsTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("processor refund failed",
			"purchase_id", p.ID, "reference", p.ProcessorReference, "error", err)
		return nil, fmt.Errorf("refund purchase %s: %w", p.ID, err)
	}

	tr, err := c.purchases.RecordRefunded(ctx, p.ProcessorReference, "")
	if err != nil {
		// The processor has refunded; the charge.refunded webhook retries this.
		traces.Fail(span, err)
		logging.L(ctx).Error("refund issued but not recorded",
			"purchase_id", p.ID, "refund_id", res.ID, "error", err)
		return nil, fmt.Errorf("record refund for purchase %s: %w", p.ID, err)
	}
	metrics.RefundsTotal.WithLabelValues("succeeded").Inc()
	logging.Audit(ctx, "purchase.refund_issued",
		"purchase_id", p.ID, "refund_id", res.ID, "reason", reason,
		"user_id", p.UserID, "assessment_id", p.AssessmentID, "amount", res.Amount)

	out := &Refund{Purchase: tr.Purchase, Refund: res}
	if tr.AccessRevoked {
		out.Revoked = tr.Access
	}
	return out, nil
}

// Grant creates an admin_grant access row with no purchase.
func (c *Compensator) Grant(ctx context.Context, userID, assessmentID string, expiresAt *time.Time) (*purchases.Access, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Grant", traces.UserID(userID), traces.AssessmentID(assessmentID))
	defer span.End()

	a, err := c.purchases.Grant(ctx, purchases.GrantRequest{
		UserID:       userID,
		AssessmentID: assessmentID,
		ExpiresAt:    expiresAt,
	})
	if err != nil && !errors.Is(err, purchases.ErrActiveGrantExists) {
		traces.Fail(span, err)
	}
	return a, err
}

// Revoke closes the pair's active grant whatever its reason.
func (c *Compensator) Revoke(ctx context.Context, userID, assessmentID string) (*purchases.Access, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Revoke", traces.UserID(userID), traces.AssessmentID(assessmentID))
	defer span.End()

	a, err := c.purchases.Revoke(ctx, userID, assessmentID)
	if err != nil && !errors.Is(err, purchases.ErrAccessNotFound) {
		traces.Fail(span, err)
	}
	return a, err
}
