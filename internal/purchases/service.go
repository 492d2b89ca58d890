package purchases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/assessly/assessly/internal/idgen"
	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/metrics"
	"github.com/assessly/assessly/internal/realtime"
	"github.com/assessly/assessly/internal/traces"
)

// Notifier receives access and purchase changes after they are committed.
type Notifier interface {
	AccessGranted(userID string, change realtime.AccessChange)
	AccessRevoked(userID string, change realtime.AccessChange)
	PurchaseUpdated(userID string, change realtime.PurchaseChange)
}

// PaymentOutcome is a processor-reported result for one payment reference.
type PaymentOutcome struct {
	EventID       string
	Reference     string
	Metadata      Metadata
	Amount        int64
	Currency      string
	CustomerEmail string
}

// GrantRequest asks for a manual grant.
type GrantRequest struct {
	UserID       string     `json:"userId" validate:"required,identifier"`
	AssessmentID string     `json:"assessmentId" validate:"required,identifier"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// PurchaseDetail is a purchase joined with every access row it produced.
type PurchaseDetail struct {
	Purchase *Purchase  `json:"purchase"`
	Access   []*Access  `json:"access"`
	User     UserInfo   `json:"user"`
	Content  ContentRef `json:"content"`
}

// UserInfo is the minimal user view known to the payment subsystem.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// ContentRef identifies the purchased content.
type ContentRef struct {
	AssessmentID string `json:"assessmentId"`
	ContentType  string `json:"contentType"`
}

// Service applies the purchase and access lifecycle. Every transition goes
// through the store's atomic operations; the service adds audit logging,
// metrics, cache invalidation and realtime notification.
type Service struct {
	store    Store
	repo     AccessRepository
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new lifecycle service. Access checks read the store
// directly until WithRepository is called.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		repo:  NewStoreRepository(store),
		now:   time.Now,
	}
}

// WithRepository routes access checks through repo and invalidates it on change.
func (s *Service) WithRepository(repo AccessRepository) *Service {
	s.repo = repo
	return s
}

// WithNotifier adds a realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreatePending records a purchase at checkout initiation.
func (s *Service) CreatePending(ctx context.Context, reference string, meta Metadata, amount int64, currency, email string) (*Purchase, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, ErrMissingReference
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Purchase{
		ID:                 idgen.Purchase(),
		UserID:             meta.UserID,
		AssessmentID:       meta.AssessmentID,
		ProcessorReference: reference,
		Amount:             amount,
		Currency:           strings.ToLower(currency),
		Status:             StatusPending,
		CustomerEmail:      email,
		Metadata:           meta,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreatePurchase(ctx, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("purchase created",
		"purchase_id", p.ID, "user_id", p.UserID, "assessment_id", p.AssessmentID, "reference", reference)
	return p, nil
}

// RecordSucceeded marks the payment succeeded and grants purchase access
// unless an active grant already exists. Repeating it is harmless.
func (s *Service) RecordSucceeded(ctx context.Context, in PaymentOutcome) (*Transition, error) {
	ctx, span := traces.StartSpan(ctx, "purchases.RecordSucceeded",
		traces.Reference(in.Reference), traces.EventID(in.EventID))
	defer span.End()

	if err := s.checkOutcome(in); err != nil {
		return nil, err
	}
	tr, err := s.store.ApplySucceeded(ctx, SucceededInput{
		Reference:     in.Reference,
		Metadata:      in.Metadata,
		Amount:        in.Amount,
		Currency:      strings.ToLower(in.Currency),
		CustomerEmail: in.CustomerEmail,
		PaidAt:        s.now().UTC(),
		PurchaseID:    idgen.Purchase(),
		AccessID:      idgen.Access(),
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("apply succeeded: %w", err)
	}
	span.SetAttributes(traces.PurchaseID(tr.Purchase.ID))
	s.afterTransition(ctx, tr, in.EventID)
	return tr, nil
}

// RecordFailed marks a pending payment failed. Access is never touched.
func (s *Service) RecordFailed(ctx context.Context, in PaymentOutcome) (*Transition, error) {
	return s.recordOutcome(ctx, in, StatusFailed)
}

// RecordCancelled marks a pending payment cancelled. Access is never touched.
func (s *Service) RecordCancelled(ctx context.Context, in PaymentOutcome) (*Transition, error) {
	return s.recordOutcome(ctx, in, StatusCancelled)
}

func (s *Service) recordOutcome(ctx context.Context, in PaymentOutcome, to Status) (*Transition, error) {
	name := "purchases.RecordFailed"
	if to == StatusCancelled {
		name = "purchases.RecordCancelled"
	}
	ctx, span := traces.StartSpan(ctx, name, traces.Reference(in.Reference), traces.EventID(in.EventID))
	defer span.End()

	if err := s.checkOutcome(in); err != nil {
		return nil, err
	}
	oi := OutcomeInput{
		Reference:     in.Reference,
		Metadata:      in.Metadata,
		Amount:        in.Amount,
		Currency:      strings.ToLower(in.Currency),
		CustomerEmail: in.CustomerEmail,
		At:            s.now().UTC(),
		PurchaseID:    idgen.Purchase(),
	}
	var (
		tr  *Transition
		err error
	)
	if to == StatusCancelled {
		tr, err = s.store.ApplyCancelled(ctx, oi)
	} else {
		tr, err = s.store.ApplyFailed(ctx, oi)
	}
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("apply %s: %w", to, err)
	}
	s.afterTransition(ctx, tr, in.EventID)
	return tr, nil
}

// RecordRefunded marks the purchase for reference refunded and revokes the
// access it granted. ErrPurchaseNotFound is returned for unknown references.
func (s *Service) RecordRefunded(ctx context.Context, reference, eventID string) (*Transition, error) {
	ctx, span := traces.StartSpan(ctx, "purchases.RecordRefunded",
		traces.Reference(reference), traces.EventID(eventID))
	defer span.End()

	if strings.TrimSpace(reference) == "" {
		return nil, ErrMissingReference
	}
	tr, err := s.store.ApplyRefunded(ctx, reference, s.now().UTC())
	if err != nil {
		if !errors.Is(err, ErrPurchaseNotFound) {
			traces.Fail(span, err)
		}
		return nil, err
	}
	s.afterTransition(ctx, tr, eventID)
	return tr, nil
}

// Grant creates an admin_grant access row with no purchase. It fails with
// ErrActiveGrantExists when the pair already has an active grant.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Access, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.AssessmentID = strings.TrimSpace(req.AssessmentID)
	if err := validate.Struct(req); err != nil {
		return nil, ErrInvalidAccessTarget
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidAccessTarget)
	}
	a := &Access{
		ID:           idgen.Access(),
		UserID:       req.UserID,
		AssessmentID: req.AssessmentID,
		GrantedAt:    now,
		Reason:       ReasonAdminGrant,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.store.GrantAccess(ctx, a); err != nil {
		return nil, err
	}
	s.accessGranted(ctx, a, "")
	return a, nil
}

// Revoke closes the active grant for the pair, leaving its reason as
// recorded. ErrAccessNotFound is returned when there is none.
func (s *Service) Revoke(ctx context.Context, userID, assessmentID string) (*Access, error) {
	userID = strings.TrimSpace(userID)
	assessmentID = strings.TrimSpace(assessmentID)
	if userID == "" || assessmentID == "" {
		return nil, ErrInvalidAccessTarget
	}
	a, err := s.store.RevokeActiveAccess(ctx, userID, assessmentID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.accessRevoked(ctx, a, ReasonAdminRevoke, "")
	return a, nil
}

// CheckAccess answers whether the user currently holds access.
func (s *Service) CheckAccess(ctx context.Context, userID, assessmentID string) (AccessStatus, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(assessmentID) == "" {
		return AccessStatus{}, ErrInvalidAccessTarget
	}
	return s.repo.Lookup(ctx, userID, assessmentID)
}

// GetPurchase returns one purchase.
func (s *Service) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	return s.store.GetPurchase(ctx, id)
}

// GetPurchaseByReference returns the purchase for a processor reference.
func (s *Service) GetPurchaseByReference(ctx context.Context, reference string) (*Purchase, error) {
	return s.store.GetPurchaseByReference(ctx, reference)
}

// ListPurchases returns one page of purchases, newest first.
func (s *Service) ListPurchases(ctx context.Context, f ListFilter) (*PurchasePage, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, f.Status)
	}
	return s.store.ListPurchases(ctx, f)
}

// Detail returns a purchase with its access rows and the user and content it concerns.
func (s *Service) Detail(ctx context.Context, id string) (*PurchaseDetail, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListAccessByPurchase(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*Access{}
	}
	contentType := p.Metadata.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &PurchaseDetail{
		Purchase: p,
		Access:   rows,
		User:     UserInfo{ID: p.UserID, Email: p.CustomerEmail},
		Content:  ContentRef{AssessmentID: p.AssessmentID, ContentType: contentType},
	}, nil
}

func (s *Service) checkOutcome(in PaymentOutcome) error {
	if strings.TrimSpace(in.Reference) == "" {
		return ErrMissingReference
	}
	return in.Metadata.Validate()
}

func (s *Service) afterTransition(ctx context.Context, tr *Transition, eventID string) {
	p := tr.Purchase
	if tr.PurchaseChanged {
		metrics.PurchaseTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
		logging.Audit(ctx, "purchase.transition",
			"purchase_id", p.ID, "status", string(p.Status), "reference", p.ProcessorReference,
			"user_id", p.UserID, "assessment_id", p.AssessmentID, "event_id", eventID)
		if s.notifier != nil {
			s.notifier.PurchaseUpdated(p.UserID, realtime.PurchaseChange{
				PurchaseID:   p.ID,
				AssessmentID: p.AssessmentID,
				Status:       string(p.Status),
			})
		}
	}
	if tr.AccessGranted {
		s.accessGranted(ctx, tr.Access, eventID)
	}
	if tr.AccessRevoked {
		s.accessRevoked(ctx, tr.Access, ReasonRefund, eventID)
	}
}

func (s *Service) accessGranted(ctx context.Context, a *Access, eventID string) {
	metrics.AccessGrantsTotal.WithLabelValues(string(a.Reason)).Inc()
	purchaseID := derefString(a.PurchaseID)
	logging.Audit(ctx, "access.granted",
		"access_id", a.ID, "user_id", a.UserID, "assessment_id", a.AssessmentID,
		"purchase_id", purchaseID, "reason", string(a.Reason), "event_id", eventID)
	s.repo.Invalidate(ctx, a.UserID, a.AssessmentID)
	if s.notifier != nil {
		s.notifier.AccessGranted(a.UserID, realtime.AccessChange{
			AssessmentID: a.AssessmentID,
			PurchaseID:   purchaseID,
			Reason:       string(a.Reason),
		})
	}
}

// accessRevoked reports a revocation; cause is why it was closed, which may
// differ from the row's own reason.
func (s *Service) accessRevoked(ctx context.Context, a *Access, cause Reason, eventID string) {
	metrics.AccessRevocationsTotal.WithLabelValues(string(cause)).Inc()
	purchaseID := derefString(a.PurchaseID)
	logging.Audit(ctx, "access.revoked",
		"access_id", a.ID, "user_id", a.UserID, "assessment_id", a.AssessmentID,
		"purchase_id", purchaseID, "reason", string(a.Reason), "cause", string(cause), "event_id", eventID)
	s.repo.Revoked(ctx, a.UserID, a.AssessmentID)
	if s.notifier != nil {
		s.notifier.AccessRevoked(a.UserID, realtime.AccessChange{
			AssessmentID: a.AssessmentID,
			PurchaseID:   purchaseID,
			Reason:       string(cause),
		})
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
