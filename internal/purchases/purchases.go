// Package purchases holds the purchase and premium-access records and the
// state machine that moves them.
//
// Purchase lifecycle:
//
//	pending → succeeded → refunded
//	pending → failed
//	pending → cancelled
//
// Access lifecycle:
//
//	absent → active → revoked
//
// At most one active access row exists per (user, assessment) pair.
package purchases

import (
	"errors"
	"time"
)

var (
	ErrPurchaseNotFound    = errors.New("purchases: purchase not found")
	ErrDuplicateReference  = errors.New("purchases: processor reference already recorded")
	ErrActiveGrantExists   = errors.New("purchases: an active grant already exists for this user and assessment")
	ErrAccessNotFound      = errors.New("purchases: no active grant for this user and assessment")
	ErrMissingMetadata     = errors.New("purchases: missing required metadata")
	ErrEventNotFound       = errors.New("purchases: webhook event not recorded")
	ErrInvalidListCursor   = errors.New("purchases: invalid list cursor")
	ErrMissingReference    = errors.New("purchases: missing processor reference")
	ErrInvalidAccessTarget = errors.New("purchases: userId and assessmentId are required")
	ErrUnknownStatus       = errors.New("purchases: unknown purchase status")
)

// Status is a purchase's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// ValidStatus reports whether s is a known purchase status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded: {StatusRefunded},
}

// CanTransition reports whether a purchase may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason records why an access row was created.
type Reason string

const (
	ReasonPurchase    Reason = "purchase"
	ReasonAdminGrant  Reason = "admin_grant"
	ReasonRefund      Reason = "refund"
	ReasonAdminRevoke Reason = "admin_revoke"
)

// DefaultContentType is used when checkout metadata carries no discriminator.
const DefaultContentType = "assessment"

// Purchase is one checkout attempt, keyed by the processor's payment reference.
type Purchase struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	AssessmentID       string     `json:"assessmentId"`
	ProcessorReference string     `json:"processorReference"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	CustomerEmail      string     `json:"customerEmail,omitempty"`
	Metadata           Metadata   `json:"metadata"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	PaidAt             *time.Time `json:"paidAt,omitempty"`
	RefundedAt         *time.Time `json:"refundedAt,omitempty"`
}

// Access is a premium-content entitlement. Rows are never deleted; revocation
// only sets RevokedAt.
type Access struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	AssessmentID string     `json:"assessmentId"`
	PurchaseID   *string    `json:"purchaseId,omitempty"`
	GrantedAt    time.Time  `json:"grantedAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	Reason       Reason     `json:"reason"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// IsActive reports whether the row currently authorizes access.
func (a *Access) IsActive(now time.Time) bool {
	if a.RevokedAt != nil {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// WebhookEvent is the idempotency ledger row for one processor event id.
type WebhookEvent struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
}

// AccessStatus is the answer to an access-check query.
type AccessStatus struct {
	HasAccess  bool       `json:"hasAccess"`
	GrantedAt  *time.Time `json:"grantedAt,omitempty"`
	PurchaseID *string    `json:"purchaseId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// StatusFromAccess converts an active access row (or nil) into an AccessStatus.
func StatusFromAccess(a *Access) AccessStatus {
	if a == nil {
		return AccessStatus{}
	}
	granted := a.GrantedAt
	return AccessStatus{
		HasAccess:  true,
		GrantedAt:  &granted,
		PurchaseID: a.PurchaseID,
		ExpiresAt:  a.ExpiresAt,
	}
}
