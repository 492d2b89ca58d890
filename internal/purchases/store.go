package purchases

import (
	"context"
	"time"

	"github.com/assessly/assessly/internal/pagination"
)

// PurchaseStore persists purchases.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, p *Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	GetPurchaseByReference(ctx context.Context, reference string) (*Purchase, error)
	ListPurchases(ctx context.Context, f ListFilter) (*PurchasePage, error)
}

// AccessStore persists premium-access rows.
type AccessStore interface {
	// GrantAccess inserts a only if no active row exists for its pair;
	// otherwise it returns ErrActiveGrantExists. Unrevoked rows that have
	// already expired are closed first so they never block a new grant.
	GrantAccess(ctx context.Context, a *Access) error
	// RevokeActiveAccess closes the active row for the pair, returning
	// ErrAccessNotFound when there is none.
	RevokeActiveAccess(ctx context.Context, userID, assessmentID string, at time.Time) (*Access, error)
	GetActiveAccess(ctx context.Context, userID, assessmentID string) (*Access, error)
	ListAccess(ctx context.Context, userID, assessmentID string) ([]*Access, error)
	ListAccessByPurchase(ctx context.Context, purchaseID string) ([]*Access, error)
}

// EventStore is the webhook idempotency ledger.
type EventStore interface {
	// BeginEvent records receipt of an event (creating the row on first
	// sight, bumping attempts otherwise) and reports whether it was
	// already fully processed.
	BeginEvent(ctx context.Context, id, eventType string, at time.Time) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id, errMsg string) error
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)
}

// TransitionStore applies processor-driven transitions. Each method touches
// purchase and access state in one atomic unit: either all of it lands or
// none of it does.
type TransitionStore interface {
	ApplySucceeded(ctx context.Context, in SucceededInput) (*Transition, error)
	ApplyFailed(ctx context.Context, in OutcomeInput) (*Transition, error)
	ApplyCancelled(ctx context.Context, in OutcomeInput) (*Transition, error)
	// ApplyRefunded returns ErrPurchaseNotFound when the reference is unknown.
	ApplyRefunded(ctx context.Context, reference string, at time.Time) (*Transition, error)
}

// Store is the full persistence surface of the payment subsystem.
type Store interface {
	PurchaseStore
	AccessStore
	EventStore
	TransitionStore
}

// SucceededInput describes a confirmed payment.
type SucceededInput struct {
	Reference     string
	Metadata      Metadata
	Amount        int64
	Currency      string
	CustomerEmail string
	PaidAt        time.Time

	// PurchaseID and AccessID are used only when rows must be created.
	PurchaseID string
	AccessID   string
}

// OutcomeInput describes a failed or cancelled payment.
type OutcomeInput struct {
	Reference     string
	Metadata      Metadata
	Amount        int64
	Currency      string
	CustomerEmail string
	At            time.Time
	PurchaseID    string
}

// Transition reports what a transition actually changed.
type Transition struct {
	Purchase        *Purchase
	Access          *Access
	PurchaseChanged bool
	AccessGranted   bool
	AccessRevoked   bool
}

// ListFilter narrows an admin purchase listing.
type ListFilter struct {
	Status Status
	UserID string
	Query  string // substring of reference, email, user id or assessment id
	Cursor string
	Limit  int
}

// PurchasePage is one page of an admin purchase listing.
type PurchasePage = pagination.Page[*Purchase]

func purchaseKey(p *Purchase) (time.Time, string) { return p.CreatedAt, p.ID }

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// NormalizedLimit clamps the filter limit to [1, MaxListLimit].
func (f ListFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}
