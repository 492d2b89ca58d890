package purchases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/assessly/assessly/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex makes every composite transition atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]*Purchase // by ID
	refs      map[string]string    // processor reference → purchase ID
	access    []*Access            // append-only; rows are never removed
	events    map[string]*WebhookEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		refs:      make(map[string]string),
		events:    make(map[string]*WebhookEvent),
	}
}

// --- purchases ---

func (m *MemoryStore) CreatePurchase(_ context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ProcessorReference == "" {
		return ErrMissingReference
	}
	if _, exists := m.refs[p.ProcessorReference]; exists {
		return ErrDuplicateReference
	}
	cp := *p
	m.purchases[p.ID] = &cp
	m.refs[p.ProcessorReference] = p.ID
	return nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPurchaseByReference(_ context.Context, reference string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.byRef(reference)
	if p == nil {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPurchases(_ context.Context, f ListFilter) (*PurchasePage, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, ErrInvalidListCursor
	}
	limit := f.NormalizedLimit()
	query := strings.ToLower(strings.TrimSpace(f.Query))

	m.mu.RLock()
	var matched []*Purchase
	for _, p := range m.purchases {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if query != "" && !matchesQuery(p, query) {
			continue
		}
		if !cursor.Before(p.CreatedAt, p.ID) {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	page := pagination.ComputePage(matched, limit, purchaseKey)
	return &page, nil
}

func matchesQuery(p *Purchase, q string) bool {
	for _, field := range []string{p.ProcessorReference, p.CustomerEmail, p.UserID, p.AssessmentID, p.ID} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// --- access ---

func (m *MemoryStore) GrantAccess(_ context.Context, a *Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantLocked(a)
}

func (m *MemoryStore) RevokeActiveAccess(_ context.Context, userID, assessmentID string, at time.Time) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeExpiredLocked(userID, assessmentID, at)
	a := m.activeLocked(userID, assessmentID)
	if a == nil {
		return nil, ErrAccessNotFound
	}
	revokedAt := at
	a.RevokedAt = &revokedAt
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetActiveAccess(_ context.Context, userID, assessmentID string) (*Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, a := range m.access {
		if a.UserID == userID && a.AssessmentID == assessmentID && a.IsActive(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccessNotFound
}

func (m *MemoryStore) ListAccess(_ context.Context, userID, assessmentID string) ([]*Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Access
	for _, a := range m.access {
		if a.UserID == userID && a.AssessmentID == assessmentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAccessByPurchase(_ context.Context, purchaseID string) ([]*Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Access
	for _, a := range m.access {
		if a.PurchaseID != nil && *a.PurchaseID == purchaseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// activeLocked returns the live row with revoked_at unset for the pair.
func (m *MemoryStore) activeLocked(userID, assessmentID string) *Access {
	for _, a := range m.access {
		if a.UserID == userID && a.AssessmentID == assessmentID && a.RevokedAt == nil {
			return a
		}
	}
	return nil
}

// closeExpiredLocked revokes an unrevoked row whose expiry has passed, at its
// expiry time, so it stops occupying the pair's single active slot.
func (m *MemoryStore) closeExpiredLocked(userID, assessmentID string, now time.Time) {
	a := m.activeLocked(userID, assessmentID)
	if a != nil && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		expired := *a.ExpiresAt
		a.RevokedAt = &expired
	}
}

func (m *MemoryStore) grantLocked(a *Access) error {
	m.closeExpiredLocked(a.UserID, a.AssessmentID, a.GrantedAt)
	if m.activeLocked(a.UserID, a.AssessmentID) != nil {
		return ErrActiveGrantExists
	}
	cp := *a
	m.access = append(m.access, &cp)
	return nil
}

func (m *MemoryStore) hasAccessForPurchaseLocked(purchaseID string) bool {
	for _, a := range m.access {
		if a.PurchaseID != nil && *a.PurchaseID == purchaseID {
			return true
		}
	}
	return false
}

// --- transitions ---

func (m *MemoryStore) ApplySucceeded(_ context.Context, in SucceededInput) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, changed := m.upsertLocked(in.Reference, in.PurchaseID, in.Metadata, in.Amount, in.Currency, in.CustomerEmail, in.PaidAt)
	if p.Status == StatusPending {
		paidAt := in.PaidAt
		p.Status = StatusSucceeded
		p.PaidAt = &paidAt
		p.UpdatedAt = in.PaidAt
		changed = true
	}

	tr := &Transition{PurchaseChanged: changed}
	if p.Status == StatusSucceeded && !m.hasAccessForPurchaseLocked(p.ID) {
		purchaseID := p.ID
		a := &Access{
			ID:           in.AccessID,
			UserID:       p.UserID,
			AssessmentID: p.AssessmentID,
			PurchaseID:   &purchaseID,
			GrantedAt:    in.PaidAt,
			Reason:       ReasonPurchase,
		}
		switch err := m.grantLocked(a); err {
		case nil:
			cp := *a
			tr.Access = &cp
			tr.AccessGranted = true
		case ErrActiveGrantExists:
			// Already entitled through another grant.
		default:
			return nil, err
		}
	}

	cp := *p
	tr.Purchase = &cp
	return tr, nil
}

func (m *MemoryStore) ApplyFailed(_ context.Context, in OutcomeInput) (*Transition, error) {
	return m.applyOutcome(in, StatusFailed)
}

func (m *MemoryStore) ApplyCancelled(_ context.Context, in OutcomeInput) (*Transition, error) {
	return m.applyOutcome(in, StatusCancelled)
}

func (m *MemoryStore) applyOutcome(in OutcomeInput, to Status) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, changed := m.upsertLocked(in.Reference, in.PurchaseID, in.Metadata, in.Amount, in.Currency, in.CustomerEmail, in.At)
	if CanTransition(p.Status, to) {
		p.Status = to
		p.UpdatedAt = in.At
		changed = true
	}
	cp := *p
	return &Transition{Purchase: &cp, PurchaseChanged: changed}, nil
}

func (m *MemoryStore) ApplyRefunded(_ context.Context, reference string, at time.Time) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.byRef(reference)
	if p == nil {
		return nil, ErrPurchaseNotFound
	}

	tr := &Transition{}
	if CanTransition(p.Status, StatusRefunded) {
		refundedAt := at
		p.Status = StatusRefunded
		p.RefundedAt = &refundedAt
		p.UpdatedAt = at
		tr.PurchaseChanged = true
	}
	if p.Status == StatusRefunded {
		for _, a := range m.access {
			if a.PurchaseID != nil && *a.PurchaseID == p.ID && a.RevokedAt == nil {
				revokedAt := at
				a.RevokedAt = &revokedAt
				cp := *a
				tr.Access = &cp
				tr.AccessRevoked = true
			}
		}
	}
	cp := *p
	tr.Purchase = &cp
	return tr, nil
}

// upsertLocked returns the purchase for reference, inserting a pending row
// when none exists. The bool reports whether a row was inserted.
func (m *MemoryStore) upsertLocked(reference, id string, meta Metadata, amount int64, currency, email string, at time.Time) (*Purchase, bool) {
	if p := m.byRef(reference); p != nil {
		if p.CustomerEmail == "" && email != "" {
			p.CustomerEmail = email
		}
		return p, false
	}
	p := &Purchase{
		ID:                 id,
		UserID:             meta.UserID,
		AssessmentID:       meta.AssessmentID,
		ProcessorReference: reference,
		Amount:             amount,
		Currency:           currency,
		Status:             StatusPending,
		CustomerEmail:      email,
		Metadata:           meta,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	m.purchases[p.ID] = p
	m.refs[reference] = p.ID
	return p, true
}

func (m *MemoryStore) byRef(reference string) *Purchase {
	id, ok := m.refs[reference]
	if !ok {
		return nil
	}
	return m.purchases[id]
}

// --- webhook event ledger ---

func (m *MemoryStore) BeginEvent(_ context.Context, id, eventType string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		m.events[id] = &WebhookEvent{ID: id, Type: eventType, ReceivedAt: at, Attempts: 1}
		return false, nil
	}
	if ev.ProcessedAt != nil {
		return true, nil
	}
	ev.Attempts++
	return false, nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if ev.ProcessedAt == nil {
		processedAt := at
		ev.ProcessedAt = &processedAt
	}
	ev.LastError = ""
	return nil
}

func (m *MemoryStore) MarkEventFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.LastError = errMsg
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
