package purchases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/assessly/assessly/internal/pagination"
	"github.com/assessly/assessly/migrations"
)

// PostgresStore persists purchases, access rows and the webhook ledger in
// PostgreSQL. Invariants are enforced by constraints, not application reads:
// UNIQUE(processor_reference) and a partial unique index over
// premium_access(user_id, assessment_id) WHERE revoked_at IS NULL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded goose migrations, for development setups that
// skip cmd/migrate.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, p.db)
}

const purchaseColumns = `id, user_id, assessment_id, processor_reference, amount, currency,
		       status, customer_email, metadata, created_at, updated_at, paid_at, refunded_at`

const accessColumns = `id, user_id, assessment_id, purchase_id, granted_at, revoked_at, reason, expires_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- purchases ---

func (p *PostgresStore) CreatePurchase(ctx context.Context, pur *Purchase) error {
	if pur.ProcessorReference == "" {
		return ErrMissingReference
	}
	return insertPurchase(ctx, p.db, pur)
}

func insertPurchase(ctx context.Context, q queryer, pur *Purchase) error {
	metaJSON, err := json.Marshal(pur.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO purchases (
			id, user_id, assessment_id, processor_reference, amount, currency,
			status, customer_email, metadata, created_at, updated_at, paid_at, refunded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pur.ID, pur.UserID, pur.AssessmentID, pur.ProcessorReference, pur.Amount, pur.Currency,
		string(pur.Status), nullString(pur.CustomerEmail), metaJSON, pur.CreatedAt, pur.UpdatedAt,
		nullTime(pur.PaidAt), nullTime(pur.RefundedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	pur, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	return pur, err
}

func (p *PostgresStore) GetPurchaseByReference(ctx context.Context, reference string) (*Purchase, error) {
	return getByReference(ctx, p.db, reference, false)
}

func getByReference(ctx context.Context, q queryer, reference string, forUpdate bool) (*Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE processor_reference = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	pur, err := scanPurchase(q.QueryRowContext(ctx, query, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	return pur, err
}

func (p *PostgresStore) ListPurchases(ctx context.Context, f ListFilter) (*PurchasePage, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, ErrInvalidListCursor
	}
	limit := f.NormalizedLimit()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := arg("%" + escapeLike(q) + "%")
		where = append(where, fmt.Sprintf(
			"(processor_reference ILIKE %[1]s OR customer_email ILIKE %[1]s OR user_id ILIKE %[1]s OR assessment_id ILIKE %[1]s OR id ILIKE %[1]s)", like))
	}
	if cursor != nil {
		ts := arg(cursor.CreatedAt)
		id := arg(cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", ts, id))
	}

	query := `SELECT ` + purchaseColumns + ` FROM purchases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Purchase
	for rows.Next() {
		pur, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, pur)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page := pagination.ComputePage(items, limit, purchaseKey)
	return &page, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// --- access ---

func (p *PostgresStore) GrantAccess(ctx context.Context, a *Access) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := grantTx(ctx, tx, a)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrActiveGrantExists
	}
	return tx.Commit()
}

// grantTx closes an expired active row for the pair and inserts a unless an
// active row remains. It reports whether a was inserted.
func grantTx(ctx context.Context, tx *sql.Tx, a *Access) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE premium_access SET revoked_at = expires_at
		WHERE user_id = $1 AND assessment_id = $2
		  AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $3`,
		a.UserID, a.AssessmentID, a.GrantedAt,
	); err != nil {
		return false, fmt.Errorf("failed to close expired access: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO premium_access (id, user_id, assessment_id, purchase_id, granted_at, revoked_at, reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)
		ON CONFLICT (user_id, assessment_id) WHERE revoked_at IS NULL DO NOTHING`,
		a.ID, a.UserID, a.AssessmentID, nullStringPtr(a.PurchaseID), a.GrantedAt, string(a.Reason), nullTime(a.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert access: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) RevokeActiveAccess(ctx context.Context, userID, assessmentID string, at time.Time) (*Access, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE premium_access SET revoked_at = expires_at
		WHERE user_id = $1 AND assessment_id = $2
		  AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $3`,
		userID, assessmentID, at,
	); err != nil {
		return nil, fmt.Errorf("failed to close expired access: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE premium_access SET revoked_at = $3
		WHERE user_id = $1 AND assessment_id = $2 AND revoked_at IS NULL
		RETURNING `+accessColumns,
		userID, assessmentID, at,
	)
	a, err := scanAccess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccessNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) GetActiveAccess(ctx context.Context, userID, assessmentID string) (*Access, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accessColumns+` FROM premium_access
		WHERE user_id = $1 AND assessment_id = $2 AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		userID, assessmentID,
	)
	a, err := scanAccess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccessNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAccess(ctx context.Context, userID, assessmentID string) ([]*Access, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accessColumns+` FROM premium_access
		WHERE user_id = $1 AND assessment_id = $2
		ORDER BY granted_at`, userID, assessmentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccessRows(rows)
}

func (p *PostgresStore) ListAccessByPurchase(ctx context.Context, purchaseID string) ([]*Access, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accessColumns+` FROM premium_access
		WHERE purchase_id = $1
		ORDER BY granted_at`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccessRows(rows)
}

// --- transitions ---

func (p *PostgresStore) ApplySucceeded(ctx context.Context, in SucceededInput) (*Transition, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pur, inserted, err := upsertTx(ctx, tx, in.Reference, in.PurchaseID, in.Metadata, in.Amount, in.Currency, in.CustomerEmail, in.PaidAt)
	if err != nil {
		return nil, err
	}
	tr := &Transition{PurchaseChanged: inserted}

	result, err := tx.ExecContext(ctx, `
		UPDATE purchases SET status = 'succeeded', paid_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, pur.ID, in.PaidAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase succeeded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		paidAt := in.PaidAt
		pur.Status = StatusSucceeded
		pur.PaidAt = &paidAt
		pur.UpdatedAt = in.PaidAt
		tr.PurchaseChanged = true
	}

	if pur.Status == StatusSucceeded {
		var granted bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM premium_access WHERE purchase_id = $1)`, pur.ID,
		).Scan(&granted); err != nil {
			return nil, fmt.Errorf("failed to check purchase access: %w", err)
		}
		if !granted {
			purchaseID := pur.ID
			a := &Access{
				ID:           in.AccessID,
				UserID:       pur.UserID,
				AssessmentID: pur.AssessmentID,
				PurchaseID:   &purchaseID,
				GrantedAt:    in.PaidAt,
				Reason:       ReasonPurchase,
			}
			ok, err := grantTx(ctx, tx, a)
			if err != nil {
				return nil, err
			}
			if ok {
				tr.Access = a
				tr.AccessGranted = true
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tr.Purchase = pur
	return tr, nil
}

func (p *PostgresStore) ApplyFailed(ctx context.Context, in OutcomeInput) (*Transition, error) {
	return p.applyOutcome(ctx, in, StatusFailed)
}

func (p *PostgresStore) ApplyCancelled(ctx context.Context, in OutcomeInput) (*Transition, error) {
	return p.applyOutcome(ctx, in, StatusCancelled)
}

func (p *PostgresStore) applyOutcome(ctx context.Context, in OutcomeInput, to Status) (*Transition, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pur, inserted, err := upsertTx(ctx, tx, in.Reference, in.PurchaseID, in.Metadata, in.Amount, in.Currency, in.CustomerEmail, in.At)
	if err != nil {
		return nil, err
	}
	tr := &Transition{PurchaseChanged: inserted}

	result, err := tx.ExecContext(ctx, `
		UPDATE purchases SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, pur.ID, string(to), in.At)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase %s: %w", to, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		pur.Status = to
		pur.UpdatedAt = in.At
		tr.PurchaseChanged = true
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tr.Purchase = pur
	return tr, nil
}

func (p *PostgresStore) ApplyRefunded(ctx context.Context, reference string, at time.Time) (*Transition, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pur, err := getByReference(ctx, tx, reference, true)
	if err != nil {
		return nil, err
	}
	tr := &Transition{}

	result, err := tx.ExecContext(ctx, `
		UPDATE purchases SET status = 'refunded', refunded_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'succeeded'`, pur.ID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase refunded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		refundedAt := at
		pur.Status = StatusRefunded
		pur.RefundedAt = &refundedAt
		pur.UpdatedAt = at
		tr.PurchaseChanged = true
	}

	if pur.Status == StatusRefunded {
		row := tx.QueryRowContext(ctx, `
			UPDATE premium_access SET revoked_at = $2
			WHERE purchase_id = $1 AND revoked_at IS NULL
			RETURNING `+accessColumns, pur.ID, at)
		a, err := scanAccess(row)
		switch {
		case err == nil:
			tr.Access = a
			tr.AccessRevoked = true
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to revoke access: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tr.Purchase = pur
	return tr, nil
}

// upsertTx locks the purchase for reference, inserting a pending row first
// when none exists. The bool reports whether a row was inserted.
func upsertTx(ctx context.Context, tx *sql.Tx, reference, id string, meta Metadata, amount int64, currency, email string, at time.Time) (*Purchase, bool, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, false, err
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO purchases (
			id, user_id, assessment_id, processor_reference, amount, currency,
			status, customer_email, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $9)
		ON CONFLICT (processor_reference) DO NOTHING`,
		id, meta.UserID, meta.AssessmentID, reference, amount, currency,
		nullString(email), metaJSON, at,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert purchase: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 && email != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE purchases SET customer_email = $2
			WHERE processor_reference = $1 AND customer_email IS NULL`, reference, email); err != nil {
			return nil, false, fmt.Errorf("failed to backfill customer email: %w", err)
		}
	}
	pur, err := getByReference(ctx, tx, reference, true)
	if err != nil {
		return nil, false, err
	}
	return pur, n == 1, nil
}

// --- webhook event ledger ---

func (p *PostgresStore) BeginEvent(ctx context.Context, id, eventType string, at time.Time) (bool, error) {
	var processedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, type, received_at, attempts)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (id) DO UPDATE SET
			attempts = CASE WHEN webhook_events.processed_at IS NULL
			                THEN webhook_events.attempts + 1
			                ELSE webhook_events.attempts END
		RETURNING processed_at`,
		id, eventType, at,
	).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return processedAt.Valid, nil
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed_at = COALESCE(processed_at, $2), last_error = NULL
		WHERE id = $1`, id, at)
	return requireRow(result, err, ErrEventNotFound)
}

func (p *PostgresStore) MarkEventFailed(ctx context.Context, id, errMsg string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET last_error = $2 WHERE id = $1`, id, errMsg)
	return requireRow(result, err, ErrEventNotFound)
}

func (p *PostgresStore) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var (
		ev          WebhookEvent
		processedAt sql.NullTime
		lastError   sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, type, received_at, processed_at, attempts, last_error
		FROM webhook_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Type, &ev.ReceivedAt, &processedAt, &ev.Attempts, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	ev.LastError = lastError.String
	return &ev, nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(s scanner) (*Purchase, error) {
	var (
		pur        Purchase
		status     string
		email      sql.NullString
		metaJSON   []byte
		paidAt     sql.NullTime
		refundedAt sql.NullTime
	)
	err := s.Scan(
		&pur.ID, &pur.UserID, &pur.AssessmentID, &pur.ProcessorReference, &pur.Amount, &pur.Currency,
		&status, &email, &metaJSON, &pur.CreatedAt, &pur.UpdatedAt, &paidAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}
	pur.Status = Status(status)
	pur.CustomerEmail = email.String
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &pur.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode purchase metadata: %w", err)
		}
	}
	if paidAt.Valid {
		pur.PaidAt = &paidAt.Time
	}
	if refundedAt.Valid {
		pur.RefundedAt = &refundedAt.Time
	}
	return &pur, nil
}

func scanAccess(s scanner) (*Access, error) {
	var (
		a          Access
		purchaseID sql.NullString
		revokedAt  sql.NullTime
		reason     string
		expiresAt  sql.NullTime
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.AssessmentID, &purchaseID, &a.GrantedAt, &revokedAt, &reason, &expiresAt); err != nil {
		return nil, err
	}
	a.Reason = Reason(reason)
	if purchaseID.Valid {
		a.PurchaseID = &purchaseID.String
	}
	if revokedAt.Valid {
		a.RevokedAt = &revokedAt.Time
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	return &a, nil
}

func scanAccessRows(rows *sql.Rows) ([]*Access, error) {
	var out []*Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func requireRow(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
