package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/platform/db"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// Repository defines data access for quotes.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Create(ctx context.Context, q Quote) error
	Get(ctx context.Context, id uuid.UUID) (*Quote, error)
	List(ctx context.Context, req ListQuotesRequest) ([]Quote, int, error)
	GenerateNumber(ctx context.Context, at time.Time) (string, error)
	// TransitionStatus performs a compare-and-set on the stored status and
	// reports whether the row moved. A false return means another transition
	// committed first.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error
	HasActiveForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error)
	// ExpireStale persists the expired status for draft/sent quotes past their
	// validity window. Correctness never depends on this; reads derive expiry.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db   shared.DBTX
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed quote repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) Create(ctx context.Context, q Quote) error {
	const insertQuote = `
		INSERT INTO quotes (
			id, number, garage_id, client_id, appointment_id,
			tax_rate, subtotal, tax, total, status, notes, valid_until,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())`

	if _, err := r.db.Exec(ctx, insertQuote,
		q.ID, q.Number, q.GarageID, q.ClientID, q.AppointmentID,
		q.TaxRate, q.Subtotal, q.Tax, q.Total, q.Status, q.Notes, q.ValidUntil,
	); err != nil {
		return fmt.Errorf("quotes: insert quote: %w", err)
	}

	const insertItem = `
		INSERT INTO quote_items (quote_id, line_order, description, quantity, unit_price)
		VALUES ($1,$2,$3,$4,$5)`
	for i, item := range q.Items {
		if _, err := r.db.Exec(ctx, insertItem, q.ID, i+1, item.Description, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("quotes: insert item %d: %w", i+1, err)
		}
	}
	return nil
}

const quoteColumns = `
	id, number, garage_id, client_id, appointment_id,
	tax_rate, subtotal, tax, total, status, notes, valid_until,
	sent_via_chat, sent_via_email, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Quote, error) {
	row := r.db.QueryRow(ctx, `SELECT`+quoteColumns+` FROM quotes WHERE id=$1`, id)
	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quotes: get: %w", err)
	}
	items, err := r.loadItems(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	q.Items = items
	return q, nil
}

func (r *repository) loadItems(ctx context.Context, quoteID uuid.UUID) ([]money.Line, error) {
	rows, err := r.db.Query(ctx,
		`SELECT description, quantity, unit_price FROM quote_items WHERE quote_id=$1 ORDER BY line_order`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("quotes: load items: %w", err)
	}
	defer rows.Close()

	var items []money.Line
	for rows.Next() {
		var l money.Line
		if err := rows.Scan(&l.Description, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("quotes: scan item: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *repository) List(ctx context.Context, req ListQuotesRequest) ([]Quote, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argPos := 1

	appendCond := func(cond string, val any) {
		conditions = append(conditions, fmt.Sprintf(cond, argPos))
		args = append(args, val)
		argPos++
	}
	if req.GarageID != nil {
		appendCond("garage_id = $%d", *req.GarageID)
	}
	if req.ClientID != nil {
		appendCond("client_id = $%d", *req.ClientID)
	}
	if req.AppointmentID != nil {
		appendCond("appointment_id = $%d", *req.AppointmentID)
	}
	if req.Status != nil {
		appendCond("status = $%d", *req.Status)
	}

	where := ""
	for i, c := range conditions {
		if i == 0 {
			where = c
			continue
		}
		where += " AND " + c
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM quotes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("quotes: count: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM quotes WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		quoteColumns, where, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("quotes: list: %w", err)
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("quotes: scan: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		items, err := r.loadItems(ctx, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Items = items
	}
	return out, total, nil
}

// GenerateNumber allocates the next human-readable quote number, DEV-YYYY-NNNN,
// from a per-year counter row.
func (r *repository) GenerateNumber(ctx context.Context, at time.Time) (string, error) {
	const query = `
		INSERT INTO document_counters (kind, year, counter) VALUES ('quote', $1, 1)
		ON CONFLICT (kind, year) DO UPDATE SET counter = document_counters.counter + 1
		RETURNING counter`
	var counter int64
	if err := r.db.QueryRow(ctx, query, at.Year()).Scan(&counter); err != nil {
		return "", fmt.Errorf("quotes: generate number: %w", err)
	}
	return fmt.Sprintf("DEV-%d-%04d", at.Year(), counter), nil
}

func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE quotes SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("quotes: transition %s->%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE quotes SET sent_via_chat = sent_via_chat OR $2, sent_via_email = sent_via_email OR $3, updated_at=NOW() WHERE id=$1`,
		id, chat, email)
	if err != nil {
		return fmt.Errorf("quotes: mark delivery: %w", err)
	}
	return nil
}

func (r *repository) HasActiveForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM quotes
			WHERE appointment_id=$1 AND status IN ('draft','sent') AND valid_until > NOW()
		)`, appointmentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("quotes: active for appointment: %w", err)
	}
	return exists, nil
}

func (r *repository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE quotes SET status='expired', updated_at=NOW() WHERE status IN ('draft','sent') AND valid_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("quotes: expire stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*Quote, error) {
	var q Quote
	if err := row.Scan(
		&q.ID, &q.Number, &q.GarageID, &q.ClientID, &q.AppointmentID,
		&q.TaxRate, &q.Subtotal, &q.Tax, &q.Total, &q.Status, &q.Notes, &q.ValidUntil,
		&q.SentViaChat, &q.SentViaEmail, &q.CreatedAt, &q.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &q, nil
}
