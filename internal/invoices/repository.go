package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/linker"
	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/platform/db"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// SettlementRecord captures the row-level effect of one applied settlement.
type SettlementRecord struct {
	InvoiceID      uuid.UUID
	Amount         decimal.Decimal
	Method         string
	Provider       string
	IdempotencyKey string
	NewPaidAmount  decimal.Decimal
	NewStatus      Status
	PaidAt         *time.Time
}

// Repository defines data access for invoices.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Create(ctx context.Context, inv Invoice) error
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate locks the invoice row; only meaningful inside WithTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error)
	GenerateNumber(ctx context.Context, at time.Time) (string, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error
	// ConsumeIdempotencyKey claims the key inside the current transaction;
	// shared.ErrIdempotencyConflict signals a replay.
	ConsumeIdempotencyKey(ctx context.Context, key string) error
	RecordSettlement(ctx context.Context, rec SettlementRecord) error
	ListSettlements(ctx context.Context, invoiceID uuid.UUID) ([]Settlement, error)
	MarkNeedsReview(ctx context.Context, id uuid.UUID) error
	ExistsForQuote(ctx context.Context, quoteID uuid.UUID) (bool, error)
	ExistsForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error)
	// MarkOverdueStale persists the overdue status for sent invoices past due;
	// reads derive it regardless.
	MarkOverdueStale(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db   shared.DBTX
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed invoice repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) Create(ctx context.Context, inv Invoice) error {
	const insertInvoice = `
		INSERT INTO invoices (
			id, number, garage_id, client_id, appointment_id, quote_id,
			tax_rate, subtotal, tax, total, paid_amount, status, notes, due_date,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`

	if _, err := r.db.Exec(ctx, insertInvoice,
		inv.ID, inv.Number, inv.GarageID, inv.ClientID, inv.AppointmentID, inv.QuoteID,
		inv.TaxRate, inv.Subtotal, inv.Tax, inv.Total, inv.PaidAmount, inv.Status, inv.Notes, inv.DueDate,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "invoices_quote_id_key":
				return linker.ErrAlreadyConverted
			case "invoices_appointment_idx":
				return linker.ErrAppointmentInvoiced
			}
		}
		return fmt.Errorf("invoices: insert invoice: %w", err)
	}

	const insertItem = `
		INSERT INTO invoice_items (invoice_id, line_order, description, quantity, unit_price)
		VALUES ($1,$2,$3,$4,$5)`
	for i, item := range inv.Items {
		if _, err := r.db.Exec(ctx, insertItem, inv.ID, i+1, item.Description, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("invoices: insert item %d: %w", i+1, err)
		}
	}
	return nil
}

const invoiceColumns = `
	id, number, garage_id, client_id, appointment_id, quote_id,
	tax_rate, subtotal, tax, total, paid_amount, status, notes, due_date,
	paid_at, payment_method, sent_via_chat, sent_via_email, needs_review,
	created_at, updated_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, "")
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *repository) get(ctx context.Context, id uuid.UUID, suffix string) (*Invoice, error) {
	row := r.db.QueryRow(ctx, `SELECT`+invoiceColumns+` FROM invoices WHERE id=$1`+suffix, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("invoices: get: %w", err)
	}
	items, err := r.loadItems(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return inv, nil
}

func (r *repository) loadItems(ctx context.Context, invoiceID uuid.UUID) ([]money.Line, error) {
	rows, err := r.db.Query(ctx,
		`SELECT description, quantity, unit_price FROM invoice_items WHERE invoice_id=$1 ORDER BY line_order`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoices: load items: %w", err)
	}
	defer rows.Close()

	var items []money.Line
	for rows.Next() {
		var l money.Line
		if err := rows.Scan(&l.Description, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("invoices: scan item: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *repository) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
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

	where := conditions[0]
	for _, c := range conditions[1:] {
		where += " AND " + c
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("invoices: count: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("invoices: list: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("invoices: scan: %w", err)
		}
		out = append(out, *inv)
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

// GenerateNumber allocates the next human-readable invoice number, FAC-YYYY-NNNN.
func (r *repository) GenerateNumber(ctx context.Context, at time.Time) (string, error) {
	const query = `
		INSERT INTO document_counters (kind, year, counter) VALUES ('invoice', $1, 1)
		ON CONFLICT (kind, year) DO UPDATE SET counter = document_counters.counter + 1
		RETURNING counter`
	var counter int64
	if err := r.db.QueryRow(ctx, query, at.Year()).Scan(&counter); err != nil {
		return "", fmt.Errorf("invoices: generate number: %w", err)
	}
	return fmt.Sprintf("FAC-%d-%04d", at.Year(), counter), nil
}

func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("invoices: transition %s->%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE invoices SET sent_via_chat = sent_via_chat OR $2, sent_via_email = sent_via_email OR $3, updated_at=NOW() WHERE id=$1`,
		id, chat, email)
	if err != nil {
		return fmt.Errorf("invoices: mark delivery: %w", err)
	}
	return nil
}

func (r *repository) ConsumeIdempotencyKey(ctx context.Context, key string) error {
	return shared.CheckAndInsertTx(ctx, r.db, key, "invoices.settlement")
}

func (r *repository) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	const updateInvoice = `
		UPDATE invoices SET
			paid_amount=$2, status=$3, paid_at=COALESCE($4, paid_at),
			payment_method=$5, updated_at=NOW()
		WHERE id=$1`
	if _, err := r.db.Exec(ctx, updateInvoice,
		rec.InvoiceID, rec.NewPaidAmount, rec.NewStatus, rec.PaidAt, rec.Method,
	); err != nil {
		return fmt.Errorf("invoices: update settlement: %w", err)
	}

	const insertLedger = `
		INSERT INTO invoice_settlements (id, invoice_id, amount, method, provider, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())`
	if _, err := r.db.Exec(ctx, insertLedger,
		uuid.New(), rec.InvoiceID, rec.Amount, rec.Method, rec.Provider, rec.IdempotencyKey,
	); err != nil {
		return fmt.Errorf("invoices: insert ledger row: %w", err)
	}
	return nil
}

func (r *repository) ListSettlements(ctx context.Context, invoiceID uuid.UUID) ([]Settlement, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, invoice_id, amount, method, provider, idempotency_key, created_at
		 FROM invoice_settlements WHERE invoice_id=$1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoices: list settlements: %w", err)
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		var s Settlement
		if err := rows.Scan(&s.ID, &s.InvoiceID, &s.Amount, &s.Method, &s.Provider, &s.IdempotencyKey, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("invoices: scan settlement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) MarkNeedsReview(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE invoices SET needs_review=TRUE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("invoices: mark needs review: %w", err)
	}
	return nil
}

func (r *repository) ExistsForQuote(ctx context.Context, quoteID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE quote_id=$1)`, quoteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoices: exists for quote: %w", err)
	}
	return exists, nil
}

func (r *repository) ExistsForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE appointment_id=$1 AND status <> 'cancelled')`, appointmentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoices: exists for appointment: %w", err)
	}
	return exists, nil
}

func (r *repository) MarkOverdueStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices SET status='overdue', updated_at=NOW()
		 WHERE status='sent' AND due_date < $1 AND paid_amount < total`, now)
	if err != nil {
		return 0, fmt.Errorf("invoices: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(
		&inv.ID, &inv.Number, &inv.GarageID, &inv.ClientID, &inv.AppointmentID, &inv.QuoteID,
		&inv.TaxRate, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.PaidAmount, &inv.Status, &inv.Notes, &inv.DueDate,
		&inv.PaidAt, &inv.PaymentMethod, &inv.SentViaChat, &inv.SentViaEmail, &inv.NeedsReview,
		&inv.CreatedAt, &inv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &inv, nil
}
