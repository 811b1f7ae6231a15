package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines data access for payment intents.
type Repository interface {
	Create(ctx context.Context, intent Intent) error
	Get(ctx context.Context, id uuid.UUID) (*Intent, error)
	GetByProviderRef(ctx context.Context, provider Provider, ref string) (*Intent, error)
	SetProviderRef(ctx context.Context, id uuid.UUID, ref string, status IntentStatus) error
	// TransitionStatus moves the intent status with a compare-and-set on the
	// expected in-flight states.
	TransitionStatus(ctx context.Context, id uuid.UUID, to IntentStatus) (bool, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]Intent, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed intent repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// Create inserts the intent. The partial unique index on in-flight intents is
// the hard single-attempt guarantee; a conflict maps to ErrPaymentInFlight.
func (r *repository) Create(ctx context.Context, intent Intent) error {
	const query = `
		INSERT INTO payment_intents (id, invoice_id, provider, amount, currency, provider_ref, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())`
	_, err := r.pool.Exec(ctx, query,
		intent.ID, intent.InvoiceID, intent.Provider, intent.Amount, intent.Currency,
		nullable(intent.ProviderRef), intent.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPaymentInFlight
		}
		return fmt.Errorf("payments: insert intent: %w", err)
	}
	return nil
}

const intentColumns = `id, invoice_id, provider, amount, currency, COALESCE(provider_ref,''), status, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Intent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=$1`, id)
	return scanIntent(row)
}

func (r *repository) GetByProviderRef(ctx context.Context, provider Provider, ref string) (*Intent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE provider=$1 AND provider_ref=$2
		 ORDER BY created_at DESC LIMIT 1`, provider, ref)
	return scanIntent(row)
}

func (r *repository) SetProviderRef(ctx context.Context, id uuid.UUID, ref string, status IntentStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET provider_ref=$2, status=$3, updated_at=NOW() WHERE id=$1`, id, ref, status)
	if err != nil {
		return fmt.Errorf("payments: set provider ref: %w", err)
	}
	return nil
}

func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, to IntentStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET status=$2, updated_at=NOW()
		 WHERE id=$1 AND status IN ('created','pending')`, id, to)
	if err != nil {
		return false, fmt.Errorf("payments: transition intent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) ListStale(ctx context.Context, olderThan time.Time) ([]Intent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		 WHERE status IN ('created','pending') AND created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("payments: list stale: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *intent)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*Intent, error) {
	var intent Intent
	if err := row.Scan(
		&intent.ID, &intent.InvoiceID, &intent.Provider, &intent.Amount, &intent.Currency,
		&intent.ProviderRef, &intent.Status, &intent.CreatedAt, &intent.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("payments: scan intent: %w", err)
	}
	return &intent, nil
}
