// Package postgres implements store.Store on PostgreSQL. Each WithTenant
// call is one transaction that first takes a transaction-scoped advisory
// lock on the tenant code, so even a tenant that has no row yet is
// serialized.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTenant(ctx context.Context, code string, fn func(tx store.TenantTx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, code); err != nil {
		return fmt.Errorf("lock tenant: %w", err)
	}
	if err = fn(&tenantTx{tx: tx, code: code}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := []models.Tenant{}
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const tenantColumns = `code, active, name, ticket_title, ticket_footer, show_logo, last_reset_date,
	last_issued_number, current_called_number, created_at, updated_at`

const ticketColumns = `ticket_id, tenant_code, number, status, issued_at, called_at`

type tenantTx struct {
	tx   pgx.Tx
	code string
}

func (t *tenantTx) LoadTenant(ctx context.Context) (models.Tenant, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE code = $1 FOR UPDATE`, t.code)
	tenant, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, false, nil
		}
		return models.Tenant{}, false, err
	}
	return tenant, true, nil
}

func (t *tenantTx) CreateTenant(ctx context.Context, tenant models.Tenant) (models.Tenant, error) {
	tenant.Code = t.code
	row := t.tx.QueryRow(ctx, `
		INSERT INTO tenants (code, active, name, ticket_title, ticket_footer, show_logo, last_reset_date,
			last_issued_number, current_called_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (code) DO NOTHING
		RETURNING created_at, updated_at
	`, tenant.Code, tenant.Active, tenant.Settings.Name, tenant.Settings.TicketTitle, tenant.Settings.TicketFooter,
		tenant.Settings.ShowLogo, resetDate(tenant.LastResetDate), tenant.Counters.LastIssuedNumber, tenant.Counters.CurrentCalledNumber)
	if err := row.Scan(&tenant.CreatedAt, &tenant.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, store.ErrTenantExists
		}
		return models.Tenant{}, err
	}
	return tenant, nil
}

func (t *tenantTx) SaveTenant(ctx context.Context, tenant models.Tenant) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tenants
		SET active = $2, name = $3, ticket_title = $4, ticket_footer = $5, show_logo = $6,
			last_reset_date = $7, last_issued_number = $8, current_called_number = $9, updated_at = NOW()
		WHERE code = $1
	`, t.code, tenant.Active, tenant.Settings.Name, tenant.Settings.TicketTitle, tenant.Settings.TicketFooter,
		tenant.Settings.ShowLogo, resetDate(tenant.LastResetDate), tenant.Counters.LastIssuedNumber, tenant.Counters.CurrentCalledNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}
	return nil
}

func (t *tenantTx) DeleteTenant(ctx context.Context) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tenants WHERE code = $1`, t.code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}
	return nil
}

func (t *tenantTx) AppendTicket(ctx context.Context, number int, issuedAt time.Time) (models.Ticket, error) {
	ticket := models.Ticket{
		TicketID:   uuid.NewString(),
		TenantCode: t.code,
		Number:     number,
		Status:     models.StatusWaiting,
		IssuedAt:   issuedAt.UTC(),
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, tenant_code, number, status, issued_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ticket.TicketID, ticket.TenantCode, ticket.Number, ticket.Status, ticket.IssuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case foreignKeyViolation:
				return models.Ticket{}, store.ErrTenantNotFound
			case uniqueViolation:
				return models.Ticket{}, fmt.Errorf("%w: %d", store.ErrDuplicateNumber, number)
			}
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (t *tenantTx) ListWaiting(ctx context.Context) ([]models.Ticket, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_code = $1 AND status = $2
		ORDER BY number
	`, t.code, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (t *tenantTx) CountWaiting(ctx context.Context) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE tenant_code = $1 AND status = $2
	`, t.code, models.StatusWaiting).Scan(&count)
	return count, err
}

func (t *tenantTx) MarkCalled(ctx context.Context, number int, calledAt time.Time) (models.Ticket, error) {
	var status string
	err := t.tx.QueryRow(ctx, `
		SELECT status FROM tickets WHERE tenant_code = $1 AND number = $2 FOR UPDATE
	`, t.code, number).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if !store.ValidTransition("call", status) {
		return models.Ticket{}, store.ErrInvalidState
	}

	row := t.tx.QueryRow(ctx, `
		UPDATE tickets SET status = $3, called_at = $4
		WHERE tenant_code = $1 AND number = $2
		RETURNING `+ticketColumns, t.code, number, models.StatusCalled, calledAt.UTC())
	return scanTicket(row)
}

func (t *tenantTx) ClearTickets(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM tickets WHERE tenant_code = $1`, t.code)
	return err
}

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var tenant models.Tenant
	var lastReset sql.NullTime
	if err := row.Scan(
		&tenant.Code,
		&tenant.Active,
		&tenant.Settings.Name,
		&tenant.Settings.TicketTitle,
		&tenant.Settings.TicketFooter,
		&tenant.Settings.ShowLogo,
		&lastReset,
		&tenant.Counters.LastIssuedNumber,
		&tenant.Counters.CurrentCalledNumber,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	); err != nil {
		return models.Tenant{}, err
	}
	if lastReset.Valid {
		tenant.LastResetDate = lastReset.Time.Format(models.DateLayout)
	}
	return tenant, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.TenantCode, &ticket.Number, &ticket.Status, &ticket.IssuedAt, &calledAt); err != nil {
		return models.Ticket{}, err
	}
	if calledAt.Valid {
		at := calledAt.Time
		ticket.CalledAt = &at
	}
	return ticket, nil
}

// resetDate maps a stored reset date to a DATE parameter. Values that do not
// parse are written as NULL, which the day boundary treats as stale.
func resetDate(value string) sql.NullTime {
	parsed, err := time.Parse(models.DateLayout, value)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: parsed, Valid: true}
}
