package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

// Ledger is the ticket record of the tenant bound to the enclosing
// transaction. Implementations never expose another tenant's tickets.
type Ledger interface {
	AppendTicket(ctx context.Context, number int, issuedAt time.Time) (models.Ticket, error)
	// ListWaiting returns waiting tickets ordered by ascending number.
	ListWaiting(ctx context.Context) ([]models.Ticket, error)
	CountWaiting(ctx context.Context) (int, error)
	MarkCalled(ctx context.Context, number int, calledAt time.Time) (models.Ticket, error)
	ClearTickets(ctx context.Context) error
}

// TenantTx is an exclusive view over a single tenant's record and ledger.
// Nothing is visible to other operations until the enclosing WithTenant
// call returns nil.
type TenantTx interface {
	Ledger
	LoadTenant(ctx context.Context) (models.Tenant, bool, error)
	CreateTenant(ctx context.Context, tenant models.Tenant) (models.Tenant, error)
	SaveTenant(ctx context.Context, tenant models.Tenant) error
	DeleteTenant(ctx context.Context) error
}

type Store interface {
	// WithTenant runs fn while holding the tenant's exclusive lock. Calls
	// for different codes do not contend. If fn returns an error every
	// write made through tx is discarded.
	WithTenant(ctx context.Context, code string, fn func(tx TenantTx) error) error
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	Ping(ctx context.Context) error
}
