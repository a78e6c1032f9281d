// Package memory is a process-local implementation of store.Store. Each
// tenant has its own mutex; the store-wide lock only guards the lock table
// and the committed snapshot map, never an operation's critical section.
// A tenant's lock entry lives only while it is in use or the tenant exists.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

type record struct {
	tenant  models.Tenant
	tickets []models.Ticket
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

type Store struct {
	mu      sync.RWMutex
	records map[string]record
	locks   map[string]*tenantLock
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]record),
		locks:   make(map[string]*tenantLock),
	}
}

func (s *Store) acquire(code string) *tenantLock {
	s.mu.Lock()
	lock, ok := s.locks[code]
	if !ok {
		lock = &tenantLock{}
		s.locks[code] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *Store) release(code string, lock *tenantLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs > 0 {
		return
	}
	if _, exists := s.records[code]; !exists {
		delete(s.locks, code)
	}
}

func (s *Store) WithTenant(ctx context.Context, code string, fn func(tx store.TenantTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.acquire(code)
	defer s.release(code, lock)

	s.mu.RLock()
	rec, exists := s.records[code]
	s.mu.RUnlock()

	tx := &tenantTx{
		code:    code,
		exists:  exists,
		tenant:  rec.tenant,
		tickets: append([]models.Ticket(nil), rec.tickets...),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !tx.exists {
		delete(s.records, code)
		return nil
	}
	s.records[code] = record{tenant: tx.tenant, tickets: tx.tickets}
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]models.Tenant, 0, len(s.records))
	for _, rec := range s.records {
		tenants = append(tenants, rec.tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Code < tenants[j].Code })
	return tenants, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// tenantTx works on private copies; WithTenant publishes them on success.
type tenantTx struct {
	code    string
	exists  bool
	tenant  models.Tenant
	tickets []models.Ticket
}

func (tx *tenantTx) LoadTenant(ctx context.Context) (models.Tenant, bool, error) {
	if !tx.exists {
		return models.Tenant{}, false, nil
	}
	return tx.tenant, true, nil
}

func (tx *tenantTx) CreateTenant(ctx context.Context, tenant models.Tenant) (models.Tenant, error) {
	if tx.exists {
		return models.Tenant{}, store.ErrTenantExists
	}
	tenant.Code = tx.code
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	tenant.UpdatedAt = tenant.CreatedAt
	tx.tenant = tenant
	tx.tickets = nil
	tx.exists = true
	return tenant, nil
}

func (tx *tenantTx) SaveTenant(ctx context.Context, tenant models.Tenant) error {
	if !tx.exists {
		return store.ErrTenantNotFound
	}
	tenant.Code = tx.code
	tenant.CreatedAt = tx.tenant.CreatedAt
	tenant.UpdatedAt = time.Now().UTC()
	tx.tenant = tenant
	return nil
}

func (tx *tenantTx) DeleteTenant(ctx context.Context) error {
	if !tx.exists {
		return store.ErrTenantNotFound
	}
	tx.exists = false
	tx.tenant = models.Tenant{}
	tx.tickets = nil
	return nil
}

func (tx *tenantTx) AppendTicket(ctx context.Context, number int, issuedAt time.Time) (models.Ticket, error) {
	if !tx.exists {
		return models.Ticket{}, store.ErrTenantNotFound
	}
	if n := len(tx.tickets); n > 0 && tx.tickets[n-1].Number >= number {
		return models.Ticket{}, fmt.Errorf("%w: %d not above last number %d", store.ErrDuplicateNumber, number, tx.tickets[n-1].Number)
	}
	ticket := models.Ticket{
		TicketID:   uuid.NewString(),
		TenantCode: tx.code,
		Number:     number,
		Status:     models.StatusWaiting,
		IssuedAt:   issuedAt,
	}
	tx.tickets = append(tx.tickets, ticket)
	return ticket, nil
}

func (tx *tenantTx) ListWaiting(ctx context.Context) ([]models.Ticket, error) {
	var waiting []models.Ticket
	for _, ticket := range tx.tickets {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	return waiting, nil
}

func (tx *tenantTx) CountWaiting(ctx context.Context) (int, error) {
	count := 0
	for _, ticket := range tx.tickets {
		if ticket.Status == models.StatusWaiting {
			count++
		}
	}
	return count, nil
}

func (tx *tenantTx) MarkCalled(ctx context.Context, number int, calledAt time.Time) (models.Ticket, error) {
	for i := range tx.tickets {
		if tx.tickets[i].Number != number {
			continue
		}
		if !store.ValidTransition("call", tx.tickets[i].Status) {
			return models.Ticket{}, store.ErrInvalidState
		}
		at := calledAt
		tx.tickets[i].Status = models.StatusCalled
		tx.tickets[i].CalledAt = &at
		return tx.tickets[i], nil
	}
	return models.Ticket{}, store.ErrTicketNotFound
}

func (tx *tenantTx) ClearTickets(ctx context.Context) error {
	tx.tickets = nil
	return nil
}
