package queue

import (
	"context"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// DayBoundary decides when a tenant's queue starts a new day. Dates are
// compared at calendar-day granularity in the configured location.
type DayBoundary struct {
	clock    clock.Clock
	location *time.Location
}

func NewDayBoundary(c clock.Clock, location *time.Location) DayBoundary {
	if c == nil {
		c = clock.Real()
	}
	if location == nil {
		location = time.Local
	}
	return DayBoundary{clock: c, location: location}
}

// Today returns the current date, or "" when the clock reports no time.
func (d DayBoundary) Today() string {
	now := d.clock.Now()
	if now.IsZero() {
		return ""
	}
	return now.In(d.location).Format(models.DateLayout)
}

// NeedsRollover reports whether lastReset is not today. A missing or
// malformed value on either side counts as a different day.
func (d DayBoundary) NeedsRollover(lastReset string) bool {
	today := d.Today()
	if today == "" {
		return true
	}
	last, err := time.Parse(models.DateLayout, lastReset)
	if err != nil {
		return true
	}
	return last.Format(models.DateLayout) != today
}

// Apply rolls the tenant over inside tx when needed: counters go to zero
// and the ledger is emptied.
func (d DayBoundary) Apply(ctx context.Context, tx store.TenantTx, tenant models.Tenant) (models.Tenant, bool, error) {
	if !d.NeedsRollover(tenant.LastResetDate) {
		return tenant, false, nil
	}
	if err := tx.ClearTickets(ctx); err != nil {
		return tenant, false, err
	}
	tenant.LastResetDate = d.Today()
	tenant.Counters = models.QueueCounters{}
	if err := tx.SaveTenant(ctx, tenant); err != nil {
		return tenant, false, err
	}
	return tenant, true, nil
}
