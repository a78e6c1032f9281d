package queue

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const maxSettingLength = 200

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Directory maps tenant codes to tenant records and gates every queue
// operation on the tenant being known and active.
type Directory struct {
	store         store.Store
	days          DayBoundary
	autoProvision bool
	defaults      models.DisplaySettings
}

func NewDirectory(st store.Store, days DayBoundary, autoProvision bool, defaults models.DisplaySettings) *Directory {
	return &Directory{
		store:         st,
		days:          days,
		autoProvision: autoProvision,
		defaults:      defaults,
	}
}

func NormalizeCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return "", ErrInvalidTenantCode
	}
	return code, nil
}

func ValidateSettings(settings models.DisplaySettings) error {
	if strings.TrimSpace(settings.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSettings)
	}
	if strings.TrimSpace(settings.TicketTitle) == "" {
		return fmt.Errorf("%w: ticket_title is required", ErrInvalidSettings)
	}
	for field, value := range map[string]string{
		"name":          settings.Name,
		"ticket_title":  settings.TicketTitle,
		"ticket_footer": settings.TicketFooter,
	} {
		if len([]rune(value)) > maxSettingLength {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidSettings, field, maxSettingLength)
		}
	}
	return nil
}

func (d *Directory) newTenant(code string) models.Tenant {
	return models.Tenant{
		Code:          code,
		Active:        true,
		Settings:      d.defaults,
		LastResetDate: d.days.Today(),
	}
}

// gate loads the tenant inside tx, provisioning it when policy allows.
func (d *Directory) gate(ctx context.Context, tx store.TenantTx, code string, allowInactive bool) (models.Tenant, error) {
	tenant, found, err := tx.LoadTenant(ctx)
	if err != nil {
		return models.Tenant{}, err
	}
	if !found {
		if !d.autoProvision {
			return models.Tenant{}, ErrUnknownTenant
		}
		tenant, err = tx.CreateTenant(ctx, d.newTenant(code))
		if err != nil {
			return models.Tenant{}, err
		}
	}
	if !tenant.Active && !allowInactive {
		return models.Tenant{}, ErrInactiveTenant
	}
	return tenant, nil
}

// Resolve returns a provisioned tenant without creating one.
func (d *Directory) Resolve(ctx context.Context, code string) (models.Tenant, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return models.Tenant{}, err
	}
	var tenant models.Tenant
	err = d.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		var found bool
		tenant, found, err = tx.LoadTenant(ctx)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownTenant
		}
		return nil
	})
	return tenant, storageError(err)
}

// Ensure returns the tenant, auto-provisioning it with default settings
// when the policy permits. Inactive tenants are returned, not rejected.
func (d *Directory) Ensure(ctx context.Context, code string) (models.Tenant, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return models.Tenant{}, err
	}
	var tenant models.Tenant
	err = d.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		tenant, err = d.gate(ctx, tx, code, true)
		return err
	})
	return tenant, storageError(err)
}

// Create provisions a tenant explicitly. name overrides the default
// display name when set.
func (d *Directory) Create(ctx context.Context, code, name string) (models.Tenant, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return models.Tenant{}, err
	}
	tenant := d.newTenant(code)
	if name = strings.TrimSpace(name); name != "" {
		tenant.Settings.Name = name
	}
	if err := ValidateSettings(tenant.Settings); err != nil {
		return models.Tenant{}, err
	}
	err = d.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		tenant, err = tx.CreateTenant(ctx, tenant)
		return err
	})
	return tenant, storageError(err)
}

func (d *Directory) SetActive(ctx context.Context, code string, active bool) (models.Tenant, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return models.Tenant{}, err
	}
	var tenant models.Tenant
	err = d.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		var found bool
		tenant, found, err = tx.LoadTenant(ctx)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownTenant
		}
		tenant.Active = active
		return tx.SaveTenant(ctx, tenant)
	})
	return tenant, storageError(err)
}

// Delete removes the tenant together with its ledger.
func (d *Directory) Delete(ctx context.Context, code string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	err = d.store.WithTenant(ctx, code, func(tx store.TenantTx) error {
		return tx.DeleteTenant(ctx)
	})
	return storageError(err)
}

func (d *Directory) List(ctx context.Context) ([]models.Tenant, error) {
	tenants, err := d.store.ListTenants(ctx)
	return tenants, storageError(err)
}
