package queue

import (
	"context"
	"errors"
	"fmt"

	"qms/clinic-queue/internal/store"
)

var (
	ErrUnknownTenant      = errors.New("unknown tenant")
	ErrInactiveTenant     = errors.New("tenant is inactive")
	ErrInvalidSettings    = errors.New("invalid settings payload")
	ErrInvalidTenantCode  = errors.New("invalid tenant code")
	ErrTenantExists       = errors.New("tenant already exists")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// storageError passes domain errors through and folds everything else into
// ErrStorageUnavailable.
func storageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownTenant),
		errors.Is(err, ErrInactiveTenant),
		errors.Is(err, ErrInvalidSettings),
		errors.Is(err, ErrInvalidTenantCode),
		errors.Is(err, ErrTenantExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrTenantNotFound):
		return ErrUnknownTenant
	case errors.Is(err, store.ErrTenantExists):
		return ErrTenantExists
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}

// Code returns the stable machine-readable code for err, shared by every
// transport.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, ErrInactiveTenant):
		return "inactive_tenant"
	case errors.Is(err, ErrInvalidSettings):
		return "invalid_settings"
	case errors.Is(err, ErrInvalidTenantCode):
		return "invalid_tenant_code"
	case errors.Is(err, ErrTenantExists):
		return "tenant_exists"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal_error"
	}
}
