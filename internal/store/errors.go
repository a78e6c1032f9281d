package store

import "errors"

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantExists    = errors.New("tenant already exists")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrInvalidState    = errors.New("invalid ticket state")
	ErrDuplicateNumber = errors.New("ticket number already issued")
)
