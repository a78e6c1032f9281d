package models

import "time"

type Ticket struct {
	TicketID   string     `json:"ticket_id"`
	TenantCode string     `json:"tenant_code"`
	Number     int        `json:"number"`
	Status     string     `json:"status"`
	IssuedAt   time.Time  `json:"issued_at"`
	CalledAt   *time.Time `json:"called_at,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusCalled  = "called"
)
