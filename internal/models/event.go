package models

import (
	"encoding/json"
	"time"
)

const (
	EventSettingsUpdated     = "settings_updated"
	EventDisplayUpdated      = "display_updated"
	EventWaitingCountChanged = "waiting_count_changed"
	EventTicketIssued        = "ticket_issued"
)

// Event is a committed state change addressed to one tenant's subscribers.
// Sequence is assigned under the tenant lock, so for one tenant it follows
// commit order; every event of one operation shares it.
type Event struct {
	Type       string          `json:"type"`
	TenantCode string          `json:"tenant_code"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DisplayPayload struct {
	Number   int  `json:"number"`
	Announce bool `json:"announce"`
}

type WaitingCountPayload struct {
	Count int `json:"count"`
}

type TicketIssuedPayload struct {
	Number      int             `json:"number"`
	QueuesAhead int             `json:"queues_ahead"`
	Settings    DisplaySettings `json:"settings"`
}

func NewEvent(eventType, tenantCode string, payload interface{}, createdAt time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, TenantCode: tenantCode, Payload: raw, CreatedAt: createdAt}, nil
}
