package models

import "time"

// DateLayout is the format of Tenant.LastResetDate.
const DateLayout = "2006-01-02"

type DisplaySettings struct {
	Name         string `json:"name"`
	TicketTitle  string `json:"ticket_title"`
	TicketFooter string `json:"ticket_footer"`
	ShowLogo     bool   `json:"show_logo"`
}

type QueueCounters struct {
	LastIssuedNumber    int `json:"last_issued_number"`
	CurrentCalledNumber int `json:"current_called_number"`
}

type Tenant struct {
	Code          string          `json:"code"`
	Active        bool            `json:"active"`
	Settings      DisplaySettings `json:"settings"`
	LastResetDate string          `json:"last_reset_date"`
	Counters      QueueCounters   `json:"counters"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
