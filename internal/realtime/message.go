package realtime

import (
	"encoding/json"
	"strings"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionIssueTicket = "issue_ticket"
	ActionCallNext    = "call_next"
	ActionRepeatCall  = "repeat_call"
	ActionResetQueue  = "reset_queue"
)

var knownActions = map[string]bool{
	ActionSubscribe:   true,
	ActionUnsubscribe: true,
	ActionIssueTicket: true,
	ActionCallNext:    true,
	ActionRepeatCall:  true,
	ActionResetQueue:  true,
}

type Message struct {
	Action     string `json:"action"`
	TenantCode string `json:"tenant_code"`
}

// ParseMessage decodes a client frame. Unknown actions are rejected.
func ParseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	msg.Action = strings.TrimSpace(msg.Action)
	msg.TenantCode = strings.TrimSpace(msg.TenantCode)
	if !knownActions[msg.Action] {
		return Message{}, false
	}
	return msg, true
}

type reply struct {
	Type       string      `json:"type"`
	Action     string      `json:"action,omitempty"`
	TenantCode string      `json:"tenant_code,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Error      *replyError `json:"error,omitempty"`
}

type replyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
