package hub

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"

	"qms/clinic-queue/internal/models"

	"go.uber.org/zap"
)

var (
	messagesDelivered = expvar.NewInt("hub_messages_delivered_total")
	messagesDropped   = expvar.NewInt("hub_messages_dropped_total")
)

// Client is one realtime connection. TenantCode is empty until the client
// subscribes; unsubscribed clients receive nothing.
type Client struct {
	ID         string
	Send       chan []byte
	TenantCode string

	pending string
	held    []heldEvent
	floor   uint64
}

type heldEvent struct {
	sequence uint64
	payload  []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, tenantCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.TenantCode = tenantCode
	client.pending = ""
	client.held = nil
	client.floor = 0
}

// Prepare starts moving client to tenantCode. Until Activate or Abort the
// client keeps its current subscription, and events for tenantCode are held
// back rather than delivered.
func (h *Hub) Prepare(client *Client, tenantCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.pending = tenantCode
	client.held = nil
}

// Activate completes a Prepare. The snapshot frames go out first, then any
// held event newer than sequence. Later events at or below sequence are
// dropped for this client.
func (h *Hub) Activate(client *Client, sequence uint64, snapshot [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.pending == "" {
		return
	}
	client.TenantCode = client.pending
	client.floor = sequence
	held := client.held
	client.pending = ""
	client.held = nil
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for _, frame := range snapshot {
		h.deliver(client, frame)
	}
	for _, event := range held {
		if event.sequence > sequence {
			h.deliver(client, event.payload)
		}
	}
}

// Abort cancels a Prepare and leaves the current subscription untouched.
func (h *Hub) Abort(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.pending = ""
	client.held = nil
}

func (h *Hub) Unsubscribe(client *Client) {
	h.Subscribe(client, "")
}

// Subscribers counts the clients currently subscribed to tenantCode.
func (h *Hub) Subscribers(tenantCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, client := range h.clients {
		if client.TenantCode == tenantCode {
			count++
		}
	}
	return count
}

// Publish fans event out to the subscribers of its tenant. It never blocks:
// a client whose buffer is full misses the message.
func (h *Hub) Publish(ctx context.Context, event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	h.broadcast(event.TenantCode, event.Sequence, payload)
}

func (h *Hub) broadcast(tenantCode string, sequence uint64, payload []byte) {
	if tenantCode == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		switch {
		case client.pending == tenantCode:
			if len(client.held) >= cap(client.Send) {
				messagesDropped.Add(1)
				continue
			}
			client.held = append(client.held, heldEvent{sequence: sequence, payload: payload})
		case client.TenantCode == tenantCode:
			if client.floor > 0 && sequence <= client.floor {
				continue
			}
			h.deliver(client, payload)
		}
	}
}

// Deliver sends payload to a single registered client.
func (h *Hub) Deliver(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	return h.deliver(client, payload)
}

func (h *Hub) deliver(client *Client, payload []byte) bool {
	select {
	case client.Send <- payload:
		messagesDelivered.Add(1)
		return true
	default:
		messagesDropped.Add(1)
		h.logger.Warn("drop message for client", zap.String("client", client.ID), zap.String("tenant", client.TenantCode))
		return false
	}
}
