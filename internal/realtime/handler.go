// Package realtime serves the SockJS endpoint used by kiosks, staff consoles
// and waiting-room displays. A connection subscribes to one tenant at a time
// and may also drive queue actions over the same socket.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const Prefix = "/realtime"

type QueueService interface {
	IssueTicket(ctx context.Context, code string) (queue.IssueResult, error)
	CallNext(ctx context.Context, code string) (queue.CallResult, error)
	RepeatCall(ctx context.Context, code string) (queue.RepeatResult, error)
	ResetQueue(ctx context.Context, code string) error
	Snapshot(ctx context.Context, code string) (queue.Snapshot, error)
}

// Session is the part of sockjs.Session the handler needs.
type Session interface {
	Recv() (string, error)
	Send(string) error
}

type Handler struct {
	hub           *hub.Hub
	queue         QueueService
	logger        *zap.Logger
	buffer        int
	actionTimeout time.Duration
	now           func() time.Time
}

func NewHandler(h *hub.Hub, svc QueueService, buffer int, logger *zap.Logger) *Handler {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:           h,
		queue:         svc,
		logger:        logger,
		buffer:        buffer,
		actionTimeout: 5 * time.Second,
		now:           time.Now,
	}
}

// HTTPHandler mounts the SockJS transport under Prefix.
func (h *Handler) HTTPHandler() http.Handler {
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		h.Serve(session)
	})
}

// Serve runs the receive loop for one connection until it closes.
func (h *Handler) Serve(session Session) {
	client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, h.buffer)}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		h.handle(client, []byte(msg))
	}
}

func (h *Handler) handle(client *hub.Client, data []byte) {
	msg, ok := ParseMessage(data)
	if !ok {
		h.reply(client, reply{Type: "error", Error: &replyError{Code: "invalid_message", Message: "unrecognized message"}})
		return
	}
	if msg.Action == ActionUnsubscribe {
		h.hub.Unsubscribe(client)
		return
	}
	code := msg.TenantCode
	if code == "" {
		code = client.TenantCode
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.actionTimeout)
	defer cancel()

	var (
		payload interface{}
		err     error
	)
	switch msg.Action {
	case ActionSubscribe:
		err = h.subscribe(ctx, client, code)
		if err == nil {
			return
		}
	case ActionIssueTicket:
		payload, err = h.queue.IssueTicket(ctx, code)
	case ActionCallNext:
		payload, err = h.queue.CallNext(ctx, code)
	case ActionRepeatCall:
		payload, err = h.queue.RepeatCall(ctx, code)
	case ActionResetQueue:
		err = h.queue.ResetQueue(ctx, code)
	}
	if err != nil {
		h.logger.Debug("realtime action failed", zap.String("action", msg.Action), zap.String("tenant", code), zap.Error(err))
		h.reply(client, reply{
			Type:       "error",
			Action:     msg.Action,
			TenantCode: code,
			Error:      &replyError{Code: queue.Code(err), Message: err.Error()},
		})
		return
	}
	h.reply(client, reply{Type: "ack", Action: msg.Action, TenantCode: code, Payload: payload})
}

// subscribe points the client at code and sends it the current state
// privately so a fresh display renders without waiting for a change. The
// previous subscription stays in place if the snapshot fails.
func (h *Handler) subscribe(ctx context.Context, client *hub.Client, code string) error {
	h.hub.Prepare(client, code)
	snap, err := h.queue.Snapshot(ctx, code)
	if err != nil {
		h.hub.Abort(client)
		return err
	}
	now := h.now().UTC()
	frames := make([][]byte, 0, 3)
	for _, item := range []struct {
		eventType string
		payload   interface{}
	}{
		{models.EventSettingsUpdated, snap.Settings},
		{models.EventDisplayUpdated, models.DisplayPayload{Number: snap.CurrentNumber}},
		{models.EventWaitingCountChanged, models.WaitingCountPayload{Count: snap.WaitingCount}},
	} {
		event, err := models.NewEvent(item.eventType, snap.TenantCode, item.payload, now)
		if err != nil {
			h.hub.Abort(client)
			return err
		}
		event.Sequence = snap.Sequence
		raw, err := json.Marshal(event)
		if err != nil {
			h.hub.Abort(client)
			return err
		}
		frames = append(frames, raw)
	}
	h.hub.Activate(client, snap.Sequence, frames)
	return nil
}

func (h *Handler) reply(client *hub.Client, r reply) {
	raw, err := json.Marshal(r)
	if err != nil {
		h.logger.Error("encode reply", zap.Error(err))
		return
	}
	h.hub.Deliver(client, raw)
}
