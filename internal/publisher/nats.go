// Package publisher forwards committed queue events to sinks outside the
// process, such as announcement and ticket-printing workers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATS struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

func NewNATS(conn Conn, prefix string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "qms"
	}
	return &NATS{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url with reconnects enabled. Publishes made while
// disconnected are buffered by the client library.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("clinic-queue"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (p *NATS) Subject(event models.Event) string {
	return p.prefix + "." + event.TenantCode + "." + event.Type
}

func (p *NATS) Publish(ctx context.Context, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		p.logger.Warn("nats publish failed", zap.String("subject", p.Subject(event)), zap.Error(err))
	}
}
