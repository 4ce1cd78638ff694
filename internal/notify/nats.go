package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "rutapos.events."

// NATSDispatcher publishes events on a NATS subject per event type
// (rutapos.events.<type>). Publish failures are logged and dropped; the
// engine does not depend on delivery.
type NATSDispatcher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSDispatcher(url string, logger *zap.Logger) (*NATSDispatcher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSDispatcher{conn: conn, logger: logger}, nil
}

func (d *NATSDispatcher) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Warn("drop event: marshal failed", zap.Error(err))
		return
	}
	if err := d.conn.Publish(subjectPrefix+string(ev.Type), payload); err != nil {
		d.logger.Warn("drop event: publish failed",
			zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (d *NATSDispatcher) Close() {
	d.conn.Close()
}
