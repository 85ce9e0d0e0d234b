package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultStatusSubject is where document status transitions are
// published.
const DefaultStatusSubject = "vectord.documents.status"

// NATSNotifier broadcasts status events over plain NATS publish.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier creates a notifier. An empty subject uses
// DefaultStatusSubject.
func NewNATSNotifier(conn *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultStatusSubject
	}
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) NotifyStatus(_ context.Context, event StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publishing status event: %w", err)
	}
	return nil
}

var _ StatusNotifier = (*NATSNotifier)(nil)
