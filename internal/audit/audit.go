// Package audit emits best-effort audit events for collection and
// document operations. Sink failures are logged by callers and never
// propagate into the main flow.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Result values for audit events.
const (
	ResultSuccess = "SUCCESS"
	ResultSkipped = "SKIPPED"
	ResultFailure = "FAILURE"
)

// Event is one audit record.
type Event struct {
	EventType    string            `json:"eventType"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	Message      string            `json:"message"`
	Context      map[string]string `json:"context,omitempty"`
	DocumentID   string            `json:"documentId,omitempty"`
	CollectionID string            `json:"collectionId,omitempty"`
	Result       string            `json:"result"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sink records audit events.
type Sink interface {
	LogEvent(ctx context.Context, event Event) error
}

// ZapSink writes audit events to the structured log.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log-backed sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

// LogEvent writes the event as one structured log line.
func (s *ZapSink) LogEvent(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("action", event.Action),
		zap.String("resource_type", event.ResourceType),
		zap.String("resource_id", event.ResourceID),
		zap.String("result", event.Result),
	}
	if event.DocumentID != "" {
		fields = append(fields, zap.String("document_id", event.DocumentID))
	}
	if event.CollectionID != "" {
		fields = append(fields, zap.String("collection_id", event.CollectionID))
	}
	for k, v := range event.Context {
		fields = append(fields, zap.String("ctx_"+k, v))
	}
	s.logger.Info(event.Message, fields...)
	return nil
}

// NATSSink publishes audit events as JSON to a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink creates a NATS-backed sink publishing to subject.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "vectord.audit"
	}
	return &NATSSink{conn: conn, subject: subject}
}

// LogEvent publishes the event without waiting for consumers.
func (s *NATSSink) LogEvent(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, payload)
}

var (
	_ Sink = (*ZapSink)(nil)
	_ Sink = (*NATSSink)(nil)
)
