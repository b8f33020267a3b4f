package ingestion

import (
	"context"
	"fmt"

	"FolioLedger/internal/persistence"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// RecordPublisher publishes outbox messages to JetStream. The outbox event
// id is sent as Nats-Msg-Id, so a message republished after a crash between
// publish and ack is dropped by the server.
type RecordPublisher struct {
	js     streamPublisher
	stream string
	logger zerolog.Logger
}

func NewRecordPublisher(js jetstream.JetStream, stream string, logger zerolog.Logger) *RecordPublisher {
	return newRecordPublisher(js, stream, logger)
}

func newRecordPublisher(js streamPublisher, stream string, logger zerolog.Logger) *RecordPublisher {
	return &RecordPublisher{js: js, stream: stream, logger: logger}
}

func (p *RecordPublisher) Publish(ctx context.Context, msg persistence.OutboxMessage) error {
	ack, err := p.js.Publish(ctx, msg.Subject, msg.Payload,
		jetstream.WithMsgID(msg.EventID),
		jetstream.WithExpectStream(p.stream),
	)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.EventID, msg.Subject, err)
	}
	if ack.Duplicate {
		p.logger.Debug().Str("event_id", msg.EventID).Msg("event already in stream")
	}
	return nil
}
