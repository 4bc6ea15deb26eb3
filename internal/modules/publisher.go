package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
	"github.com/nats-io/nats.go/jetstream"
)

type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// corePublisher is satisfied by *nats.Conn.
type corePublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher enqueues task messages on the stream and announces finished
// tasks on the status subject.
type Publisher struct {
	js            streamPublisher
	nc            corePublisher
	statusSubject string
	logger        *logger.Logger
}

func NewPublisher(js streamPublisher, nc corePublisher, statusSubject string, log *logger.Logger) *Publisher {
	return &Publisher{
		js:            js,
		nc:            nc,
		statusSubject: statusSubject,
		logger:        log.Named("publisher"),
	}
}

// Enqueue publishes payload under routingKey with a fresh message id, which
// JetStream uses to drop duplicate publishes. It returns the message id.
func (p *Publisher) Enqueue(ctx context.Context, routingKey string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("payload for %s is not valid JSON", routingKey)
	}

	msgID := uuid.NewString()
	ack, err := p.js.Publish(ctx, routingKey, payload, jetstream.WithMsgID(msgID))
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	p.logger.Infow("task enqueued", "routing_key", routingKey, "msg_id", msgID, "stream", ack.Stream, "seq", ack.Sequence)
	return msgID, nil
}

// PublishResult is fire-and-forget: a lost status event only affects
// metrics.
func (p *Publisher) PublishResult(result types.TaskResult) {
	data, err := json.Marshal(result)
	if err != nil {
		p.logger.Errorw("failed to marshal task result", "task_id", result.TaskID, "error", err)
		return
	}
	if err := p.nc.Publish(p.statusSubject, data); err != nil {
		p.logger.Warnw("failed to publish task result", "task_id", result.TaskID, "error", err)
	}
}
