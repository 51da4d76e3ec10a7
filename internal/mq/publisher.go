package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeRunReady — run готов к продвижению.
const MessageTypeRunReady MessageType = "run.ready"

// ErrNack — брокер отказался принять сообщение.
var ErrNack = errors.New("message nacked by broker")

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunReadyPayload — payload сообщения run.ready.
type RunReadyPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// NewRunReady создаёт сообщение run.ready.
func NewRunReady(runID uuid.UUID) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunReady,
		Payload:   RunReadyPayload{RunID: runID},
		Timestamp: time.Now().UTC(),
	}
}

// Publish публикует сообщение и ждёт подтверждения брокера,
// если канал открыт в режиме confirm.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		if confirm != nil {
			acked, err := confirm.WaitContext(ctx)
			if err != nil {
				return fmt.Errorf("wait confirm %s: %w", msg.ID, err)
			}
			if !acked {
				return fmt.Errorf("%w: %s", ErrNack, msg.ID)
			}
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishRunReady публикует run.ready.
// Потребитель: Worker.
func (p *Publisher) PublishRunReady(ctx context.Context, runID uuid.UUID) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyReady, NewRunReady(runID))
}

// Enqueue ставит run в очередь на продвижение.
func (p *Publisher) Enqueue(ctx context.Context, runID uuid.UUID) error {
	return p.PublishRunReady(ctx, runID)
}
