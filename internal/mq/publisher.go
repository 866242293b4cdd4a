package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

const (
	MessageTypeRunPending    MessageType = "run.pending"
	MessageTypeTaskReady     MessageType = "task.ready"
	MessageTypeTaskCompleted MessageType = "task.completed"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunPendingPayload — новый run ожидает выполнения.
type RunPendingPayload struct {
	RunID uuid.UUID `json:"run_id"`
	DAGID string    `json:"dag_id"`
}

// TaskReadyPayload — задача готова к выполнению.
type TaskReadyPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	RunID  uuid.UUID `json:"run_id"`
}

// TaskCompletedPayload — задача завершена.
type TaskCompletedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	RunID     uuid.UUID `json:"run_id"`
	DAGTaskID string    `json:"dag_task_id"`
	Status    string    `json:"status"` // SUCCEEDED или FAILED
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
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

// PublishRunPending публикует run.pending. Потребитель: orchestrator.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID, dagID string) error {
	msg := NewMessage(MessageTypeRunPending, RunPendingPayload{RunID: runID, DAGID: dagID})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishTaskReady публикует task.ready. Потребитель: worker.
func (p *Publisher) PublishTaskReady(ctx context.Context, taskID, runID uuid.UUID) error {
	msg := NewMessage(MessageTypeTaskReady, TaskReadyPayload{TaskID: taskID, RunID: runID})
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg)
}

// PublishTaskCompleted публикует task.completed. Потребитель: orchestrator.
func (p *Publisher) PublishTaskCompleted(ctx context.Context, payload TaskCompletedPayload) error {
	msg := NewMessage(MessageTypeTaskCompleted, payload)
	return p.Publish(ctx, ExchangeTasks, RoutingKeyCompleted, msg)
}
