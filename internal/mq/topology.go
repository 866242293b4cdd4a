package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeRuns  Exchange = "nbflow.runs"
	ExchangeTasks Exchange = "nbflow.tasks"
	ExchangeDLQ   Exchange = "nbflow.dlq"
)

const (
	QueueRunsPending    Queue = "runs.pending"
	QueueTasksReady     Queue = "tasks.ready"
	QueueTasksCompleted Queue = "tasks.completed"
	QueueDLQTasks       Queue = "dlq.tasks"
)

const (
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQTasks  RoutingKey = "tasks"
)

// QueueSpec — объявление очереди и её привязки.
type QueueSpec struct {
	Name       Queue
	Exchange   Exchange
	RoutingKey RoutingKey
	Args       amqp.Table
	Consumer   string
}

// Exchanges возвращает обменники nbflow (все direct, durable).
func Exchanges() []Exchange {
	return []Exchange{ExchangeRuns, ExchangeTasks, ExchangeDLQ}
}

// Queues возвращает очереди nbflow в порядке объявления.
func Queues() []QueueSpec {
	return []QueueSpec{
		{
			Name: QueueRunsPending, Exchange: ExchangeRuns, RoutingKey: RoutingKeyPending,
			Consumer: "orchestrator",
		},
		{
			// Отклонённые без requeue задачи уходят в dlq.tasks
			Name: QueueTasksReady, Exchange: ExchangeTasks, RoutingKey: RoutingKeyReady,
			Args: amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
			},
			Consumer: "worker",
		},
		{
			Name: QueueTasksCompleted, Exchange: ExchangeTasks, RoutingKey: RoutingKeyCompleted,
			Consumer: "orchestrator",
		},
		{
			Name: QueueDLQTasks, Exchange: ExchangeDLQ, RoutingKey: RoutingKeyDLQTasks,
			Consumer: "manual",
		},
	}
}

// SetupTopology объявляет exchanges, queues и bindings.
// Операция идемпотентна: её вызывает каждый сервис при старте.
func SetupTopology(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		for _, ex := range Exchanges() {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, q := range Queues() {
			if _, err := ch.QueueDeclare(string(q.Name), true, false, false, false, q.Args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.Name, err)
			}
			if err := ch.QueueBind(string(q.Name), string(q.RoutingKey), string(q.Exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.Name, q.Exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	var b strings.Builder
	b.WriteString("nbflow RabbitMQ topology:\n")
	for _, ex := range Exchanges() {
		fmt.Fprintf(&b, "  %s (direct)\n", ex)
		for _, q := range Queues() {
			if q.Exchange != ex {
				continue
			}
			fmt.Fprintf(&b, "    %s [routing: %s] consumer: %s", q.Name, q.RoutingKey, q.Consumer)
			if dlx, ok := q.Args["x-dead-letter-exchange"]; ok {
				fmt.Fprintf(&b, " dlx: %v", dlx)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
