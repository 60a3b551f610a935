package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/syncer"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

// Queue names. Indexing tasks are long-running and get their own queue so
// a backlog of heavy work never starves the light per-document syncs.
const (
	QueueIndexing = "onyx_indexing"
	QueueDocSync  = "onyx_docsync"
)

// Task names carried in the message envelope.
const (
	TaskRunIndexing  = "run_indexing"
	TaskSyncDocument = "sync_document"
)

// TaskMessage is the wire envelope for every queued task. Body holds the
// task-specific payload.
type TaskMessage struct {
	Name     string          `json:"name"`
	TenantID string          `json:"tenant_id"`
	Body     json.RawMessage `json:"body"`
}

// Broker publishes task messages and owns the AMQP connection lifecycle.
type Broker struct {
	connection AMQPConnection
	channel    AMQPChannel
	cfg        config.QueueConfig
	log        *common.ContextLogger
}

// NewBroker connects to the AMQP server from config and declares the task
// queues.
func NewBroker(cfg config.QueueConfig, log *common.ContextLogger) (*Broker, error) {
	return NewBrokerWithDialer(cfg, &RealAMQPDialer{}, log)
}

// NewBrokerWithDialer is NewBroker with an injectable dialer for tests.
func NewBrokerWithDialer(cfg config.QueueConfig, dialer AMQPDialer, log *common.ContextLogger) (*Broker, error) {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable queues so tasks survive broker restarts.
	for _, name := range []string{QueueIndexing, QueueDocSync} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	return &Broker{connection: conn, channel: ch, cfg: cfg, log: log}, nil
}

func (b *Broker) publish(queueName string, msg TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}
	err = b.channel.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}
	return nil
}

// EnqueueDocSync publishes a per-document sync task to the light queue.
// Implements the coordinator's Enqueuer.
func (b *Broker) EnqueueDocSync(ctx context.Context, task syncer.DocSyncTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal doc sync task: %w", err)
	}
	return b.publish(QueueDocSync, TaskMessage{
		Name:     TaskSyncDocument,
		TenantID: task.TenantID,
		Body:     body,
	})
}

// EnqueueIndexing publishes an indexing watchdog task to the heavy queue.
func (b *Broker) EnqueueIndexing(ctx context.Context, args watchdog.SpawnArgs) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal indexing task: %w", err)
	}
	return b.publish(QueueIndexing, TaskMessage{
		Name:     TaskRunIndexing,
		TenantID: args.TenantID,
		Body:     body,
	})
}

// Depth returns the number of ready messages in a queue. The beat uses it to
// cross-check fence state against queue state.
func (b *Broker) Depth(queueName string) (int, error) {
	q, err := b.channel.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}
	return q.Messages, nil
}

// Close shuts down the channel and connection.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
