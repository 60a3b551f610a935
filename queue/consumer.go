package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/zerafachris/onyx-cz-sub000/common"
)

// Handler processes one task message. Returning an error drops the message
// without requeueing: the fence protocol, not the broker, owns retries —
// a task that never completes leaves its task-set entry behind, and the
// coordinator's validation pass reaps the stalled fence.
type Handler func(ctx context.Context, msg TaskMessage) error

// Consumer dispatches queued task messages to registered handlers.
type Consumer struct {
	broker   *Broker
	handlers map[string]Handler
	log      *common.ContextLogger
}

// NewConsumer builds a consumer over an existing broker connection.
func NewConsumer(broker *Broker, log *common.ContextLogger) *Consumer {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Consumer{broker: broker, handlers: make(map[string]Handler), log: log}
}

// Register binds a task name to its handler. Panics on duplicate
// registration, which is always a wiring bug.
func (c *Consumer) Register(name string, h Handler) {
	if _, dup := c.handlers[name]; dup {
		panic(fmt.Sprintf("queue: duplicate handler for task %q", name))
	}
	c.handlers[name] = h
}

// Run consumes queueName with the given number of workers until the context
// is canceled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context, queueName string, workers int) error {
	if workers < 1 {
		workers = 1
	}
	deliveries, err := c.broker.channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.dispatch(ctx, queueName, d)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, queueName string, d amqp.Delivery) {
	var msg TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.WithField("queue", queueName).WithError(err).Error("Dropping malformed task message")
		d.Nack(false, false)
		return
	}

	log := c.log.WithFields(map[string]interface{}{
		"queue":     queueName,
		"task_name": msg.Name,
		"tenant_id": msg.TenantID,
	})

	handler, ok := c.handlers[msg.Name]
	if !ok {
		log.Error("No handler registered for task")
		d.Nack(false, false)
		return
	}

	if err := handler(ctx, msg); err != nil {
		log.WithError(err).Error("Task handler failed")
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}
