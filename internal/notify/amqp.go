package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	appLog "recurcal/internal/log"
	"recurcal/internal/rules"
)

const declareAttempts = 3

// AMQPListener consumes JSON notifications from a durable RabbitMQ queue and
// dispatches them to a Handler.
//
// Deliveries are acked after the handler succeeds. Payloads that cannot be
// decoded or validated, and events whose schedules do not compile, are
// dropped (nack without requeue). Any other handler error requeues the
// delivery.
type AMQPListener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	handler Handler

	wg sync.WaitGroup
}

func NewAMQPListener(url, queue string, h Handler) (*AMQPListener, error) {
	if queue == "" {
		return nil, errors.New("notify: amqp queue name is empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: amqp channel: %w", err)
	}

	return &AMQPListener{
		conn:    conn,
		channel: channel,
		queue:   queue,
		handler: h,
	}, nil
}

// Start declares the queue and begins consuming until ctx is done or the
// channel closes.
func (l *AMQPListener) Start(ctx context.Context) error {
	var (
		q   amqp.Queue
		err error
	)
	for attempt := 1; attempt <= declareAttempts; attempt++ {
		q, err = l.channel.QueueDeclare(
			l.queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err == nil {
			break
		}
		appLog.Error("amqp queue declare failed; retrying", err, "queue", l.queue, "attempt", attempt)
		if attempt == declareAttempts {
			return fmt.Errorf("notify: declare queue %s: %w", l.queue, err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	consumer := fmt.Sprintf("recurcal-%s-%d", q.Name, time.Now().UnixNano())
	msgs, err := l.channel.Consume(
		q.Name,
		consumer,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("notify: consume %s: %w", q.Name, err)
	}

	appLog.Info("amqp listener started", "queue", q.Name, "consumer", consumer)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				appLog.Info("amqp listener stopping", "queue", q.Name)
				return
			case msg, ok := <-msgs:
				if !ok {
					appLog.Info("amqp delivery channel closed", "queue", q.Name)
					return
				}
				l.handle(ctx, msg)
			}
		}
	}()
	return nil
}

// Stop closes the channel and connection and waits for the consumer to
// return.
func (l *AMQPListener) Stop() error {
	if l == nil || l.channel == nil {
		return nil
	}
	chErr := l.channel.Close()
	connErr := l.conn.Close()
	l.wg.Wait()
	return errors.Join(chErr, connErr)
}

func (l *AMQPListener) handle(ctx context.Context, msg amqp.Delivery) {
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		appLog.Error("amqp notification is not valid json; dropping", err, "delivery_tag", msg.DeliveryTag)
		settle(msg.Nack(false, false))
		return
	}

	err := Dispatch(ctx, l.handler, n)
	switch {
	case err == nil:
		settle(msg.Ack(false))
	case errors.Is(err, ErrUnknownKind), isValidationError(err), rules.IsCompileError(err):
		appLog.Error("amqp notification rejected; dropping", err, "kind", string(n.Kind), "event_id", n.EventID)
		settle(msg.Nack(false, false))
	default:
		appLog.Error("amqp notification failed; requeueing", err, "kind", string(n.Kind), "event_id", n.EventID)
		settle(msg.Nack(false, true))
	}
}

func isValidationError(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs) || errors.Is(err, errEventMismatch)
}

func settle(err error) {
	if err != nil {
		appLog.Error("amqp settle failed", err)
	}
}
