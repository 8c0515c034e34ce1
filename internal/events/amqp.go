package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const Exchange = "integrations.events"

// AMQP publishes events to a fanout exchange so every API instance can drop its
// cached results. Local subscribers are served in-process; Listen forwards events
// from other instances to them.
type AMQP struct {
	url    string
	origin string
	logger *slog.Logger
	local  *InMemory

	mu   sync.Mutex
	conn *amqp.Connection
}

// DialAMQP connects with backoff and declares the exchange.
func DialAMQP(ctx context.Context, url string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AMQP{url: url, origin: uuid.NewString(), logger: logger, local: NewInMemory(0)}
	ch, err := a.channel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return a, nil
}

func (a *AMQP) connection(ctx context.Context) (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 300 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 30 * time.Second

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.DialConfig(a.url, amqp.Config{Heartbeat: 10 * time.Second, Properties: amqp.Table{"connection_name": "integrations-api"}})
		if err != nil {
			a.logger.Warn("rabbitmq: dial failed", "err", err)
		}
		return err
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	a.conn = conn
	return conn, nil
}

func (a *AMQP) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// Publish delivers locally first, then to the exchange. Broker failures are logged.
func (a *AMQP) Publish(ctx context.Context, evt IntegrationChanged) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	evt.Origin = a.origin
	a.local.Publish(ctx, evt)

	body, err := json.Marshal(evt)
	if err != nil {
		a.logger.Error("rabbitmq: marshal event", "err", err)
		return
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxElapsedTime = 5 * time.Second

	err = backoff.Retry(func() error {
		ch, err := a.channel(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.PublishWithContext(ctx, Exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Timestamp:    evt.At,
			DeliveryMode: amqp.Transient,
			Body:         body,
		})
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		a.logger.Error("rabbitmq: publish event", "integration", evt.Name, "kind", evt.Kind, "err", err)
	}
}

func (a *AMQP) Subscribe() <-chan IntegrationChanged { return a.local.Subscribe() }

// Listen consumes the exchange through an exclusive queue until ctx ends,
// reconnecting after channel failures.
func (a *AMQP) Listen(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := a.listenOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("rabbitmq: listener stopped, reconnecting", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return ctx.Err()
}

func (a *AMQP) listenOnce(ctx context.Context) error {
	ch, err := a.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err == nil {
				return fmt.Errorf("channel closed")
			}
			return err
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			a.handle(ctx, d.Body)
		}
	}
}

// handle forwards events published by other instances to local subscribers.
func (a *AMQP) handle(ctx context.Context, body []byte) {
	var evt IntegrationChanged
	if err := json.Unmarshal(body, &evt); err != nil {
		a.logger.Warn("rabbitmq: undecodable event", "err", err)
		return
	}
	if evt.Origin == a.origin {
		return
	}
	a.local.Publish(ctx, evt)
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn.Close()
	}
	return nil
}
