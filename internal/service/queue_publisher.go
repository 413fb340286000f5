// Package service provides adapters from domain packages to external
// infrastructure.  Publisher delivers order events to RabbitMQ.
package service

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "go.uber.org/zap"

    q "github.com/iliyamo/ticketmall/internal/queue"
)

// dialTimeout bounds the TCP connect and the AMQP handshake.  Publish runs on
// request paths, so an unreachable broker must fail fast.
const dialTimeout = 2 * time.Second

// Publisher publishes order events to the durable order.events queue.  The
// connection is opened lazily and reopened after the broker drops it, so a
// broker outage only costs the events published meanwhile.
type Publisher struct {
    url string
    log *zap.Logger

    mu   sync.Mutex
    conn *amqp.Connection
    ch   *amqp.Channel
}

// NewPublisher returns a Publisher for the broker at url.  No connection is
// made until the first Publish.
func NewPublisher(url string, log *zap.Logger) *Publisher {
    if log == nil {
        log = zap.NewNop()
    }
    return &Publisher{url: url, log: log.Named("rabbitmq")}
}

// channel returns an open channel, dialing when needed.  Callers hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
    if p.ch != nil && !p.ch.IsClosed() {
        return p.ch, nil
    }
    if p.conn == nil || p.conn.IsClosed() {
        conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
        if err != nil {
            return nil, fmt.Errorf("dial: %w", err)
        }
        p.conn = conn
    }
    ch, err := p.conn.Channel()
    if err != nil {
        return nil, fmt.Errorf("channel open: %w", err)
    }
    // Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
    if _, err := ch.QueueDeclare(
        q.OrderQueueName, // name
        true,             // durable
        false,            // autoDelete
        false,            // exclusive
        false,            // noWait
        nil,              // args
    ); err != nil {
        _ = ch.Close()
        return nil, fmt.Errorf("queue declare: %w", err)
    }
    p.ch = ch
    return ch, nil
}

// Publish sends ev as a persistent JSON message whose AMQP type is the event
// type.  Errors are logged and returned; callers treat delivery as best
// effort.
func (p *Publisher) Publish(ctx context.Context, ev q.OrderEvent) error {
    body, err := json.Marshal(ev)
    if err != nil {
        p.log.Error("marshal event failed", zap.Error(err))
        return err
    }

    p.mu.Lock()
    defer p.mu.Unlock()
    ch, err := p.channel()
    if err != nil {
        p.log.Warn("broker unavailable", zap.Error(err))
        return err
    }

    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent, // store on disk
        Type:         ev.Type,
        Timestamp:    time.Now().UTC(),
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx,
        "",               // default exchange
        q.OrderQueueName, // routing key = queue name
        false,            // mandatory
        false,            // immediate
        pub,
    ); err != nil {
        p.log.Warn("publish failed", zap.String("type", ev.Type), zap.Uint64("order_id", ev.OrderID), zap.Error(err))
        return err
    }
    return nil
}

// Close closes the channel and connection if open.
func (p *Publisher) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ch != nil {
        _ = p.ch.Close()
        p.ch = nil
    }
    if p.conn != nil {
        err := p.conn.Close()
        p.conn = nil
        return err
    }
    return nil
}
