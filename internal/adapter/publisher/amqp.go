package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

var errPublisherClosed = errors.New("amqp publisher closed")

// AMQPPublisher publishes committed entries to a durable topic exchange
// with routing key "ledger.<kind>". A connection or channel closed by the
// broker is dropped and redialed on the next Publish.
type AMQPPublisher struct {
	url      string
	exchange string
	dial     func(url string) (*amqp.Connection, error)

	// amqp.Channel is not safe for concurrent publishes
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, dial: amqp.Dial}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials, declares the exchange and starts watching the new
// connection. Callers hold mu.
func (p *AMQPPublisher) connect() error {
	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn, p.channel = conn, ch
	go p.watch(conn, ch)
	return nil
}

// watch waits for conn or ch to close and, unless the publisher itself was
// closed, forgets them so the next Publish reconnects.
func (p *AMQPPublisher) watch(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.conn != conn {
		return
	}
	log := logrus.WithField("exchange", p.exchange)
	if reason != nil {
		log = log.WithError(reason)
	}
	log.Warn("RabbitMQ connection lost, will reconnect on next publish")
	p.reset()
}

// reset drops the current connection. Callers hold mu.
func (p *AMQPPublisher) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.channel = nil, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, entry domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(entry)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPublisherClosed
	}
	if p.channel == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	err = p.channel.Publish(
		p.exchange,
		routingKey(entry),
		false,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    entry.OperationID,
			Timestamp:    entry.Timestamp,
			Headers: amqp.Table{
				"sequence": sequenceHeader(entry),
				"kind":     string(entry.Kind),
				"hash":     entry.Hash,
			},
		},
	)
	if err != nil {
		// The channel can be dead before watch has noticed.
		if errors.Is(err, amqp.ErrClosed) {
			p.reset()
		}
		return fmt.Errorf("publish ledger entry %d: %w", entry.Sequence, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.channel == nil {
		return nil
	}
	err := p.channel.Close()
	if connErr := p.conn.Close(); err == nil {
		err = connErr
	}
	p.conn, p.channel = nil, nil
	return err
}
