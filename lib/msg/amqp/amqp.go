// Package amqp implements the message bus interface for AMQP compliant brokers (ie RabbitMQ).
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/tarancss/scc/lib/msg"
)

// Exchange is the topic exchange every chain publishes to. Routing keys are "<target>.<kind>".
const Exchange = "xc"

// Amqp implements a connection to a broker and a publishing channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex // guards ch, amqp channels are not safe for concurrent publishing
	ch   *amqp.Channel
	log  zerolog.Logger
}

// New instantiates a new amqp broker.
func New(uri string, log zerolog.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to broker: %w", err)
	}

	log.Info().Msg("connected to amqp broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup declares the message bus exchange:
//
// - xc ("cross chain"): every chain publishes its messages to this exchange, routed by target chain
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn().Err(err).Msg("error closing amqp.Channel")
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// Send publishes m to the "xc" exchange with the target chain and kind as routing key.
func (r *Amqp) Send(ctx context.Context, m msg.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// marshal to JSON
	jsonDoc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return "", err
		}
	}
	// build body
	pub := amqp.Publishing{
		MessageId:    m.ID,
		Type:         string(m.Kind),
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.SentAt,
	}
	// publish
	if err = r.ch.Publish(Exchange, m.Target+"."+string(m.Kind), false, false, pub); err != nil {
		// the channel is closed by the server on errors, get a new one next time
		r.ch = nil

		return "", fmt.Errorf("[%s] error sending %s to message broker: %w", m.Target, m.Kind, err)
	}

	return m.ID, nil
}

// Consume declares the durable queue of chain, binds it to every kind targeted at the chain and delivers the
// messages to h. A message is acknowledged once h returns nil and requeued otherwise.
func (r *Amqp) Consume(ctx context.Context, chain string, h msg.Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	// one unacknowledged message at a time
	if err = ch.Qos(1, 0, false); err != nil {
		return err
	}
	// declare queue
	if _, err = ch.QueueDeclare(Exchange+chain, true, false, false, false, nil); err != nil {
		return err
	}
	// bind queue to exchange
	if err = ch.QueueBind(Exchange+chain, chain+".#", Exchange, false, nil); err != nil {
		return err
	}
	// create channel for receiving messages
	msgs, err := ch.Consume(Exchange+chain, "scc-"+chain, false, false, false, false, nil)
	if err != nil {
		return err
	}

	log := r.log.With().Str("net", chain).Logger()

	go func() {
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					log.Warn().Msg("amqp delivery channel closed")

					return
				}

				var m msg.Message
				if err := json.Unmarshal(d.Body, &m); err != nil {
					log.Warn().Err(err).Msg("discarding malformed message")
					_ = d.Reject(false)

					continue
				}

				if err := h(ctx, m); err != nil {
					log.Debug().Err(err).Str("msg", m.ID).Msg("handler failed, requeueing")
					_ = d.Nack(false, true)

					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}
