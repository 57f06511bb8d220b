package notification

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher hands a rendered reminder to the delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// amqpChannel is the subset of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a durable queue on the
// default exchange.
type AMQPPublisher struct {
	conn    *amqp091.Connection
	channel amqpChannel
	queue   string
}

// DialAMQP connects to url and declares queue as durable.
func DialAMQP(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding reminder %s: %w", msg.TaskID, err)
	}
	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.TaskID.String(),
		Type:         string(msg.Kind),
		Body:         body,
		Headers: amqp091.Table{
			"appointment_id": msg.AppointmentID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish reminder %s: %w", msg.TaskID, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LogPublisher writes reminders to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.logger.Info().
		Str("task_id", msg.TaskID.String()).
		Str("appointment_id", msg.AppointmentID.String()).
		Str("kind", string(msg.Kind)).
		Str("patient_ref", msg.PatientRef).
		Str("subject", msg.Subject).
		Msg("reminder published")
	return nil
}
