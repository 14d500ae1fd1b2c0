package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic      = "topic"
	contentTypeJSON        = "application/json"
	defaultNotificationKey = "notifications.user"
)

// AMQPChannel is the slice of an amqp091 channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
}

// notificationEvent is the broker payload consumed by downstream senders.
type notificationEvent struct {
	UserID  string    `json:"user_id"`
	Phone   string    `json:"phone,omitempty"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// AMQPSink publishes notifications to a topic exchange.
type AMQPSink struct {
	channel    AMQPChannel
	exchange   string
	routingKey string
	nowFn      func() time.Time
	closeFn    func() error
}

// NewAMQPSink publishes on an existing channel.
func NewAMQPSink(channel AMQPChannel, exchange string, routingKey string, now func() time.Time) *AMQPSink {
	if routingKey == "" {
		routingKey = defaultNotificationKey
	}
	if now == nil {
		now = time.Now
	}
	return &AMQPSink{channel: channel, exchange: exchange, routingKey: routingKey, nowFn: now, closeFn: func() error { return nil }}
}

// DialAMQPSink connects to the broker and declares a durable topic exchange.
func DialAMQPSink(url string, exchange string, routingKey string) (*AMQPSink, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	sink := NewAMQPSink(channel, exchange, routingKey, time.Now)
	sink.closeFn = func() error {
		_ = channel.Close()
		return connection.Close()
	}
	return sink, nil
}

func (sink *AMQPSink) Notify(ctx context.Context, recipient marketplace.Recipient, message string) error {
	body, err := json.Marshal(notificationEvent{
		UserID:  recipient.UserID.String(),
		Phone:   recipient.Phone.String(),
		Message: message,
		SentAt:  sink.nowFn().UTC(),
	})
	if err != nil {
		return err
	}
	err = sink.channel.PublishWithContext(ctx, sink.exchange, sink.routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    sink.nowFn().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the broker connection opened by DialAMQPSink.
func (sink *AMQPSink) Close() error {
	return sink.closeFn()
}
