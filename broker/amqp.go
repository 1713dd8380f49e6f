package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const (
	reconcileExchange   string = "billing_reconcile"
	reconcileRoutingKey        = "alerts"
	reconcileQueue             = "billing_reconcile_alerts"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupReconcileExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for reconcile alerts")
	}

	return broker, nil
}

func (a *AMQPBroker) setupReconcileExchange() error {
	return a.channel.ExchangeDeclare(
		reconcileExchange, // name
		"direct",          // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishReconcileAlert will queue the alert for the reconciliation worker
func (a *AMQPBroker) PublishReconcileAlert(alert *ReconcileAlert) error {
	jsonBytes, err := json.Marshal(alert)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode alert into bytes")
	}
	if err := a.channel.Publish(
		reconcileExchange,
		reconcileRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         jsonBytes,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish reconcile alert")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

// ReceiveReconcileAlerts binds the alert queue and returns a channel of
// decoded alerts. Undecodable deliveries are dropped with a Nack.
func (a *AMQPBroker) ReceiveReconcileAlerts(ctx context.Context) (<-chan *ReconcileAlert, error) {
	if err := a.setupQueue(reconcileQueue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		reconcileQueue,
		reconcileRoutingKey,
		reconcileExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		reconcileQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *ReconcileAlert)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var alert ReconcileAlert
				if err := json.Unmarshal(d.Body, &alert); err != nil {
					d.Nack(false, false)
					continue
				}
				rChan <- &alert
				d.Ack(false)
			}
		}
	}()
	return rChan, nil
}
