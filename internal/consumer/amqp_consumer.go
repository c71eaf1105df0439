package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/giobyte8/rescaler/internal/models"
	"github.com/giobyte8/rescaler/internal/services"
	"github.com/giobyte8/rescaler/internal/telemetry"
	"github.com/giobyte8/rescaler/internal/telemetry/metrics"
)

// Holds the config params for the consumer
type AMQPConfig struct {
	AMQPUri  string
	Exchange string

	ScaleQueueName       string
	VariantsDelQueueName string
}

type AMQPConsumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	config      AMQPConfig
	variantsSvc *services.VariantsService
	telemetry   *telemetry.TelemetrySvc
}

// Handles the body of a delivery. Returned errors cause the
// delivery to be rejected without requeue.
type deliveryHandler func(ctx context.Context, body []byte) error

// Creates a new AMQPConsumer instance ready to connect to broker
func NewAMQPConsumer(
	config AMQPConfig,
	variantsSvc *services.VariantsService,
	telemetry *telemetry.TelemetrySvc,
) (*AMQPConsumer, error) {

	if config.AMQPUri == "" {
		return nil, fmt.Errorf("AMQP URI cannot be empty in config")
	}
	if config.Exchange == "" {
		return nil, fmt.Errorf("AMQP exchange cannot be empty in config")
	}
	if config.ScaleQueueName == "" {
		return nil, fmt.Errorf(
			"AMQP scale requests queue name cannot be empty in config",
		)
	}
	if config.VariantsDelQueueName == "" {
		return nil, fmt.Errorf(
			"AMQP variants delete queue name cannot be empty in config",
		)
	}

	return &AMQPConsumer{
		config:      config,
		variantsSvc: variantsSvc,
		telemetry:   telemetry,
	}, nil
}

// Connects to AMQP broker, declares exchange and queues and
// starts consuming messages
func (c *AMQPConsumer) Start(ctx context.Context) error {
	slog.Debug("AMQP - Initializing AMQP Consumer")

	var err error
	c.conn, err = amqp.Dial(c.config.AMQPUri)
	if err != nil {
		return fmt.Errorf("AMQP - Connection to broker failed: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("AMQP - Failed to open channel: %w", err)
	}

	// Scaling is CPU bound, take one request at a time
	if err := c.channel.Qos(1, 0, false); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("AMQP - Failed to set channel QoS: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		c.config.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("AMQP - Failed to declare exchange: %w", err)
	}

	// Helper function to declare and bind a given queue
	declareAndBind := func(queueName string) error {
		_, err := c.channel.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return err
		}

		return c.channel.QueueBind(
			queueName,         // Queue
			queueName,         // Routing key
			c.config.Exchange, // Exchange
			false,             // No-wait
			nil,               // Arguments
		)
	}

	if err := declareAndBind(c.config.ScaleQueueName); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf(
			"AMQP - Failed to declare/bind scale requests queue: %w",
			err,
		)
	}

	if err := declareAndBind(c.config.VariantsDelQueueName); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf(
			"AMQP - Failed to declare/bind variants delete queue: %w",
			err,
		)
	}

	scaleMsgs, err := c.subscribe(c.config.ScaleQueueName, "rescaler-scale")
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	delMsgs, err := c.subscribe(c.config.VariantsDelQueueName, "rescaler-del")
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	go c.consume(ctx, "scale", scaleMsgs, c.handleScaleRequest)
	go c.consume(ctx, "variants del", delMsgs, c.handleDelRequest)
	return nil
}

// Gracefully stops the AMQP consumer
func (c *AMQPConsumer) Stop() {
	slog.Info("AMQP - Stopping AMQP Consumer...")

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			slog.Error("AMQP - Failed to close channel", "error", err)
		} else {
			slog.Debug("AMQP - Channel closed")
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			slog.Error("AMQP - Failed to close connection", "error", err)
		} else {
			slog.Debug("AMQP - Connection closed")
		}
	}

	slog.Info("AMQP - AMQP Consumer stopped")
}

func (c *AMQPConsumer) subscribe(
	queueName string,
	consumerTag string,
) (<-chan amqp.Delivery, error) {
	msgs, err := c.channel.Consume(
		queueName,
		consumerTag,
		false, // Auto-acknowledge
		false, // Exclusive
		false, // No-local
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return nil, fmt.Errorf(
			"AMQP - Failed to create %s queue consumer: %w",
			queueName,
			err,
		)
	}

	return msgs, nil
}

func (c *AMQPConsumer) consume(
	ctx context.Context,
	kind string,
	msgs <-chan amqp.Delivery,
	handle deliveryHandler,
) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				slog.Info(
					"AMQP - Message channel closed. goroutine exiting",
					"kind", kind,
				)
				return
			}

			if err := handle(ctx, msg.Body); err != nil {
				slog.Error(
					"AMQP - Failed to process message",
					"kind", kind,
					"error", err,
					"message", string(msg.Body),
				)

				if nackErr := msg.Nack(false, false); nackErr != nil {
					slog.Error(
						"AMQP - Failed to nack message",
						"kind", kind,
						"error", nackErr,
					)
				}
				continue
			}

			// Acknowledge the message
			if err := msg.Ack(false); err != nil {
				slog.Error(
					"AMQP - Failed to acknowledge message",
					"kind", kind,
					"error", err,
				)
			}

		case <-ctx.Done():
			slog.Info(
				"AMQP - Context done signal received, "+
					"stopping consumption goroutine...",
				"kind", kind,
			)
			return
		}
	}
}

func (c *AMQPConsumer) handleScaleRequest(ctx context.Context, body []byte) error {
	req, err := decodeScaleRequest(body)
	if err != nil {
		return err
	}

	c.telemetry.Metrics().Increment(
		metrics.ScaleRequestReceived,
		map[string]string{"filePath": req.FilePath},
	)

	_, err = c.variantsSvc.ProcessScaleRequest(ctx, req)
	return err
}

func (c *AMQPConsumer) handleDelRequest(ctx context.Context, body []byte) error {
	req, err := decodeDelRequest(body)
	if err != nil {
		return err
	}

	c.telemetry.Metrics().Increment(
		metrics.VariantsDelRequestReceived,
		map[string]string{"filePath": req.FilePath},
	)

	return c.variantsSvc.ProcessDelRequest(ctx, req)
}

var errMissingFilePath = errors.New("message has no filePath")

func decodeScaleRequest(body []byte) (models.ScaleRequest, error) {
	var req models.ScaleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal scale request: %w", err)
	}

	if req.FilePath == "" {
		return req, errMissingFilePath
	}
	if req.ScaleRequestId == uuid.Nil {
		req.ScaleRequestId = uuid.New()
	}

	return req, nil
}

func decodeDelRequest(body []byte) (models.VariantsDelRequest, error) {
	var req models.VariantsDelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal variants del request: %w", err)
	}

	if req.FilePath == "" {
		return req, errMissingFilePath
	}
	if req.DelRequestId == uuid.Nil {
		req.DelRequestId = uuid.New()
	}

	return req, nil
}
