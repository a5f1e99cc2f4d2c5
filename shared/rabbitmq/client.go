package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	// DeadLetterExchange receives job messages rejected without requeue;
	// empty disables dead-lettering
	DeadLetterExchange string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL returns the AMQP connection URL for the config
func (c *Config) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + vhost,
	}
	if vhost == "" {
		u.Path = "/"
	}
	return u.String()
}

// DeadLetterQueue is the queue bound to the dead letter exchange
func (c *Config) DeadLetterQueue() string {
	return c.QueueName + ".dead"
}

// Client represents a RabbitMQ client
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error
	connected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	go client.watchClose()

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(1, c.config.RetryAttempts)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	c.closeChan = c.channel.NotifyClose(make(chan *amqp.Error, 1))
	c.connected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
	)

	return nil
}

// watchClose marks the client disconnected when the broker closes the channel
func (c *Client) watchClose() {
	amqpErr, ok := <-c.closeChan
	c.connected.Store(false)
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.Int("code", amqpErr.Code),
			slog.String("reason", amqpErr.Reason),
		)
	}
}

// setup declares exchanges, queues, and bindings
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.setupDeadLetter(); err != nil {
		return err
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		c.queueArgs(),            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

func (c *Client) setupDeadLetter() error {
	if c.config.DeadLetterExchange == "" {
		return nil
	}

	if err := c.channel.ExchangeDeclare(c.config.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}
	if _, err := c.channel.QueueDeclare(c.config.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if err := c.channel.QueueBind(c.config.DeadLetterQueue(), "", c.config.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}
	return nil
}

func (c *Client) queueArgs() amqp.Table {
	if c.config.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": c.config.DeadLetterExchange}
}

// Publish publishes a message to RabbitMQ using the configured routing key
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	return c.PublishTo(ctx, c.config.RoutingKey, body, contentType)
}

// PublishTo publishes a message to the exchange with an explicit routing key
func (c *Client) PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.publish(ctx, routingKey, body, contentType); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(body)),
	)

	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	return c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// SetPrefetch limits the number of unacknowledged deliveries per consumer
func (c *Client) SetPrefetch(count int) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.channel.Qos(count, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", count),
	)
	return nil
}

// Consume starts consuming job messages with manual acknowledgement
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// PublishWithRetry publishes a job message with exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	delays := backoff(c.config.PublishRetries, c.config.PublishRetryDelay, c.config.PublishBackoffMult)

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		err := c.publish(ctx, c.config.RoutingKey, body, contentType)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		lastErr = err
		if attempt == len(delays) {
			break
		}

		c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", len(delays)),
			slog.Duration("retry_after", delays[attempt]),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-time.After(delays[attempt]):
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", len(delays)+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", len(delays)+1, lastErr)
}

// backoff returns the waits between publish attempts
func backoff(retries int, base time.Duration, mult float64) []time.Duration {
	if retries <= 0 {
		retries = 3
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if mult <= 0 {
		mult = 2.0
	}

	delays := make([]time.Duration, retries)
	delay := base
	for i := range delays {
		delays[i] = delay
		delay = time.Duration(float64(delay) * mult)
	}
	return delays
}
