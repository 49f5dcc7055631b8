package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrConnectionClosed is returned after Close
	ErrConnectionClosed = errors.New("rabbitmq connection closed")
	// ErrBrokerUnavailable is returned without dialling while a failed dial cools down
	ErrBrokerUnavailable = errors.New("rabbitmq unavailable")
)

const (
	defaultHeartbeat = 10 * time.Second
	defaultLocale    = "en_US"
)

// ConnectionConfig holds the dial settings of a Connection
type ConnectionConfig struct {
	URL string
	// DialTimeout bounds the TCP connect and the AMQP handshake
	DialTimeout time.Duration
	// RetryCooldown is how long a failed dial is remembered
	RetryCooldown time.Duration
}

// Connection owns the RabbitMQ connection. It is dialled on first use and
// dialled again after the broker drops it. After a failed dial, callers get
// ErrBrokerUnavailable until RetryCooldown has passed.
type Connection struct {
	cfg    ConnectionConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	conn        *amqp.Connection
	closed      bool
	lastDialErr error
	lastDialAt  time.Time
}

// NewConnection creates a lazily dialled RabbitMQ connection bound to the fx lifecycle
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, cfg ConnectionConfig) *Connection {
	c := newConnection(cfg, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to RabbitMQ...")
			if _, err := c.connection(); err != nil {
				// sweeps still run while the broker is away; events wait in the retry buffer
				logger.Warn("rabbitmq not reachable at startup, will retry on publish", zap.Error(err))
				return nil
			}
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := c.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return c
}

func newConnection(cfg ConnectionConfig, logger *zap.Logger) *Connection {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RetryCooldown < 0 {
		cfg.RetryCooldown = 0
	}
	return &Connection{cfg: cfg, logger: logger, now: time.Now}
}

// Channel opens a new channel, dialling the broker if needed
func (c *Connection) Channel() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

// IsConnected reports whether a live connection is held
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	if c.lastDialErr != nil && c.now().Sub(c.lastDialAt) < c.cfg.RetryCooldown {
		return nil, fmt.Errorf("%w: last dial failed %s ago: %v",
			ErrBrokerUnavailable, c.now().Sub(c.lastDialAt).Round(time.Millisecond), c.lastDialErr)
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    defaultLocale,
		Dial:      amqp.DefaultDial(c.cfg.DialTimeout),
	})
	if err != nil {
		c.lastDialErr = err
		c.lastDialAt = c.now()
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}
	c.conn = conn
	c.lastDialErr = nil

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(conn, closes)

	return conn, nil
}

func (c *Connection) watch(conn *amqp.Connection, closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if ok && amqpErr != nil && !closed {
		c.logger.Warn("rabbitmq connection lost, will redial on next publish",
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
		)
	}
}

// Close closes the connection; later calls to Channel fail
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		c.conn = nil
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
