package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"loyaltyhub/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	Enabled       bool          `envconfig:"NATS_ENABLED" default:"false"`
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"loyaltyhub"`
	Stream        string        `envconfig:"NATS_STREAM" default:"LOYALTY"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	MaxAge        time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
	}, nil
}

// Close drains and closes the NATS connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// EnsureStream creates or updates the stream that captures loyalty events
func (c *Client) EnsureStream(ctx context.Context, name string, maxAge time.Duration) (jetstream.Stream, error) {
	subjects := []string{"events.loyalty.>"}
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Loyalty points and redemption events",
		Subjects:    subjects,
		MaxAge:      maxAge,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", name, err)
	}

	c.logger.Info("stream ensured",
		"name", name,
		"subjects", subjects,
	)

	return stream, nil
}

// Publisher publishes events to NATS
type Publisher struct {
	client *Client
	shop   string
	logger *slog.Logger
}

// NewPublisher creates a new event publisher. Events are stamped with shop.
func NewPublisher(client *Client, shop string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		shop:   shop,
		logger: logger,
	}
}

// Publish publishes an event
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := fmt.Sprintf("events.%s", event.Type)
	if event.Shop == "" {
		event.Shop = p.shop
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	_, err = p.client.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)

	return nil
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}
