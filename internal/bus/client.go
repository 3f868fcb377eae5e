package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/nats-io/nats.go"
)

// EventStream is the JetStream stream that retains forwarded course events.
const EventStream = "DECK_EVENTS"

// Client is the player's NATS connection plus its JetStream context.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

// Connect dials the configured servers and opens a JetStream context.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	if name == "" {
		name = "loqa-deck"
	}
	log = log.With(slog.String("component", "bus"))

	// Reconnects are unbounded.
	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", slog.String("server", nc.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream(nats.Context(ctx))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.String("name", name))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

// EnsureEventStream creates the stream retaining deck.event subjects when the
// server runs JetStream. Servers without JetStream are tolerated.
func (c *Client) EnsureEventStream(maxAge time.Duration) error {
	if c == nil || c.js == nil {
		return nil
	}
	subjects := []string{protocol.SubjectEventPrefix + ".>"}
	if _, err := c.js.StreamInfo(EventStream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		if errors.Is(err, nats.ErrJetStreamNotEnabled) {
			c.log.Warn("jetstream unavailable; course events are not retained")
			return nil
		}
		return fmt.Errorf("lookup event stream: %w", err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     EventStream,
		Subjects: subjects,
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	c.log.Info("event stream ready", slog.String("stream", EventStream))
	return nil
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.log.Debug("drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

