package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS publishes each event on <prefix>.<type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

func NewNATS(opts Options, logger zerolog.Logger) (*NATS, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := opts.Name
	if name == "" {
		name = "dirsync-server"
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: conn, prefix: SubjectPrefix(opts.Subject)}, nil
}

// SubjectPrefix returns the configured prefix or the default.
func SubjectPrefix(prefix string) string {
	if prefix == "" {
		return "dirsync.events"
	}
	return prefix
}

// Subject is the NATS subject an event of eventType is published on.
func Subject(prefix, eventType string) string {
	return SubjectPrefix(prefix) + "." + eventType
}

func (n *NATS) Publish(_ context.Context, evt Event) error {
	data, err := evt.marshal()
	if err != nil {
		return err
	}
	if err := n.conn.Publish(Subject(n.prefix, evt.Type), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", evt.Type, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
