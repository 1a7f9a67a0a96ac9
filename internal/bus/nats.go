package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"inkup/pkg/schema"
)

// Client publishes lifecycle events to NATS.
type Client struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials url and identifies the connection as name so the API and
// the sweeper show up separately in server monitoring.
func Connect(url, name, prefix string) (*Client, error) {
	nc, err := nats.Connect(url, connectOptions(name)...)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, prefix: prefix}, nil
}

func connectOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
	}
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Notify publishes evt under the configured subject prefix.
func (c *Client) Notify(ctx context.Context, evt schema.GenerationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.PublishJSON(evt.Subject(c.prefix), evt)
}
