package outputs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes the document on a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("airstack"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: nc, subject: subject}, nil
}

func (n *NATS) Publish(ctx context.Context, doc Document) error {
	b, err := doc.encode()
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	if _, ok := ctx.Deadline(); ok {
		return n.conn.FlushWithContext(ctx)
	}
	return n.conn.FlushTimeout(5 * time.Second)
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
