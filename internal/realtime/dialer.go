package realtime

import (
	"context"

	"golang.org/x/net/websocket"
)

// Conn is an open socket delivering whole frames.
type Conn interface {
	// Receive blocks until a frame arrives or the socket fails.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket endpoints.
type WSDialer struct {
	// Origin is sent in the handshake; defaults to http://localhost/.
	Origin string
}

var _ Dialer = WSDialer{}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct{ ws *websocket.Conn }

func (c *wsConn) Receive() ([]byte, error) {
	var b []byte
	if err := websocket.Message.Receive(c.ws, &b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *wsConn) Close() error { return c.ws.Close() }
