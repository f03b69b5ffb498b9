package voiceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/ellie/pkg/wire"
)

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("voiceclient: not connected")

// Transport carries envelopes to and from the server. Events returns the
// channel of the current connection; it is closed when that connection ends.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, env wire.Envelope) error
	Events() <-chan wire.Envelope
	Close() error
}

const (
	defaultReadLimit = 32 << 20
	eventBuffer      = 16
)

// WSOption configures a [WSTransport].
type WSOption func(*WSTransport)

// WithHTTPClient sets the client used for the opening handshake.
func WithHTTPClient(c *http.Client) WSOption {
	return func(t *WSTransport) { t.dialOpts.HTTPClient = c }
}

// WithHeader adds headers to the opening handshake.
func WithHeader(h http.Header) WSOption {
	return func(t *WSTransport) { t.dialOpts.HTTPHeader = h }
}

// WithReadLimit sets the largest accepted frame. Reply audio is sent inline,
// so the default is generous.
func WithReadLimit(n int64) WSOption {
	return func(t *WSTransport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(l *slog.Logger) WSOption {
	return func(t *WSTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// WSTransport is a [Transport] over a WebSocket connection to the server's
// /ws endpoint.
type WSTransport struct {
	url       string
	dialOpts  *websocket.DialOptions
	readLimit int64
	log       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan wire.Envelope
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport returns a transport for url, e.g. "ws://localhost:8080/ws".
func NewWSTransport(url string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		url:       url,
		dialOpts:  &websocket.DialOptions{},
		readLimit: defaultReadLimit,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect dials the server. An open connection is closed first.
func (t *WSTransport) Connect(ctx context.Context) error {
	_ = t.Close()

	conn, _, err := websocket.Dial(ctx, t.url, t.dialOpts)
	if err != nil {
		return fmt.Errorf("voiceclient: dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(t.readLimit)

	rctx, cancel := context.WithCancel(context.Background())
	events := make(chan wire.Envelope, eventBuffer)
	done := make(chan struct{})

	t.mu.Lock()
	t.conn, t.events, t.cancel, t.done = conn, events, cancel, done
	t.mu.Unlock()

	go t.receiveLoop(rctx, conn, events, done)
	return nil
}

// receiveLoop owns events and closes it when the connection ends.
func (t *WSTransport) receiveLoop(ctx context.Context, conn *websocket.Conn, events chan<- wire.Envelope, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.log.Warn("voiceclient: connection lost", "err", err)
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("voiceclient: dropping malformed message", "err", err)
			continue
		}
		select {
		case events <- env:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes env as one text frame.
func (t *WSTransport) Send(ctx context.Context, env wire.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("voiceclient: marshal %s: %w", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("voiceclient: send %s: %w", env.Type, err)
	}
	return nil
}

// Events returns the channel of the current connection, or nil before the
// first Connect.
func (t *WSTransport) Events() <-chan wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Close closes the current connection and waits for its receive loop.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn, cancel, done := t.conn, t.cancel, t.done
	t.conn, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		// The peer may already be gone.
		t.log.Debug("voiceclient: close", "err", err)
	}
	cancel()
	<-done
	return nil
}
