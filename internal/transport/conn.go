// Package transport is the broker network channel. Envelopes travel as
// websocket binary frames; non request/reply kinds prepend an empty
// delimiter frame so every kind interoperates with the broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// Kind selects the socket semantics of a connection.
type Kind int

const (
	// KindReqRep is a strict request/reply channel (clients and the broker's client port)
	KindReqRep Kind = iota
	// KindDealer is the asynchronous worker side of the worker channel
	KindDealer
	// KindRouter is the broker side of the worker channel
	KindRouter
)

func (k Kind) String() string {
	switch k {
	case KindReqRep:
		return "req/rep"
	case KindDealer:
		return "dealer"
	case KindRouter:
		return "router"
	default:
		return "unknown"
	}
}

// framed reports whether the kind carries the empty delimiter frame.
func (k Kind) framed() bool { return k != KindReqRep }

// URL paths served by the broker.
const (
	WorkerPath = "/worker"
	ClientPath = "/client"
)

// Options tunes a connection. Zero values take defaults.
type Options struct {
	// Retries is the number of immediate attempts per send (default 5)
	Retries int

	// WriteTimeout bounds each send attempt (default 5s)
	WriteTimeout time.Duration

	// HandshakeTimeout bounds Dial (default 10s)
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retries < 1 {
		o.Retries = 5
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Conn is one end of a broker channel. Send and Recv may be called from
// different goroutines; concurrent Sends are serialized.
type Conn struct {
	ws   *websocket.Conn
	kind Kind
	opts Options

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, kind Kind, opts Options) *Conn {
	return &Conn{
		ws:     ws,
		kind:   kind,
		opts:   opts.withDefaults(),
		closed: make(chan struct{}),
	}
}

// URL maps a broker endpoint to the websocket URL for the given kind.
func URL(sc proto.ServerConnection, kind Kind) string {
	path := WorkerPath
	if kind == KindReqRep {
		path = ClientPath
	}
	return "ws://" + sc.Address() + path
}

// Dial connects to the broker endpoint.
func Dial(ctx context.Context, sc proto.ServerConnection, kind Kind, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, URL(sc, kind), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %v", ErrChannelFailure, sc, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrChannelFailure, sc, err)
	}
	return newConn(ws, kind, opts), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade accepts a connection on the broker side.
func Upgrade(w http.ResponseWriter, r *http.Request, kind Kind, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, kind, opts), nil
}

// Kind returns the connection kind.
func (c *Conn) Kind() Kind { return c.kind }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Send writes one envelope. Each failed attempt is a transient failure;
// after Retries attempts the error is ErrChannelFailure.
func (c *Conn) Send(m proto.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame := m.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var err error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		if err = c.write(frame); err == nil {
			return nil
		}
		if errors.Is(err, websocket.ErrCloseSent) {
			break
		}
	}
	return fmt.Errorf("%w: send %s: %v", ErrChannelFailure, m.Service, err)
}

func (c *Conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if c.kind.framed() {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Recv blocks for the next envelope. A frame that does not decode returns
// an error wrapping proto.ErrMalformedMessage and leaves the connection
// usable; any transport error wraps ErrChannelFailure.
func (c *Conn) Recv() (proto.Message, error) {
	frame, err := c.readFrame()
	if err != nil {
		return proto.Message{}, err
	}
	if c.kind.framed() && len(frame) == 0 {
		if frame, err = c.readFrame(); err != nil {
			return proto.Message{}, err
		}
	}
	return proto.Decode(frame)
}

func (c *Conn) readFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, fmt.Errorf("%w: recv: %v", ErrChannelFailure, err)
	}
	return data, nil
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// SetReadDeadline bounds the next Recv. A Recv that times out leaves the
// connection unusable.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
