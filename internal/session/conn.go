package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/stream"
)

var (
	// ErrConnClosed is returned when reading from or writing to a closed connection
	ErrConnClosed = errors.New("connection closed")

	// ErrOutboundFull is returned when a connection's outbound buffer is full
	ErrOutboundFull = errors.New("outbound buffer full")
)

// Close codes used by the server
const (
	CloseGoingAway = websocket.CloseGoingAway
	ShutdownReason = "Server shutdown"
)

// Transport is the subset of *websocket.Conn used by Conn
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// ConnConfig contains per-connection limits
type ConnConfig struct {
	OutboundBuffer int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
}

func (c *ConnConfig) applyDefaults() {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
}

type outboundFrame struct {
	data []byte

	// close frame instead of data
	closing bool
	code    int
	reason  string
}

// Conn is one client websocket. A read goroutine turns incoming messages into
// frames consumed through Next; a write goroutine is the only writer of data
// frames.
type Conn struct {
	id         string
	remoteAddr string
	openedAt   time.Time
	transport  Transport
	config     ConnConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// role is the last declared client type; owned by the hub goroutine
	role Role

	frames   chan stream.Frame
	readErr  error
	readDone chan struct{}

	outbound   chan outboundFrame
	writerDone chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps a websocket transport. Pumps start when the hub accepts it.
func NewConn(transport Transport, config ConnConfig, logger *slog.Logger, m *metrics.Metrics) *Conn {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	remote := ""
	if addr := transport.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Conn{
		id:         id,
		remoteAddr: remote,
		openedAt:   time.Now(),
		transport:  transport,
		config:     config,
		logger:     logger.With(slog.String("conn_id", id), slog.String("remote_addr", remote)),
		metrics:    m,
		frames:     make(chan stream.Frame),
		readDone:   make(chan struct{}),
		outbound:   make(chan outboundFrame, config.OutboundBuffer),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// ID returns the connection's unique identifier
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) start() {
	c.startOnce.Do(func() {
		go c.readLoop()
		go c.writeLoop()
	})
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	c.transport.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		messageType, data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Connection read error", slog.String("error", err.Error()))
			}
			c.readErr = err
			return
		}
		c.transport.SetReadDeadline(time.Now().Add(c.config.PongWait))

		frame := stream.Frame{Binary: messageType == websocket.BinaryMessage, Data: data}
		select {
		case c.frames <- frame:
		case <-c.closed:
			c.readErr = ErrConnClosed
			return
		}
	}
}

// Next returns the next inbound frame. Only one goroutine may call it at a
// time; the hub hands the connection to a background adapter by pausing its
// own reader.
func (c *Conn) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.readDone:
		return stream.Frame{}, c.readErr
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return

		case frame := <-c.outbound:
			if frame.closing {
				deadline := time.Now().Add(c.config.WriteTimeout)
				msg := websocket.FormatCloseMessage(frame.code, frame.reason)
				if err := c.transport.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
					c.logger.Debug("Failed to write close frame", slog.String("error", err.Error()))
				}
				c.Close()
				return
			}

			c.transport.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.transport.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.logger.Warn("Connection write error", slog.String("error", err.Error()))
				if c.metrics != nil {
					c.metrics.RecordSendFailure()
				}
				// The read side fails next and the hub cleans up
				c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		}
	}
}

// enqueue queues an encoded event without blocking
func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.outbound <- outboundFrame{data: data}:
		return nil
	default:
		return ErrOutboundFull
	}
}

// CloseWith queues a close frame behind pending events. When the buffer is
// full the connection is closed immediately.
func (c *Conn) CloseWith(code int, reason string) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.outbound <- outboundFrame{closing: true, code: code, reason: reason}:
	default:
		c.Close()
	}
}

// Close releases the transport. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.Close()
	})
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
