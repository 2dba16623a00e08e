package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/protocol"
)

// Dispatcher stamps and queues outbound events. Timestamps are milliseconds
// and strictly increasing across every event it sends.
type Dispatcher struct {
	mu      sync.Mutex
	last    int64
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher using the wall clock
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{now: time.Now, logger: logger, metrics: m}
}

// stamp returns max(now, last+1). Callers hold mu.
func (d *Dispatcher) stamp() int64 {
	ts := d.now().UnixMilli()
	if ts <= d.last {
		ts = d.last + 1
	}
	d.last = ts
	return ts
}

// Send encodes msg and queues it on c. Failures are logged and returned,
// never retried.
func (d *Dispatcher) Send(c *Conn, msg protocol.Outbound) error {
	if c == nil {
		return ErrConnClosed
	}

	// Stamping and queueing happen under one lock so a connection never
	// sees timestamps out of order.
	d.mu.Lock()
	frame, err := protocol.Encode(msg, d.stamp())
	if err == nil {
		err = c.enqueue(frame)
	}
	d.mu.Unlock()

	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.RecordMessageSent(string(msg.Type()))
		}
		return nil
	case errors.Is(err, ErrOutboundFull):
		d.logger.Warn("Outbound buffer full, dropping event",
			slog.String("conn_id", c.ID()),
			slog.String("type", string(msg.Type())))
		if d.metrics != nil {
			d.metrics.RecordOutboundDropped()
		}
	case errors.Is(err, ErrConnClosed):
		d.logger.Debug("Dropping event for closed connection",
			slog.String("conn_id", c.ID()),
			slog.String("type", string(msg.Type())))
	default:
		d.logger.Error("Failed to encode event",
			slog.String("type", string(msg.Type())),
			slog.String("error", err.Error()))
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return err
}
