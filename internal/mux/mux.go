// Package mux runs the socket receive loop and fans decoded frames out to
// per-protocol handlers, mirroring the teacher's liveness Receiver: a single
// long-lived read loop with throttled error logging, a rolling read
// deadline to stay interruptible, and fatal-vs-transient error
// classification, generalized here from one control-packet type to the
// overlay's five major wire protocols.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/overlaynet/switchd/internal/metrics"
	"github.com/overlaynet/switchd/internal/sock"
	"github.com/overlaynet/switchd/internal/wire"
)

// HandleFunc processes one decoded frame from remote.
type HandleFunc func(frame wire.Frame, remote *net.UDPAddr)

// Mux reads datagrams from a sock.Conn, decodes their wire.Frame envelope,
// and dispatches by wire.Protocol to a registered handler.
type Mux struct {
	log  *slog.Logger
	conn *sock.Conn

	mu       sync.RWMutex
	handlers map[wire.Protocol]HandleFunc

	readErrWarnEvery time.Duration
	readErrWarnLast  time.Time
	readErrWarnMu    sync.Mutex
}

// New constructs a Mux bound to conn. Register handlers with Handle before
// calling Run.
func New(log *slog.Logger, conn *sock.Conn) *Mux {
	return &Mux{
		log:              log,
		conn:             conn,
		handlers:         make(map[wire.Protocol]HandleFunc),
		readErrWarnEvery: 5 * time.Second,
	}
}

// Handle registers fn for frames whose header names protocol. Replaces any
// previously registered handler for the same protocol.
func (m *Mux) Handle(protocol wire.Protocol, fn HandleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocol] = fn
}

// Send encodes and writes frame to dst.
func (m *Mux) Send(frame wire.Frame, dst *net.UDPAddr) error {
	_, err := m.conn.WriteTo(frame.Encode(), dst, "", nil)
	if err != nil {
		return fmt.Errorf("mux: write: %w", err)
	}
	metrics.FramesTX.WithLabelValues(frame.Header.Protocol.String()).Inc()
	return nil
}

// Run executes the main receive loop until ctx is canceled or the socket
// fails fatally.
func (m *Mux) Run(ctx context.Context) error {
	m.log.Debug("mux: rx loop started")
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("mux: rx loop stopped", "reason", ctx.Err())
			return nil
		default:
		}

		if err := m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("mux: socket closed during SetReadDeadline: %w", err)
			}
			m.warnThrottled("SetReadDeadline error", err)
			if isFatalNetErr(err) {
				return fmt.Errorf("mux: fatal network error: %w", err)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		n, remote, _, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("mux: socket closed during ReadFrom: %w", err)
			}
			m.warnThrottled("read error", err)
			if isFatalNetErr(err) {
				return fmt.Errorf("mux: fatal network error: %w", err)
			}
			continue
		}

		frame, err := wire.Decode(append([]byte(nil), buf[:n]...))
		if err != nil {
			metrics.FramesRXInvalid.WithLabelValues(classifyDecodeErr(err)).Inc()
			m.log.Debug("mux: dropped malformed frame", "error", err, "remote", remote)
			continue
		}

		metrics.FramesRX.WithLabelValues(frame.Header.Protocol.String()).Inc()

		m.mu.RLock()
		fn := m.handlers[frame.Header.Protocol]
		m.mu.RUnlock()
		if fn == nil {
			m.log.Debug("mux: no handler registered", "protocol", frame.Header.Protocol)
			continue
		}
		fn(frame, remote)
	}
}

func (m *Mux) warnThrottled(msg string, err error) {
	now := time.Now()
	m.readErrWarnMu.Lock()
	defer m.readErrWarnMu.Unlock()
	if m.readErrWarnLast.IsZero() || now.Sub(m.readErrWarnLast) >= m.readErrWarnEvery {
		m.readErrWarnLast = now
		m.log.Warn("mux: "+msg, "error", err)
	}
}

func classifyDecodeErr(err error) string {
	if errors.Is(err, wire.ErrMalformedFrame) {
		return "malformed"
	}
	return "unknown"
}

func isFatalNetErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.EBADF, syscall.ENETDOWN, syscall.ENODEV, syscall.ENXIO:
			return true
		}
	}
	var oe *net.OpError
	if errors.As(err, &oe) && !oe.Timeout() && !oe.Temporary() {
		return true
	}
	return false
}
