// Package rudp adapts the KCP reliable-UDP engine (github.com/xtaci/kcp-go's
// low-level KCP type) to a single fixed upstream UDP peer. It owns no timers
// itself; the caller (internal/supervisor) is responsible for calling Update
// on a 10ms cadence and for rearming that cadence after Send/Input, per the
// "no frame waits an extra tick" rule.
package rudp

import (
	"errors"
	"net"
	"sync"

	kcp "github.com/xtaci/kcp-go"

	"github.com/uole/nrgo-tun-client/internal/frame"
	"github.com/uole/nrgo-tun-client/internal/logging"
)

// recvChunk is the initial size of the buffer Drain passes to Recv.
const recvChunk = 2048

const (
	sendWnd = 256
	recvWnd = 256

	ndNoDelay  = 1
	ndInterval = 10
	ndResend   = 2
	ndNoCtrl   = 0 // traffic control disabled
)

// ErrMalformedDatagram is returned by Input when the engine rejects a datagram.
var ErrMalformedDatagram = errors.New("rudp: malformed datagram")

// ErrSendFailed is returned by Send on an engine-reported send failure; per
// spec this "should be impossible" and indicates a programmer error.
var ErrSendFailed = errors.New("rudp: send failed")

// Engine wraps one *kcp.KCP instance bound to a single upstream address.
// It is not safe for concurrent use; the supervisor goroutine is its only caller.
type Engine struct {
	conv   uint32
	kcp    *kcp.KCP
	conn   *net.UDPConn
	logger logging.Logger

	recvBuf []byte
	once    sync.Once
}

// New creates an Engine for the given conversation id. conn must already be
// connected (net.DialUDP) to the fixed upstream address and non-blocking.
func New(conv uint32, conn *net.UDPConn, logger logging.Logger) *Engine {
	e := &Engine{
		conv:    conv,
		conn:    conn,
		logger:  logger,
		recvBuf: make([]byte, recvChunk),
	}
	e.kcp = kcp.NewKCP(conv, e.output)
	e.kcp.WndSize(sendWnd, recvWnd)
	e.kcp.NoDelay(ndNoDelay, ndInterval, ndResend, ndNoCtrl)
	return e
}

// output is the engine's output callback: a sendto to the fixed upstream
// address. kcp-go's output_callback signature carries no return value, so
// write failures are only logged, never reported back into the engine.
func (e *Engine) output(buf []byte, size int) {
	if _, err := e.conn.Write(buf[:size]); err != nil {
		e.logger.Warn("udp sendto failed", logging.Field{Key: "error", Value: err})
	}
}

// Input feeds one inbound datagram (already confirmed not to be a handshake
// datagram) into the engine.
func (e *Engine) Input(data []byte) error {
	if e.kcp.Input(data, true, false) < 0 {
		return ErrMalformedDatagram
	}
	return nil
}

// Send hands application bytes (one multiplexer frame) to the engine for
// reliable delivery. A negative return indicates a programmer error: the
// caller never exceeds the engine's framing limits.
func (e *Engine) Send(data []byte) error {
	if e.kcp.Send(data) < 0 {
		return ErrSendFailed
	}
	return nil
}

// Update advances the engine's internal clock; call on a fixed 10ms cadence
// and immediately after any Input/Send per spec §4.2.
func (e *Engine) Update() {
	e.kcp.Update()
}

// Drain pulls every fully-received byte run out of the engine and appends it
// to dec's reassembly buffer, stopping once the engine reports nothing left
// to receive. The receive buffer starts at recvChunk bytes and grows when a
// received message is larger, since Recv rejects a buffer shorter than the
// next message.
func (e *Engine) Drain(dec *frame.Decoder) {
	for {
		if size := e.kcp.PeekSize(); size > len(e.recvBuf) {
			e.recvBuf = make([]byte, size)
		}
		n := e.kcp.Recv(e.recvBuf)
		if n < 0 {
			return
		}
		dec.Feed(e.recvBuf[:n])
	}
}

// Release drops the engine's reference to the underlying KCP state. Unlike
// the C ikcp_release this is a no-op beyond unlinking — Go's GC reclaims the
// rest once the Engine itself is unreachable.
func (e *Engine) Release() {
	e.kcp = nil
}
