// Package tcpsession wraps one accepted local TCP connection and turns its
// blocking I/O into the channel-borne events the supervisor's single-owner
// event loop expects, the way eventdriventcpclient turns a net.Conn's
// blocking Read loop into ConnectionStateEvent/DataReceivedEvent/ErrorEvent
// callbacks. Unlike that client, a Session is never itself responsible for
// dialing or reconnecting: it is born already connected (the listener
// accepted it) and is torn down, never revived, on its first error or EOF —
// so there is no Connecting/Reconnecting state and no CONNECTED event, only
// the data and closed events below.
//
// Reads and writes each run on their own goroutine (a read/write pair per
// session) so that a slow local TCP consumer can never block the supervisor's
// event loop: Write only ever enqueues onto a buffered channel drained by the
// write goroutine, never calls net.Conn.Write itself.
package tcpsession

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// writeQueueDepth bounds how many not-yet-written chunks a session buffers
// before Write starts rejecting rather than blocking the event loop.
const writeQueueDepth = 256

// ErrWriteQueueFull is returned by Write when the session's local TCP peer
// is consuming too slowly for the write queue to keep up; the caller should
// tear the session down rather than buffer without bound.
var ErrWriteQueueFull = errors.New("tcpsession: write queue full")

// EventType distinguishes the two events a Session can emit.
type EventType int

const (
	// EventData carries one chunk of bytes read from the local TCP socket.
	EventData EventType = iota
	// EventClosed reports that the session's read loop has ended, or that
	// the write loop hit a write error. Err is nil for a clean io.EOF,
	// non-nil for any other error.
	EventClosed
)

// Event is what a Session's read loop sends to the supervisor's inbound
// channel. Payload is only set for EventData; each event carries its own
// freshly allocated copy of the bytes read, so the receiver may keep it.
type Event struct {
	Type    EventType
	ConnIdx uint16
	Payload []byte
	Err     error
}

const readChunk = 4096

// Session owns one accepted net.Conn. Write is safe to call from the
// supervisor goroutine only; the read loop runs on its own goroutine and
// only ever sends to events, never touches shared state directly.
type Session struct {
	id           string
	idx          uint16
	conn         net.Conn
	events       chan<- Event
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeCh   chan []byte
	closeOnce sync.Once
}

// New constructs a Session for conn, bound to connIdx (assigned by the
// caller, typically from conntable.Table.Allocate), sending its events to
// events. Call Start to launch the read loop. A short xid correlates the
// session across log lines independent of connIdx, which gets reused after
// the table wraps around.
func New(connIdx uint16, conn net.Conn, events chan<- Event, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           xid.New().String(),
		idx:          connIdx,
		conn:         conn,
		events:       events,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		writeCh:      make(chan []byte, writeQueueDepth),
	}
}

// ID returns the session's correlation id, stable for its whole lifetime
// even as its connection index gets reassigned after the table wraps.
func (s *Session) ID() string {
	return s.id
}

// Idx returns the session's connection index.
func (s *Session) Idx() uint16 {
	return s.idx
}

// SetIdx rebinds the session's connection index. Used when the index is only
// known after conntable.Table.Allocate has placed the session in the table;
// must be called before Start.
func (s *Session) SetIdx(idx uint16) {
	s.idx = idx
}

// LocalAddr returns the underlying connection's local address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Start launches the session's read and write loops, each in its own
// goroutine. It must be called exactly once.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *Session) readLoop() {
	buf := make([]byte, readChunk)
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.events <- Event{Type: EventData, ConnIdx: s.idx, Payload: payload}
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			s.events <- Event{Type: EventClosed, ConnIdx: s.idx, Err: err}
			return
		}
	}
}

// Write enqueues payload for asynchronous delivery to the local TCP socket;
// it never calls net.Conn.Write itself and so never blocks the caller on a
// slow local consumer. payload is copied before Write returns, since callers
// (the RUDP decoder) reuse their buffer as soon as Write returns. Returns
// ErrWriteQueueFull if the write loop has fallen behind.
func (s *Session) Write(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case s.writeCh <- buf:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// writeLoop drains writeCh and performs the actual blocking net.Conn.Write
// calls, off the caller's goroutine. It exits cleanly when writeCh is closed
// (by Close), or reports the connection dead and closes it itself on a write
// error.
func (s *Session) writeLoop() {
	for payload := range s.writeCh {
		if s.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		if _, err := s.conn.Write(payload); err != nil {
			s.events <- Event{Type: EventClosed, ConnIdx: s.idx, Err: err}
			_ = s.Close()
			return
		}
	}
}

// Close closes the underlying connection and stops the write loop. It is
// safe to call more than once; only the first call has effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.writeCh)
		err = s.conn.Close()
	})
	return err
}
