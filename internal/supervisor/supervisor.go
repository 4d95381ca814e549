// Package supervisor is the single-owner event loop that ties every other
// piece of the tunnel client together: the TCP listener, the UDP socket, the
// RUDP engine, the connection table, and the periodic timers that drive
// them. It is grounded on Server.eventLoop's ctx/cancelFunc/conc.WaitGroup
// shape, generalized from a select over one ticker to a select over the
// listener, the socket, per-session events, and both the update and
// keepalive timers.
//
// The design calls for strictly single-threaded cooperative scheduling with
// no fine-grained locking because the RUDP engine is not reentrant. Rather
// than pin goroutines to an OS thread, loop is the only goroutine that ever
// touches the engine, the decoder, or the connection table; every other
// goroutine (the UDP reader, the TCP acceptor, each session's read loop)
// only ever sends immutable events over a channel.
package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/uole/nrgo-tun-client/internal/conntable"
	"github.com/uole/nrgo-tun-client/internal/frame"
	"github.com/uole/nrgo-tun-client/internal/handshake"
	"github.com/uole/nrgo-tun-client/internal/logging"
	"github.com/uole/nrgo-tun-client/internal/metrics"
	"github.com/uole/nrgo-tun-client/internal/rudp"
	"github.com/uole/nrgo-tun-client/internal/statusapi"
	"github.com/uole/nrgo-tun-client/internal/tcpsession"
)

const (
	kcpUpdateInterval = 10 * time.Millisecond
	keepaliveInterval = 20 * time.Second
	shutdownDrain     = 3 * time.Second
)

// Config holds everything the supervisor needs to start a session.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type statsRequest struct {
	respond chan statsResponse
}

type statsResponse struct {
	info     statusapi.Info
	sessions []statusapi.SessionInfo
}

// Supervisor owns the UDP socket, the RUDP engine, the frame decoder, and
// the connection table. Every method that touches that state runs inside
// loop; everything else communicates with loop over a channel.
type Supervisor struct {
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup conc.WaitGroup
	stopOnce  sync.Once
	stoppedCh chan struct{}

	udpConn  *net.UDPConn
	listener net.Listener
	engine   *rudp.Engine
	dec      frame.Decoder
	table    *conntable.Table

	conv      uint32
	startedAt time.Time
	running   bool

	accepted      chan net.Conn
	udpIn         chan []byte
	sessionEvents chan tcpsession.Event
	statsCh       chan statsRequest
}

// New constructs a Supervisor. Call Start to run the startup sequence and
// launch the event loop.
func New(cfg Config, logger logging.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		table:         conntable.New(),
		stoppedCh:     make(chan struct{}),
		accepted:      make(chan net.Conn, 16),
		udpIn:         make(chan []byte, 256),
		sessionEvents: make(chan tcpsession.Event, 256),
		statsCh:       make(chan statsRequest),
	}
}

// Start performs the startup sequence — resolve upstream, open the UDP
// socket, perform the handshake, bind the TCP listener, arm the timers — and then
// launches the event loop and its feeder goroutines in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	upstreamAddr, err := net.ResolveUDPAddr("udp", s.cfg.UpstreamAddr)
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, upstreamAddr)
	if err != nil {
		return err
	}
	s.udpConn = conn

	s.conv = uint32(time.Now().Unix())

	hsStart := time.Now()
	if err := handshake.Perform(s.udpConn, s.conv, s.logger); err != nil {
		_ = s.udpConn.Close()
		return err
	}
	if s.metrics != nil {
		s.metrics.HandshakeDuration.Observe(time.Since(hsStart).Seconds())
	}

	s.engine = rudp.New(s.conv, s.udpConn, s.logger)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		_ = s.udpConn.Close()
		return err
	}
	s.listener = listener
	s.startedAt = time.Now()
	s.running = true

	s.waitGroup.Go(s.readUDP)
	s.waitGroup.Go(s.acceptTCP)
	s.waitGroup.Go(s.loop)

	s.logger.Info("session established",
		logging.Field{Key: "conv", Value: s.conv},
		logging.Field{Key: "upstream", Value: s.cfg.UpstreamAddr},
		logging.Field{Key: "listen", Value: s.cfg.ListenAddr},
	)
	return nil
}

// Stop begins graceful shutdown. It is safe to call more than once and
// returns immediately; use Done to wait for the drain to finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
	})
}

// Done reports when the event loop has fully exited, after the 3s drain.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stoppedCh
}

// Wait blocks until every supervisor goroutine has returned.
func (s *Supervisor) Wait() {
	s.waitGroup.Wait()
}

func (s *Supervisor) readUDP() {
	buf := make([]byte, 65536)
	for {
		n, err := s.udpConn.Read(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case s.udpIn <- datagram:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) acceptTCP() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.metrics != nil {
				s.metrics.TCPAcceptErrors.Inc()
			}
			s.logger.Warn("tcp accept error", logging.Field{Key: "error", Value: err})
			continue
		}
		select {
		case s.accepted <- conn:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Supervisor) loop() {
	kcpTicker := time.NewTicker(kcpUpdateInterval)
	keepaliveTicker := time.NewTicker(keepaliveInterval)
	defer kcpTicker.Stop()
	defer keepaliveTicker.Stop()

	ctxDone := s.ctx.Done()
	var drainCh <-chan time.Time

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			drainCh = s.beginShutdown()
		case <-drainCh:
			s.finishShutdown()
			return
		case conn := <-s.accepted:
			if !s.running {
				_ = conn.Close()
				continue
			}
			s.handleAccept(conn)
		case datagram := <-s.udpIn:
			s.handleDatagram(datagram)
		case ev := <-s.sessionEvents:
			s.handleSessionEvent(ev)
		case req := <-s.statsCh:
			req.respond <- s.computeStats()
		case <-kcpTicker.C:
			s.engine.Update()
			s.drainEngine()
		case <-keepaliveTicker.C:
			if s.running {
				s.sendKeepalive()
			}
		}
	}
}

// beginShutdown implements stop(): disable new accepts, remove every live
// connection with an outbound CLOSE_CONN, and arm the one-shot drain timer
// that gives those frames time to be reliably delivered before the RUDP
// engine is torn down.
func (s *Supervisor) beginShutdown() <-chan time.Time {
	s.running = false
	_ = s.listener.Close()

	var idxs []uint16
	s.table.Range(func(idx uint16, _ conntable.Entry) {
		idxs = append(idxs, idx)
	})
	for _, idx := range idxs {
		s.removeSession(idx, true)
	}

	s.logger.Info("shutdown initiated, draining close frames", logging.Field{Key: "drain", Value: shutdownDrain})
	return time.NewTimer(shutdownDrain).C
}

func (s *Supervisor) finishShutdown() {
	_ = s.udpConn.Close()
	s.engine.Release()
	close(s.stoppedCh)
	s.logger.Info("shutdown complete")
}

func (s *Supervisor) handleAccept(conn net.Conn) {
	session := tcpsession.New(0, conn, s.sessionEvents, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	idx, err := s.table.Allocate(session)
	if err != nil {
		s.logger.Warn("connection table full, dropping accepted connection", logging.Field{Key: "error", Value: err})
		_ = conn.Close()
		return
	}
	session.SetIdx(idx)
	session.Start()
	s.logger.Debug("accepted connection",
		logging.Field{Key: "session_id", Value: session.ID()},
		logging.Field{Key: "conn_idx", Value: idx},
	)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Set(float64(s.table.Len()))
	}
}

func (s *Supervisor) handleDatagram(datagram []byte) {
	if isHandshakeShape(datagram) {
		s.logger.Debug("ignoring stray handshake datagram after session established")
		return
	}
	if err := s.engine.Input(datagram); err != nil {
		s.logger.Warn("rudp input rejected datagram", logging.Field{Key: "error", Value: err})
		return
	}
	// Arm the engine's clock immediately so ACKs for this datagram don't wait
	// up to kcpUpdateInterval for the next tick, matching the send path.
	s.engine.Update()
	if s.metrics != nil {
		s.metrics.RudpBytesReceived.Add(float64(len(datagram)))
	}
	s.drainEngine()
}

func isHandshakeShape(b []byte) bool {
	return len(b) == handshake.DatagramLen && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0
}

// drainEngine pulls every fully-received frame out of the RUDP engine and
// dispatches it, stopping at the first "need more" — a protocol violation
// (length field shorter than the header) fails the whole session, since the
// stream can no longer be trusted to resynchronize.
func (s *Supervisor) drainEngine() {
	s.engine.Drain(&s.dec)
	for {
		f, ok, err := s.dec.Next()
		if err != nil {
			s.logger.Error("frame decode failed, tearing down session", logging.Field{Key: "error", Value: err})
			s.cancel()
			return
		}
		if !ok {
			return
		}
		s.handleFrame(f)
		frame.Release(f)
	}
}

func (s *Supervisor) handleFrame(f frame.Frame) {
	if f.IsControl() {
		s.handleControlFrame(f)
		return
	}
	entry, ok := s.table.Get(f.ConnIdx)
	if !ok {
		s.logger.Debug("data frame for unknown connection index", logging.Field{Key: "conn_idx", Value: f.ConnIdx})
		return
	}
	sess := entry.(*tcpsession.Session)
	if err := sess.Write(f.Payload); err != nil {
		s.removeSession(f.ConnIdx, true)
	}
	if s.metrics != nil {
		s.metrics.FramesDecodedTotal.WithLabelValues("data").Inc()
	}
}

func (s *Supervisor) handleControlFrame(f frame.Frame) {
	if len(f.Payload) == 0 {
		s.logger.Warn("empty control frame payload")
		return
	}
	switch f.ControlType() {
	case frame.TypeCloseConn:
		if len(f.Payload) < 3 {
			s.logger.Warn("malformed CLOSE_CONN payload")
			return
		}
		idx := binary.LittleEndian.Uint16(f.Payload[1:3])
		s.removeSession(idx, false)
		if s.metrics != nil {
			s.metrics.FramesDecodedTotal.WithLabelValues("close_conn").Inc()
		}
	case frame.TypeKeepalive:
		if s.metrics != nil {
			s.metrics.FramesDecodedTotal.WithLabelValues("keepalive").Inc()
		}
	default:
		s.logger.Warn("unknown control frame type, discarding", logging.Field{Key: "type", Value: f.ControlType()})
	}
}

func (s *Supervisor) handleSessionEvent(ev tcpsession.Event) {
	switch ev.Type {
	case tcpsession.EventData:
		for _, chunk := range frame.Chunks(ev.Payload) {
			encoded, err := frame.EncodeData(ev.ConnIdx, chunk)
			if err != nil {
				s.logger.Warn("failed to encode data frame", logging.Field{Key: "error", Value: err})
				continue
			}
			if err := s.engine.Send(encoded); err != nil {
				s.logger.Warn("rudp send failed", logging.Field{Key: "error", Value: err})
				continue
			}
			if s.metrics != nil {
				s.metrics.FramesEncodedTotal.WithLabelValues("data").Inc()
				s.metrics.RudpBytesSent.Add(float64(len(encoded)))
			}
		}
		// Arm the engine's next tick immediately so no frame waits an extra
		// 10ms for first transmission.
		s.engine.Update()
	case tcpsession.EventClosed:
		s.removeSession(ev.ConnIdx, true)
	}
}

// removeSession is conntable's remove(idx, send_close), idempotent by
// construction: a second call finds nothing bound to idx and is a no-op.
func (s *Supervisor) removeSession(idx uint16, sendClose bool) {
	entry, ok := s.table.Get(idx)
	if !ok {
		return
	}
	s.table.Remove(idx)
	_ = entry.Close()
	if sess, ok := entry.(*tcpsession.Session); ok {
		s.logger.Debug("removed connection",
			logging.Field{Key: "session_id", Value: sess.ID()},
			logging.Field{Key: "conn_idx", Value: idx},
			logging.Field{Key: "send_close", Value: sendClose},
		)
	}

	if sendClose {
		if err := s.engine.Send(frame.EncodeCloseConn(idx)); err != nil {
			s.logger.Warn("failed to send CLOSE_CONN", logging.Field{Key: "conn_idx", Value: idx}, logging.Field{Key: "error", Value: err})
		} else {
			s.engine.Update()
			if s.metrics != nil {
				s.metrics.FramesEncodedTotal.WithLabelValues("close_conn").Inc()
			}
		}
	}
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Set(float64(s.table.Len()))
	}
}

func (s *Supervisor) sendKeepalive() {
	if err := s.engine.Send(frame.EncodeKeepalive()); err != nil {
		s.logger.Warn("keepalive send failed", logging.Field{Key: "error", Value: err})
		return
	}
	s.engine.Update()
	if s.metrics != nil {
		s.metrics.KeepalivesSentTotal.Inc()
		s.metrics.FramesEncodedTotal.WithLabelValues("keepalive").Inc()
	}
}

func (s *Supervisor) computeStats() statsResponse {
	info := statusapi.Info{
		Upstream: s.cfg.UpstreamAddr,
		Listen:   s.cfg.ListenAddr,
		Conv:     s.conv,
		Uptime:   time.Since(s.startedAt),
	}
	var sessions []statusapi.SessionInfo
	s.table.Range(func(idx uint16, entry conntable.Entry) {
		sess, ok := entry.(*tcpsession.Session)
		if !ok {
			return
		}
		sessions = append(sessions, statusapi.SessionInfo{
			ConnIdx:    idx,
			LocalAddr:  sess.LocalAddr().String(),
			RemoteAddr: sess.RemoteAddr().String(),
		})
	})
	return statsResponse{info: info, sessions: sessions}
}

// query round-trips a stats request through the event loop, preserving the
// rule that only loop ever touches the connection table directly.
func (s *Supervisor) query() statsResponse {
	resp := make(chan statsResponse, 1)
	select {
	case s.statsCh <- statsRequest{respond: resp}:
	case <-s.stoppedCh:
		return statsResponse{}
	}
	select {
	case r := <-resp:
		return r
	case <-s.stoppedCh:
		return statsResponse{}
	}
}

// Info implements statusapi.StatsProvider.
func (s *Supervisor) Info() statusapi.Info { return s.query().info }

// Sessions implements statusapi.StatsProvider.
func (s *Supervisor) Sessions() []statusapi.SessionInfo { return s.query().sessions }
