// Package handshake drives the conv-announcement exchange that precedes
// every RUDP session: a fixed 12-byte datagram sent outside the KCP stream,
// retransmitted once a second until upstream echoes it back verbatim.
//
//	+----------+-----------+---------------+
//	| zero(4)  | conv(4)   | conv+1(4)     |
//	+----------+-----------+---------------+
//
// Both conv and conv+1 are little-endian; the leading 4 zero bytes sit where
// a KCP segment carries its nonzero conv, which is how the supervisor tells a
// 12-byte handshake datagram apart from a KCP one on the shared socket.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go"

	"github.com/uole/nrgo-tun-client/internal/logging"
)

// DatagramLen is the fixed size of the handshake datagram.
const DatagramLen = 12

// retryBudget is the total number of 1s-spaced attempts before giving up,
// bounding the handshake to 10s per spec.
const retryBudget = 10

// ErrTimedOut is returned once retryBudget attempts elapse without upstream
// echoing the datagram back.
var ErrTimedOut = errors.New("handshake: upstream did not echo conv within the retry budget")

// Build encodes the handshake datagram for conv.
func Build(conv uint32) []byte {
	buf := make([]byte, DatagramLen)
	binary.LittleEndian.PutUint32(buf[4:8], conv)
	binary.LittleEndian.PutUint32(buf[8:12], conv+1)
	return buf
}

// Perform drives the handshake over conn, which must already be connected
// (net.DialUDP) to the fixed upstream address. It blocks until upstream
// echoes the datagram back or the retry budget is exhausted, and clears any
// read deadline it set before returning so the caller can install its own.
func Perform(conn *net.UDPConn, conv uint32, logger logging.Logger) error {
	out := Build(conv)
	in := make([]byte, DatagramLen)
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			if _, err := conn.Write(out); err != nil {
				return err
			}
			if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
				return err
			}
			for {
				n, err := conn.Read(in)
				if err != nil {
					logger.Debug("handshake attempt timed out", logging.Field{Key: "attempt", Value: attempt})
					return err
				}
				if n == DatagramLen && bytes.Equal(in[:n], out) {
					return nil
				}
				// Stray datagram arrived before the echo; keep waiting within
				// the same deadline rather than burning an attempt on it.
			}
		},
		retry.Attempts(retryBudget),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return ErrTimedOut
	}
	return nil
}
