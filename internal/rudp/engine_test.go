package rudp

import (
	"net"
	"testing"
	"time"

	kcp "github.com/xtaci/kcp-go"
	"github.com/stretchr/testify/require"

	"github.com/uole/nrgo-tun-client/internal/frame"
	"github.com/uole/nrgo-tun-client/internal/logging"
)

// peerConn dials a UDP socket to a freshly bound loopback listener and
// returns both ends, so Engine can run over a real (if local) socket pair.
func peerConn(t *testing.T) (client, server *net.UDPConn) {
	t.Helper()
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	serverDialed, err := net.DialUDP("udp", serverConn.LocalAddr().(*net.UDPAddr), clientConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	require.NoError(t, serverConn.Close())

	return clientConn, serverDialed
}

func pumpOnce(t *testing.T, conn *net.UDPConn, k *kcp.KCP) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	k.Input(buf[:n], true, false)
}

func TestEngineSendReachesSymmetricPeer(t *testing.T) {
	const conv = uint32(99)
	clientConn, serverConn := peerConn(t)
	defer clientConn.Close()
	defer serverConn.Close()

	e := New(conv, clientConn, logging.Nop())

	peer := kcp.NewKCP(conv, func(buf []byte, size int) {
		_, _ = serverConn.Write(buf[:size])
	})
	peer.WndSize(256, 256)
	peer.NoDelay(1, 10, 2, 0)

	encoded := frame.EncodeKeepalive()
	require.NoError(t, e.Send(encoded))
	e.Update()

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pumpOnce(t, serverConn, peer)
		peer.Update()
		buf := make([]byte, 256)
		if n := peer.Recv(buf); n >= 0 {
			got = buf[:n]
			break
		}
	}
	require.Equal(t, encoded, got)
}

func TestEngineInputRejectsMalformedDatagram(t *testing.T) {
	clientConn, serverConn := peerConn(t)
	defer clientConn.Close()
	defer serverConn.Close()

	e := New(1, clientConn, logging.Nop())
	err := e.Input([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestDrainFeedsDecoderUntilEmpty(t *testing.T) {
	const conv = uint32(7)
	clientConn, serverConn := peerConn(t)
	defer clientConn.Close()
	defer serverConn.Close()

	e := New(conv, clientConn, logging.Nop())

	peer := kcp.NewKCP(conv, func(buf []byte, size int) {
		_, _ = serverConn.Write(buf[:size])
	})
	peer.WndSize(256, 256)
	peer.NoDelay(1, 10, 2, 0)

	f1 := frame.EncodeKeepalive()
	f2, err := frame.EncodeData(5, []byte("hi"))
	require.NoError(t, err)
	peer.Send(append(append([]byte{}, f1...), f2...))
	peer.Update()

	var dec frame.Decoder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		buf := make([]byte, 4096)
		n, err := clientConn.Read(buf)
		if err != nil {
			continue
		}
		require.NoError(t, e.Input(buf[:n]))
		e.Drain(&dec)

		first, ok, err := dec.Next()
		require.NoError(t, err)
		if !ok {
			continue
		}
		require.True(t, first.IsControl())

		second, ok, err := dec.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint16(5), second.ConnIdx)
		require.Equal(t, []byte("hi"), second.Payload)
		return
	}
	t.Fatal("timed out waiting for frames to drain")
}
