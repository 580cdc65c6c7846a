package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tftpd/internal/clock"
	"tftpd/internal/fsio"
	"tftpd/internal/registry"
	"tftpd/internal/session"
	"tftpd/internal/wire"
)

func startTestServer(t *testing.T) (*Server, fsio.FS, context.CancelFunc) {
	t.Helper()
	fs := fsio.NewMemFS()
	reg := registry.New()
	clk := clock.Real{}
	log := zap.NewNop().Sugar()

	srv, err := New("127.0.0.1", 0, "", fs, reg, clk, log, TickInterval, session.DefaultRetryPolicy())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(cancel)
	return srv, fs, cancel
}

// dialServer opens an unconnected client socket: the server answers each
// request from a new ephemeral endpoint, so replies do not come from
// srv.Addr() and later packets of a transfer go to the reply's source.
func dialServer(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestServerServesReadRequestEndToEnd(t *testing.T) {
	srv, fs, _ := startTestServer(t)
	require.NoError(t, afero.WriteFile(fs.(*fsio.OsFS).Afero(), "greeting.txt", []byte("hello from the server"), 0644))

	conn := dialServer(t, srv)

	reqRaw, err := wire.Encode(wire.Request{Op: wire.OpRRQ, Filename: "greeting.txt", Mode: wire.ModeOctet})
	require.NoError(t, err)
	_, err = conn.WriteTo(reqRaw, srv.Addr())
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	data, ok := pkt.(wire.Data)
	require.True(t, ok)
	require.EqualValues(t, 1, data.Block)
	require.Equal(t, "hello from the server", string(data.Payload))

	ackRaw, err := wire.Encode(wire.Ack{Block: 1})
	require.NoError(t, err)
	_, err = conn.WriteTo(ackRaw, from)
	require.NoError(t, err)
}

func TestServerRejectsMissingFileWithErrPacket(t *testing.T) {
	srv, _, _ := startTestServer(t)
	conn := dialServer(t, srv)

	reqRaw, err := wire.Encode(wire.Request{Op: wire.OpRRQ, Filename: "absent.txt", Mode: wire.ModeOctet})
	require.NoError(t, err)
	_, err = conn.WriteTo(reqRaw, srv.Addr())
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	_, ok := pkt.(wire.Err)
	require.True(t, ok)
}

func TestServerWriteRequestEndToEnd(t *testing.T) {
	srv, fs, _ := startTestServer(t)
	conn := dialServer(t, srv)

	reqRaw, err := wire.Encode(wire.Request{Op: wire.OpWRQ, Filename: "uploaded.txt", Mode: wire.ModeOctet})
	require.NoError(t, err)
	_, err = conn.WriteTo(reqRaw, srv.Addr())
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	ack, ok := pkt.(wire.Ack)
	require.True(t, ok)
	require.EqualValues(t, 0, ack.Block)

	dataRaw, err := wire.Encode(wire.Data{Block: 1, Payload: []byte("uploaded content")})
	require.NoError(t, err)
	_, err = conn.WriteTo(dataRaw, from)
	require.NoError(t, err)

	n, _, err = conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err = wire.Decode(buf[:n])
	require.NoError(t, err)
	ack, ok = pkt.(wire.Ack)
	require.True(t, ok)
	require.EqualValues(t, 1, ack.Block)

	require.Eventually(t, func() bool {
		return fs.Exists("uploaded.txt")
	}, time.Second, 10*time.Millisecond)

	contents, err := afero.ReadFile(fs.(*fsio.OsFS).Afero(), "uploaded.txt")
	require.NoError(t, err)
	require.Equal(t, "uploaded content", string(contents))
}
