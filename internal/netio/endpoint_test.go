package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAssignsDistinctIDs(t *testing.T) {
	a, err := Open("127.0.0.1")
	require.NoError(t, err)
	defer a.Close()
	b, err := Open("127.0.0.1")
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.ID(), b.ID())
}

func TestReadLoopForwardsDatagram(t *testing.T) {
	ep, err := Open("127.0.0.1")
	require.NoError(t, err)
	defer ep.Close()

	out := make(chan Datagram, 1)
	go ep.ReadLoop(out)

	raddr := ep.LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case dg := <-out:
		require.NoError(t, dg.Err)
		require.Equal(t, "hello", string(dg.Data))
		require.Equal(t, ep, dg.Endpoint)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestReadLoopReportsCloseAsFinalDatagram(t *testing.T) {
	ep, err := Open("127.0.0.1")
	require.NoError(t, err)

	out := make(chan Datagram, 1)
	go ep.ReadLoop(out)

	require.NoError(t, ep.Close())

	select {
	case dg := <-out:
		require.Error(t, dg.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestSendRejectsNonUDPAddr(t *testing.T) {
	ep, err := Open("127.0.0.1")
	require.NoError(t, err)
	defer ep.Close()

	err = ep.Send(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}, []byte("x"))
	require.Error(t, err)
}
