package netio_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/voiddrifter/netcode/internal/netio"
)

// tcpPair returns two ends of a loopback connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	is := is.New(t)

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	is.NoErr(err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	is.NoErr(err)

	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestWriteFullReadFull(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	want := []byte("exactly these twenty-six b")

	go func() {
		// Split the write so the reader sees a partial transfer first.
		netio.WriteFull(client, want[:7])
		time.Sleep(20 * time.Millisecond)
		netio.WriteFull(client, want[7:])
	}()

	got := make([]byte, len(want))
	err := netio.ReadFull(server, got)
	is.NoErr(err)
	is.Equal(got, want)
}

func TestReadFullPeerClosed(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	client.Close()

	buf := make([]byte, 4)
	err := netio.ReadFull(server, buf)
	is.True(errors.Is(err, netio.ErrPeerClosed))
}

func TestPollReadNoData(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	buf := make([]byte, 3)
	err := netio.PollRead(server, buf)
	is.True(errors.Is(err, netio.ErrNoData))

	// The connection must remain usable after a no-data poll.
	err = netio.WriteFull(client, []byte{1, 2, 3})
	is.NoErr(err)

	deadline := time.Now().Add(time.Second)
	for {
		err = netio.PollRead(server, buf)
		if !errors.Is(err, netio.ErrNoData) {
			break
		}
		is.True(time.Now().Before(deadline)) // data never arrived
	}
	is.NoErr(err)
	is.Equal(buf, []byte{1, 2, 3})
}

func TestPollReadPeerClosed(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	client.Close()

	// Give the close time to propagate through the loopback.
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, 3)
	err := netio.PollRead(server, buf)
	is.True(errors.Is(err, netio.ErrPeerClosed))
}

func TestPollReadFinishesPartialFrame(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	go func() {
		netio.WriteFull(client, []byte{1})
		time.Sleep(30 * time.Millisecond)
		netio.WriteFull(client, []byte{2, 3})
	}()

	buf := make([]byte, 3)
	deadline := time.Now().Add(time.Second)
	var err error
	for {
		err = netio.PollRead(server, buf)
		if !errors.Is(err, netio.ErrNoData) {
			break
		}
		is.True(time.Now().Before(deadline))
	}
	is.NoErr(err)
	is.Equal(buf, []byte{1, 2, 3})
}

func TestReadFullTimeout(t *testing.T) {
	is := is.New(t)
	_, server := tcpPair(t)

	buf := make([]byte, 3)
	start := time.Now()
	err := netio.ReadFullTimeout(server, buf, 50*time.Millisecond)
	is.True(err != nil)
	is.True(!errors.Is(err, netio.ErrNoData)) // expiry is a hard error here
	is.True(time.Since(start) < time.Second)
}

func TestAcceptPending(t *testing.T) {
	is := is.New(t)

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	is.NoErr(err)
	defer ln.Close()

	// Nothing waiting: no-data, not an error.
	conn, err := netio.AcceptPending(ln)
	is.True(errors.Is(err, netio.ErrNoData))
	is.True(conn == nil)

	client, err := net.Dial("tcp", ln.Addr().String())
	is.NoErr(err)
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for {
		conn, err = netio.AcceptPending(ln)
		if !errors.Is(err, netio.ErrNoData) {
			break
		}
		is.True(time.Now().Before(deadline))
	}
	is.NoErr(err)
	is.True(conn != nil)
	conn.Close()
}

func TestDrain(t *testing.T) {
	is := is.New(t)
	client, server := tcpPair(t)

	err := netio.WriteFull(client, []byte{9, 9, 9, 9, 9, 'X'})
	is.NoErr(err)

	err = netio.Drain(server, 5)
	is.NoErr(err)

	buf := make([]byte, 1)
	err = netio.ReadFull(server, buf)
	is.NoErr(err)
	is.Equal(buf[0], byte('X'))
}
