package gameserver_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/voiddrifter/netcode/internal/gameserver"
	"github.com/voiddrifter/netcode/internal/netio"
	"github.com/voiddrifter/netcode/internal/protocol"
)

const readTimeout = 2 * time.Second

// startServer runs a server on a loopback port at the default tick rate and
// tears it down with the test.
func startServer(t *testing.T, maxPlayers int) *gameserver.Server {
	t.Helper()
	is := is.New(t)

	server, err := gameserver.NewServer(gameserver.Config{
		Addr:       "127.0.0.1:0",
		MaxPlayers: maxPlayers,
	}, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return server
}

// dialAndConnect performs the client half of the handshake and returns the
// socket together with the server's answer.
func dialAndConnect(t *testing.T, server *gameserver.Server, version uint8, name string) (net.Conn, protocol.ConnectAck) {
	t.Helper()
	is := is.New(t)

	sock, err := net.Dial("tcp", server.Addr().String())
	is.NoErr(err)
	t.Cleanup(func() { sock.Close() })

	connect := protocol.NewConnect(name)
	connect.Version = version
	frame, err := protocol.Frame(protocol.MsgConnect, connect)
	is.NoErr(err)
	is.NoErr(netio.WriteFull(sock, frame))

	header, payload := readMessage(t, sock)
	is.Equal(header.Type, protocol.MsgConnectAck)

	ack := protocol.ConnectAck{}
	is.NoErr(ack.UnmarshalBinary(payload))
	return sock, ack
}

func readMessage(t *testing.T, sock net.Conn) (protocol.Header, []byte) {
	t.Helper()
	is := is.New(t)

	headerBytes := make([]byte, protocol.HeaderSize)
	is.NoErr(netio.ReadFullTimeout(sock, headerBytes, readTimeout))

	header := protocol.Header{}
	is.NoErr(header.UnmarshalBinary(headerBytes))

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		is.NoErr(netio.ReadFullTimeout(sock, payload, readTimeout))
	}
	return header, payload
}

func sendInput(t *testing.T, sock net.Conn, playerID uint8, flags uint8, seq uint32) {
	t.Helper()
	is := is.New(t)

	input := protocol.PlayerInput{
		PlayerID:   playerID,
		InputFlags: flags,
		WeaponType: protocol.WeaponSpread,
		Sequence:   seq,
	}
	frame, err := protocol.Frame(protocol.MsgPlayerInput, &input)
	is.NoErr(err)
	is.NoErr(netio.WriteFull(sock, frame))
}

func TestHandshakeAssignsUniqueIDs(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 0)

	_, ack1 := dialAndConnect(t, server, protocol.Version, "first")
	_, ack2 := dialAndConnect(t, server, protocol.Version, "second")

	is.Equal(ack1.Success, uint8(1))
	is.Equal(ack2.Success, uint8(1))
	is.True(ack1.PlayerID != ack2.PlayerID)
}

func TestServerFullRejectsAndCloses(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 1)

	_, ack1 := dialAndConnect(t, server, protocol.Version, "occupant")
	is.Equal(ack1.Success, uint8(1))

	sock2, ack2 := dialAndConnect(t, server, protocol.Version, "latecomer")
	is.Equal(ack2.Success, uint8(0))
	is.Equal(ack2.Reason, protocol.ReasonFull)

	// After a rejection the server hangs up.
	buf := make([]byte, 1)
	err := netio.ReadFullTimeout(sock2, buf, readTimeout)
	is.True(errors.Is(err, netio.ErrPeerClosed))
}

func TestVersionMismatchRejected(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 0)

	_, ack := dialAndConnect(t, server, 99, "timetraveler")
	is.Equal(ack.Success, uint8(0))
	is.Equal(ack.Reason, protocol.ReasonVersionMismatch)
}

func TestYourSequenceAcksAppliedInputs(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 0)

	sock, ack := dialAndConnect(t, server, protocol.Version, "p")
	is.Equal(ack.Success, uint8(1))

	const lastSeq = 5
	for seq := uint32(1); seq <= lastSeq; seq++ {
		sendInput(t, sock, ack.PlayerID, protocol.InputUp, seq)
	}

	// One input is drained per tick, so all five are applied within a few
	// broadcasts. your_sequence must never go backwards along the way.
	var prev uint32
	for i := 0; i < 60; i++ {
		header, payload := readMessage(t, sock)
		if header.Type != protocol.MsgGameState {
			continue
		}

		state := protocol.GameState{}
		is.NoErr(state.UnmarshalBinary(payload))

		is.True(state.YourSequence >= prev)
		prev = state.YourSequence

		if state.YourSequence == lastSeq {
			return
		}
	}
	t.Fatalf("never saw your_sequence reach %d (last %d)", lastSeq, prev)
}

func TestIdleClientStaysConnected(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 0)

	sock, ack := dialAndConnect(t, server, protocol.Version, "idle")
	is.Equal(ack.Success, uint8(1))

	// Say nothing for many ticks; the server must keep us in the session.
	time.Sleep(200 * time.Millisecond)

	header, payload := readMessage(t, sock)
	is.Equal(header.Type, protocol.MsgGameState)

	state := protocol.GameState{}
	is.NoErr(state.UnmarshalBinary(payload))

	found := false
	for _, p := range state.Players {
		if p.PlayerID == ack.PlayerID {
			found = true
		}
	}
	is.True(found)
}

func TestPingAnswersPong(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 0)

	sock, ack := dialAndConnect(t, server, protocol.Version, "p")
	is.Equal(ack.Success, uint8(1))

	ping := protocol.Ping{Timestamp: 4242}
	frame, err := protocol.Frame(protocol.MsgPing, &ping)
	is.NoErr(err)
	is.NoErr(netio.WriteFull(sock, frame))

	for i := 0; i < 60; i++ {
		header, payload := readMessage(t, sock)
		if header.Type != protocol.MsgPong {
			continue
		}

		pong := protocol.Pong{}
		is.NoErr(pong.UnmarshalBinary(payload))
		is.Equal(pong.ClientTimestamp, uint32(4242))
		return
	}
	t.Fatal("never received a pong")
}

func TestSlotReuseAfterDisconnect(t *testing.T) {
	is := is.New(t)
	server := startServer(t, 1)

	sock, ack := dialAndConnect(t, server, protocol.Version, "first")
	is.Equal(ack.Success, uint8(1))
	is.Equal(ack.PlayerID, uint8(0))

	frame, err := protocol.Frame(protocol.MsgDisconnect, nil)
	is.NoErr(err)
	is.NoErr(netio.WriteFull(sock, frame))
	sock.Close()

	// The disconnect is processed on a later tick; retry until the slot
	// opens up again.
	deadline := time.Now().Add(readTimeout)
	for {
		_, retryAck := dialAndConnect(t, server, protocol.Version, "second")
		if retryAck.Success == 1 {
			is.Equal(retryAck.PlayerID, uint8(0))
			return
		}
		is.Equal(retryAck.Reason, protocol.ReasonFull)
		if time.Now().After(deadline) {
			t.Fatal("slot never freed after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
