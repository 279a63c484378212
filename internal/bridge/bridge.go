// Package bridge runs the client side of a session on a dedicated
// goroutine: connect, blocking handshake, then a strictly non-blocking
// receive/send cycle. The consumer never touches the socket; it talks to
// the bridge through the shared state store and the small API here.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/voiddrifter/netcode/internal/debug"
	"github.com/voiddrifter/netcode/internal/netio"
	"github.com/voiddrifter/netcode/internal/protocol"
	"github.com/voiddrifter/netcode/internal/sharedstate"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	payloadTimeout   = 250 * time.Millisecond

	// sendInterval paces the receive/send cycle; the short sleep is what
	// keeps the non-blocking loop from spinning.
	sendInterval = time.Second / 60

	pingInterval = 2 * time.Second
)

type Bridge struct {
	shared *sharedstate.State
	logger *log.Logger
	name   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(shared *sharedstate.State, name string, logger *log.Logger) *Bridge {
	debug.Assert(shared != nil)

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Bridge{
		shared: shared,
		logger: logger,
		name:   name,
	}
}

// Connect starts the network goroutine. It returns immediately; progress is
// visible through the shared state's status.
func (b *Bridge) Connect(host string, port uint16) {
	debug.Assert(b.cancel == nil, "bridge already connected")

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx, addr)
	}()
}

// Disconnect signals the goroutine and waits for it to observe the signal
// and exit; the socket is only released after the join. Safe to call when
// not connected.
func (b *Bridge) Disconnect() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.cancel = nil
}

func (b *Bridge) IsConnected() bool {
	status, _ := b.shared.Status()
	return status == sharedstate.StatusConnected
}

func (b *Bridge) run(ctx context.Context, addr string) {
	b.shared.SetStatus(sharedstate.StatusConnecting, "connecting to "+addr)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		b.logger.Error().Msgf("could not connect: %v", err)
		b.shared.SetStatus(sharedstate.StatusError, "failed to connect")
		return
	}
	defer conn.Close()

	// The handshake is intentionally blocking: switching to polling before
	// the ack arrives risks reading a header without its payload and
	// misreading everything after it.
	playerID, err := b.handshake(conn)
	if err != nil {
		b.logger.Error().Msgf("handshake failed: %v", err)
		return
	}

	b.shared.SetLocalID(playerID)
	b.shared.SetStatus(sharedstate.StatusConnected, "connected")
	b.logger.Info().
		Str("addr", addr).
		Int("player_id", int(playerID)).
		Msg("connected")

	start := time.Now()
	lastPing := start

	for {
		select {
		case <-ctx.Done():
			// Best effort; the server also handles an abrupt close.
			if frame, err := protocol.Frame(protocol.MsgDisconnect, nil); err == nil {
				netio.WriteFull(conn, frame)
			}
			b.shared.SetStatus(sharedstate.StatusDisconnected, "disconnected")
			b.logger.Info().Msg("disconnected")
			return
		default:
		}

		if err := b.pollOnce(conn, start); err != nil {
			return
		}

		if err := b.sendInput(conn, playerID); err != nil {
			b.shared.SetStatus(sharedstate.StatusError, "connection error")
			b.logger.Error().Msgf("could not send input: %v", err)
			return
		}

		if time.Since(lastPing) >= pingInterval {
			lastPing = time.Now()
			if err := b.sendPing(conn, start); err != nil {
				b.shared.SetStatus(sharedstate.StatusError, "connection error")
				b.logger.Error().Msgf("could not send ping: %v", err)
				return
			}
		}

		time.Sleep(sendInterval)
	}
}

func (b *Bridge) handshake(conn net.Conn) (uint8, error) {
	frame, err := protocol.Frame(protocol.MsgConnect, protocol.NewConnect(b.name))
	debug.Assert(err == nil)

	if err := netio.WriteFull(conn, frame); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "failed to send connect")
		return 0, fmt.Errorf("could not send connect: %w", err)
	}

	headerBytes := make([]byte, protocol.HeaderSize)
	if err := netio.ReadFullTimeout(conn, headerBytes, handshakeTimeout); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "no response from server")
		return 0, fmt.Errorf("could not read ack header: %w", err)
	}

	header := protocol.Header{}
	if err := header.UnmarshalBinary(headerBytes); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "unexpected response")
		return 0, fmt.Errorf("malformed ack header: %w", err)
	}
	if header.Type != protocol.MsgConnectAck || int(header.Length) != protocol.ConnectAckSize {
		b.shared.SetStatus(sharedstate.StatusError, "unexpected response")
		return 0, fmt.Errorf("expected connect ack, got type %d length %d", header.Type, header.Length)
	}

	payload := make([]byte, header.Length)
	if err := netio.ReadFullTimeout(conn, payload, handshakeTimeout); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "incomplete ack")
		return 0, fmt.Errorf("could not read ack payload: %w", err)
	}

	ack := protocol.ConnectAck{}
	if err := ack.UnmarshalBinary(payload); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "unexpected response")
		return 0, fmt.Errorf("malformed ack: %w", err)
	}

	if ack.Success == 0 {
		reason := "server full"
		if ack.Reason == protocol.ReasonVersionMismatch {
			reason = "version mismatch"
		}
		b.shared.SetStatus(sharedstate.StatusError, reason)
		return 0, fmt.Errorf("connection rejected: %s", reason)
	}

	return ack.PlayerID, nil
}

// pollOnce performs one non-blocking header read, fully processing a
// GameState if one is present and safely draining anything unrecognized.
// A returned error is terminal for the session; "no data" is not an error.
func (b *Bridge) pollOnce(conn net.Conn, start time.Time) error {
	headerBytes := make([]byte, protocol.HeaderSize)

	err := netio.PollRead(conn, headerBytes)
	if errors.Is(err, netio.ErrNoData) {
		return nil
	}
	if errors.Is(err, netio.ErrPeerClosed) {
		b.shared.SetStatus(sharedstate.StatusDisconnected, "server closed connection")
		b.logger.Info().Msg("server closed connection")
		return err
	}
	if err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "connection error")
		b.logger.Error().Msgf("could not read header: %v", err)
		return err
	}

	header := protocol.Header{}
	if err := header.UnmarshalBinary(headerBytes); err != nil {
		// The length field cannot be trusted, so neither can any byte
		// after it.
		b.shared.SetStatus(sharedstate.StatusError, "protocol error")
		b.logger.Error().Msgf("malformed header: %v", err)
		return err
	}

	if !header.Known() {
		b.logger.Warn().Msgf("draining unknown message type %d (%d bytes)", header.Type, header.Length)
		if err := netio.Drain(conn, int(header.Length)); err != nil {
			b.shared.SetStatus(sharedstate.StatusError, "connection error")
			b.logger.Error().Msgf("could not drain unknown message: %v", err)
			return err
		}
		return nil
	}

	payload := make([]byte, header.Length)
	if err := netio.ReadFullTimeout(conn, payload, payloadTimeout); err != nil {
		b.shared.SetStatus(sharedstate.StatusError, "connection error")
		b.logger.Error().Msgf("could not read payload: %v", err)
		return err
	}

	switch header.Type {
	case protocol.MsgGameState:
		state := protocol.GameState{}
		if err := state.UnmarshalBinary(payload); err != nil {
			// Framing is intact (payload consumed); skip the message.
			b.logger.Warn().Msgf("dropping malformed game state: %v", err)
			return nil
		}
		b.applyGameState(&state)
		b.shared.CountPacketReceived()

	case protocol.MsgPong:
		pong := protocol.Pong{}
		if err := pong.UnmarshalBinary(payload); err != nil {
			b.logger.Warn().Msgf("dropping malformed pong: %v", err)
			return nil
		}
		sentAt := time.Duration(pong.ClientTimestamp) * time.Millisecond
		b.shared.RecordPing(float64(time.Since(start.Add(sentAt))) / float64(time.Millisecond))

	default:
		// Known type the server has no business sending here. The payload
		// is already consumed, so framing stays intact.
		b.logger.Warn().Msgf("ignoring unexpected message type %d (%d bytes)", header.Type, header.Length)
	}

	return nil
}

func (b *Bridge) applyGameState(state *protocol.GameState) {
	players := make([]sharedstate.Player, len(state.Players))
	for i, p := range state.Players {
		players[i] = sharedstate.Player{
			ID:     p.PlayerID,
			X:      p.X,
			Y:      p.Y,
			VX:     p.VX,
			VY:     p.VY,
			Health: p.Health,
			Weapon: p.Weapon,
		}
	}

	bullets := make([]sharedstate.Bullet, len(state.Bullets))
	for i, bs := range state.Bullets {
		bullets[i] = sharedstate.Bullet{
			OwnerID: bs.OwnerID,
			X:       bs.X,
			Y:       bs.Y,
			VX:      bs.VX,
			VY:      bs.VY,
			Weapon:  bs.WeaponType,
		}
	}

	b.shared.UpdateWorld(players, bullets, state.Tick)
}

func (b *Bridge) sendInput(conn net.Conn, playerID uint8) error {
	flags, weaponType, sequence := b.shared.PendingInput()

	input := protocol.PlayerInput{
		PlayerID:   playerID,
		InputFlags: flags,
		WeaponType: weaponType,
		Sequence:   sequence,
	}
	frame, err := protocol.Frame(protocol.MsgPlayerInput, &input)
	debug.Assert(err == nil)

	if err := netio.WriteFull(conn, frame); err != nil {
		return err
	}
	b.shared.CountPacketSent()
	return nil
}

func (b *Bridge) sendPing(conn net.Conn, start time.Time) error {
	ping := protocol.Ping{Timestamp: uint32(time.Since(start).Milliseconds())}
	frame, err := protocol.Frame(protocol.MsgPing, &ping)
	debug.Assert(err == nil)

	return netio.WriteFull(conn, frame)
}
