package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/voiddrifter/netcode/internal/byteorder"
	"github.com/voiddrifter/netcode/internal/debug"
	"github.com/voiddrifter/netcode/internal/netio"
	"github.com/voiddrifter/netcode/internal/protocol"
)

const (
	// handshakeTimeout bounds the blocking reads of the handshake, which
	// run inside the tick loop. A peer that connects and then says nothing
	// costs at most this much of one tick.
	handshakeTimeout = time.Second

	// payloadTimeout bounds reading a payload whose header has already
	// arrived.
	payloadTimeout = 250 * time.Millisecond

	// recentPeerWindow is how long a disconnected or rejected peer stays
	// in the recent-peer table; repeat attempts inside the window are
	// logged quietly instead of spamming the info log.
	recentPeerWindow = 10 * time.Second

	defaultTickRate = 60
)

type Config struct {
	Addr       string
	TickRate   int
	MaxPlayers int
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = defaultTickRate
	}
	if c.MaxPlayers <= 0 || c.MaxPlayers > protocol.MaxPlayers {
		c.MaxPlayers = protocol.MaxPlayers
	}
	return c
}

// conn is the server's view of one client: socket, identity, and the
// highest input sequence applied so far. Created on a successful handshake,
// never reused after disconnect.
type conn struct {
	sock    net.Conn
	id      uint8
	connID  uuid.UUID // log correlation only, never on the wire
	name    string
	addrKey uint64
	lastSeq uint32
}

// Server runs the authoritative fixed-tick simulation. Single goroutine:
// accept, drain, simulate, and broadcast all happen sequentially inside one
// tick, and every socket operation inside the tick is non-blocking or
// deadline-bounded so one slow client cannot stall the others.
type Server struct {
	ln     *net.TCPListener
	cfg    Config
	logger *log.Logger

	world world
	conns [protocol.MaxPlayers]*conn
	tick  uint32

	recentPeers map[uint64]time.Time
}

func NewServer(cfg Config, logger *log.Logger) (*Server, error) {
	cfg = cfg.withDefaults()

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}

	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Server{
		ln:     ln,
		cfg:    cfg,
		logger: logger,

		recentPeers: make(map[uint64]time.Time),
	}, nil
}

// Addr can be useful to retrieve the listen address when the Server was
// constructed with ":0".
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// Run drives the simulation until ctx is cancelled. The shutdown flag is
// checked once per tick; cancellation is cooperative, never forced.
func (s *Server) Run(ctx context.Context) error {
	tickDuration := time.Second / time.Duration(s.cfg.TickRate)
	dt := float32(tickDuration.Seconds())

	ticker := time.NewTicker(tickDuration)
	defer ticker.Stop()

	s.logger.Info().
		Str("addr", s.Addr().String()).
		Int("tick_rate", s.cfg.TickRate).
		Int("max_players", s.cfg.MaxPlayers).
		Msg("server running")

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.stepTick(dt)
		}
	}
}

// stepTick is one full simulation tick:
// accept => drain inputs => physics => firing => bullets => broadcast.
func (s *Server) stepTick(dt float32) {
	s.acceptPending()
	s.drainInputs()
	s.world.stepPhysics(dt)
	s.world.stepFiring(dt)
	s.world.stepBullets(dt)
	s.broadcast()
	s.tick++
}

func (s *Server) shutdown() error {
	for i, c := range s.conns {
		if c == nil {
			continue
		}
		c.sock.Close()
		s.conns[i] = nil
		s.world.freePlayer(i)
	}

	err := s.ln.Close()
	s.logger.Info().Uint32("tick", s.tick).Msg("server stopped")
	return err
}

// acceptPending admits at most one new connection per tick; surplus waits
// in the OS backlog.
func (s *Server) acceptPending() {
	sock, err := netio.AcceptPending(s.ln)
	if errors.Is(err, netio.ErrNoData) {
		return
	}
	if err != nil {
		s.logger.Error().Msgf("could not accept: %v", err)
		return
	}

	s.handshake(sock)
}

// handshake runs the blocking (deadline-bounded) server side of connection
// establishment: read Connect, validate version, find a slot, answer with
// ConnectAck. Rejections are terminal for the attempt; retry needs a new
// connection.
func (s *Server) handshake(sock net.Conn) {
	connID := uuid.New()
	remote := sock.RemoteAddr().String()
	addrKey := xxhash.Sum64String(remote)

	// A peer we tore down (or rejected) moments ago hammering reconnect
	// should not flood the log.
	logEvent := s.logger.Info
	if s.seenRecently(addrKey) {
		logEvent = s.logger.Debug
	}
	logEvent().
		Str("conn_id", connID.String()).
		Str("remote", remote).
		Msg("incoming connection")

	headerBytes := make([]byte, protocol.HeaderSize)
	if err := netio.ReadFullTimeout(sock, headerBytes, handshakeTimeout); err != nil {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: could not read connect header: %v", err)
		s.dropPeer(sock, addrKey)
		return
	}

	header := protocol.Header{}
	if err := header.UnmarshalBinary(headerBytes); err != nil {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: malformed header: %v", err)
		s.dropPeer(sock, addrKey)
		return
	}
	if header.Type != protocol.MsgConnect || int(header.Length) != protocol.ConnectSize {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: expected connect, got type %d length %d", header.Type, header.Length)
		s.dropPeer(sock, addrKey)
		return
	}

	payload := make([]byte, header.Length)
	if err := netio.ReadFullTimeout(sock, payload, handshakeTimeout); err != nil {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: could not read connect payload: %v", err)
		s.dropPeer(sock, addrKey)
		return
	}

	connect := protocol.Connect{}
	if err := connect.UnmarshalBinary(payload); err != nil {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: malformed connect: %v", err)
		s.dropPeer(sock, addrKey)
		return
	}

	if connect.Version != protocol.Version {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: version mismatch (got %d; want %d)", connect.Version, protocol.Version)
		s.sendAck(sock, protocol.ConnectAck{Reason: protocol.ReasonVersionMismatch})
		s.dropPeer(sock, addrKey)
		return
	}

	slot := s.freeConnSlot()
	if slot < 0 {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msg("handshake: server full")
		s.sendAck(sock, protocol.ConnectAck{Reason: protocol.ReasonFull})
		s.dropPeer(sock, addrKey)
		return
	}

	name := connect.NameString()
	if name == "" {
		name = fmt.Sprintf("Player%d", slot+1)
	}

	if err := s.sendAck(sock, protocol.ConnectAck{Success: 1, PlayerID: uint8(slot)}); err != nil {
		s.logger.Warn().
			Str("conn_id", connID.String()).
			Msgf("handshake: could not send ack: %v", err)
		s.dropPeer(sock, addrKey)
		return
	}

	s.world.spawnPlayer(slot, name)
	s.conns[slot] = &conn{
		sock:    sock,
		id:      uint8(slot),
		connID:  connID,
		name:    name,
		addrKey: addrKey,
	}

	s.logger.Info().
		Str("conn_id", connID.String()).
		Str("name", name).
		Int("player_id", slot).
		Str("world", s.world.String()).
		Msg("player joined")
}

func (s *Server) sendAck(sock net.Conn, ack protocol.ConnectAck) error {
	frame, err := protocol.Frame(protocol.MsgConnectAck, &ack)
	debug.Assert(err == nil)
	return netio.WriteFull(sock, frame)
}

func (s *Server) freeConnSlot() int {
	slot := s.world.freePlayerSlot(s.cfg.MaxPlayers)
	if slot >= 0 && s.conns[slot] == nil {
		return slot
	}
	return -1
}

func (s *Server) seenRecently(addrKey uint64) bool {
	now := time.Now()
	for key, last := range s.recentPeers {
		if now.Sub(last) > recentPeerWindow {
			delete(s.recentPeers, key)
		}
	}

	_, ok := s.recentPeers[addrKey]
	return ok
}

// dropPeer closes a socket that never became (or no longer is) a player and
// remembers the peer so its retries log quietly for a while.
func (s *Server) dropPeer(sock net.Conn, addrKey uint64) {
	sock.Close()
	s.recentPeers[addrKey] = time.Now()
}

// drainInputs performs one non-blocking header read per active connection.
// "No data" leaves the player's intent untouched; a fully received
// PlayerInput with a fresh sequence replaces it; anything stale is silently
// discarded.
func (s *Server) drainInputs() {
	headerBytes := make([]byte, protocol.HeaderSize)

	for i, c := range s.conns {
		if c == nil {
			continue
		}

		err := netio.PollRead(c.sock, headerBytes)
		if errors.Is(err, netio.ErrNoData) {
			continue
		}
		if errors.Is(err, netio.ErrPeerClosed) {
			s.disconnect(i, "connection closed")
			continue
		}
		if err != nil {
			s.disconnect(i, fmt.Sprintf("read error: %v", err))
			continue
		}

		header := protocol.Header{}
		if err := header.UnmarshalBinary(headerBytes); err != nil {
			// A bogus length makes the rest of the stream
			// unframeable; the connection cannot be saved.
			s.disconnect(i, fmt.Sprintf("malformed header: %v", err))
			continue
		}

		if !header.Known() {
			s.logger.Warn().
				Str("conn_id", c.connID.String()).
				Msgf("draining unknown message type %d (%d bytes)", header.Type, header.Length)
			if err := netio.Drain(c.sock, int(header.Length)); err != nil {
				s.disconnect(i, fmt.Sprintf("could not drain unknown message: %v", err))
			}
			continue
		}

		payload := make([]byte, header.Length)
		if err := netio.ReadFullTimeout(c.sock, payload, payloadTimeout); err != nil {
			s.disconnect(i, fmt.Sprintf("could not read payload: %v", err))
			continue
		}

		s.handleMessage(i, header, payload)
	}
}

func (s *Server) handleMessage(slot int, header protocol.Header, payload []byte) {
	c := s.conns[slot]

	switch header.Type {
	case protocol.MsgPlayerInput:
		input := protocol.PlayerInput{}
		if err := input.UnmarshalBinary(payload); err != nil {
			s.logger.Debug().
				Str("conn_id", c.connID.String()).
				Msgf("dropping malformed input: %v", err)
			return
		}
		// Stale or duplicate sequence: discard without effect.
		if input.Sequence <= c.lastSeq {
			return
		}
		c.lastSeq = input.Sequence
		s.world.applyInput(slot, input.InputFlags, input.WeaponType)

	case protocol.MsgDisconnect:
		s.disconnect(slot, "peer requested disconnect")

	case protocol.MsgPing:
		ping := protocol.Ping{}
		if err := ping.UnmarshalBinary(payload); err != nil {
			s.logger.Debug().
				Str("conn_id", c.connID.String()).
				Msgf("dropping malformed ping: %v", err)
			return
		}
		pong := protocol.Pong{ClientTimestamp: ping.Timestamp, ServerTimestamp: s.tick}
		frame, err := protocol.Frame(protocol.MsgPong, &pong)
		debug.Assert(err == nil)
		if err := netio.WriteFull(c.sock, frame); err != nil {
			s.disconnect(slot, fmt.Sprintf("could not send pong: %v", err))
		}

	default:
		// Known type a client has no business sending mid-session. The
		// payload is already consumed, so framing stays intact.
		s.logger.Warn().
			Str("conn_id", c.connID.String()).
			Msgf("ignoring unexpected message type %d (%d bytes)", header.Type, header.Length)
	}
}

// broadcast marshals one GameState for the tick and sends it to every
// active connection, patching the personalized your_sequence field in place.
// A failed send tears down that recipient only.
func (s *Server) broadcast() {
	if s.world.playerCount() == 0 {
		return
	}

	players, bullets := s.world.snapshot()
	state := protocol.GameState{
		Tick:    s.tick,
		Players: players,
		Bullets: bullets,
	}

	frame, err := protocol.Frame(protocol.MsgGameState, &state)
	if err != nil {
		s.logger.Error().Msgf("could not marshal game state: %v", err)
		return
	}

	const seqOffset = protocol.HeaderSize + protocol.YourSequenceOffset

	var errs error
	for i, c := range s.conns {
		if c == nil {
			continue
		}

		copy(frame[seqOffset:seqOffset+4], byteorder.Htonl(c.lastSeq))

		if err := netio.WriteFull(c.sock, frame); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("player %d: %w", i, err))
			s.disconnect(i, "send failed")
		}
	}
	if errs != nil {
		s.logger.Error().Msgf("broadcast send failures: %v", errs)
	}
}

// disconnect frees the slot and the player state; other connections and the
// simulation are unaffected.
func (s *Server) disconnect(slot int, reason string) {
	c := s.conns[slot]
	if c == nil {
		return
	}

	c.sock.Close()
	s.conns[slot] = nil
	s.world.freePlayer(slot)
	s.recentPeers[c.addrKey] = time.Now()

	s.logger.Info().
		Str("conn_id", c.connID.String()).
		Str("name", c.name).
		Int("player_id", slot).
		Str("reason", reason).
		Str("world", s.world.String()).
		Msg("player disconnected")
}
