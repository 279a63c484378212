package protocol

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/voiddrifter/netcode/internal/byteorder"
	"github.com/voiddrifter/netcode/internal/debug"
)

// Every message on the wire is [type:u8][length:u16][payload:length].
// Multi-byte fields are big endian (network byte order); float32 fields are
// IEEE-754 bit patterns in the same order. The encoded form has no padding,
// so the sizes below are exact byte counts, not struct sizes.

const (
	HeaderSize     = 3
	MaxPayloadSize = 1 << 10 // comfortably above the largest GameState

	// Version must match exactly between peers; there is no negotiation.
	Version uint8 = 1
)

const (
	_ uint8 = iota
	MsgConnect
	MsgConnectAck
	MsgDisconnect
	MsgPlayerInput
	MsgGameState
	MsgPing
	MsgPong

	msgMax
)

// PlayerInput flag bits.
const (
	InputUp uint8 = 1 << iota
	InputLeft
	InputDown
	InputRight
	InputFire
)

const (
	WeaponSpread uint8 = iota
	WeaponRapid
	WeaponLaser

	WeaponCount
)

// ConnectAck rejection reasons.
const (
	ReasonFull uint8 = iota
	ReasonVersionMismatch
)

const (
	// MaxPlayers bounds player_count in a GameState; MaxSyncBullets bounds
	// bullet_count. Both exist to keep a hostile length field from forcing
	// an over-read.
	MaxPlayers     = 4
	MaxSyncBullets = 50

	NameSize = 16

	ConnectSize       = 1 + NameSize
	ConnectAckSize    = 3
	PlayerInputSize   = 7
	GameStateBaseSize = 10
	PlayerStateSize   = 21
	BulletStateSize   = 18
	PingSize          = 4
	PongSize          = 8

	// YourSequenceOffset is the byte offset of the your_sequence field
	// within a GameState payload. The server marshals one payload per tick
	// and patches this field per recipient.
	YourSequenceOffset = 4
)

// GameStateSize returns the payload size of a GameState carrying the given
// record counts.
func GameStateSize(players, bullets int) int {
	return GameStateBaseSize + players*PlayerStateSize + bullets*BulletStateSize
}

type Header struct {
	Type   uint8
	Length uint16
}

var (
	_ encoding.BinaryMarshaler   = (*Header)(nil)
	_ encoding.BinaryUnmarshaler = (*Header)(nil)
)

func (h *Header) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(h.Type)
	buf.Write(byteorder.Htons(h.Length))

	data := buf.Bytes()
	debug.Assert(len(data) == HeaderSize)

	return data, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("invalid header size (got %d; want %d)", len(data), HeaderSize)
	}

	h.Type = data[0]
	h.Length = byteorder.Ntohs(data[1:3])

	if h.Length > MaxPayloadSize {
		return fmt.Errorf("payload length %d exceeds max %d", h.Length, MaxPayloadSize)
	}

	return nil
}

// Known reports whether the type tag is one this protocol version defines.
// Unknown tags are not an error at the framing level; the caller is expected
// to drain Length bytes and move on.
func (h *Header) Known() bool {
	return h.Type > 0 && h.Type < msgMax
}

type Connect struct {
	Version uint8
	Name    [NameSize]byte
}

var (
	_ encoding.BinaryMarshaler   = (*Connect)(nil)
	_ encoding.BinaryUnmarshaler = (*Connect)(nil)
)

// NewConnect truncates name to the fixed field width.
func NewConnect(name string) *Connect {
	c := &Connect{Version: Version}
	copy(c.Name[:], name)
	return c
}

// NameString returns the name up to the first NUL, like the C string the
// field originally was.
func (c *Connect) NameString() string {
	i := bytes.IndexByte(c.Name[:], 0)
	if i < 0 {
		i = len(c.Name)
	}
	return string(c.Name[:i])
}

func (c *Connect) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(c.Version)
	buf.Write(c.Name[:])

	data := buf.Bytes()
	debug.Assert(len(data) == ConnectSize)

	return data, nil
}

func (c *Connect) UnmarshalBinary(data []byte) error {
	if len(data) != ConnectSize {
		return fmt.Errorf("invalid connect size (got %d; want %d)", len(data), ConnectSize)
	}

	c.Version = data[0]
	copy(c.Name[:], data[1:1+NameSize])

	return nil
}

type ConnectAck struct {
	Success  uint8
	PlayerID uint8
	Reason   uint8
}

var (
	_ encoding.BinaryMarshaler   = (*ConnectAck)(nil)
	_ encoding.BinaryUnmarshaler = (*ConnectAck)(nil)
)

func (a *ConnectAck) MarshalBinary() ([]byte, error) {
	return []byte{a.Success, a.PlayerID, a.Reason}, nil
}

func (a *ConnectAck) UnmarshalBinary(data []byte) error {
	if len(data) != ConnectAckSize {
		return fmt.Errorf("invalid connect ack size (got %d; want %d)", len(data), ConnectAckSize)
	}

	a.Success = data[0]
	a.PlayerID = data[1]
	a.Reason = data[2]

	return nil
}

type PlayerInput struct {
	PlayerID   uint8
	InputFlags uint8
	WeaponType uint8
	Sequence   uint32
}

var (
	_ encoding.BinaryMarshaler   = (*PlayerInput)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerInput)(nil)
)

func (p *PlayerInput) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(p.PlayerID)
	buf.WriteByte(p.InputFlags)
	buf.WriteByte(p.WeaponType)
	buf.Write(byteorder.Htonl(p.Sequence))

	data := buf.Bytes()
	debug.Assert(len(data) == PlayerInputSize)

	return data, nil
}

func (p *PlayerInput) UnmarshalBinary(data []byte) error {
	if len(data) != PlayerInputSize {
		return fmt.Errorf("invalid player input size (got %d; want %d)", len(data), PlayerInputSize)
	}

	p.PlayerID = data[0]
	p.InputFlags = data[1]
	p.WeaponType = data[2]
	p.Sequence = byteorder.Ntohl(data[3:7])

	return nil
}

type PlayerState struct {
	PlayerID uint8
	X, Y     float32
	VX, VY   float32
	Health   int16
	Weapon   uint8
	Flags    uint8
}

var (
	_ encoding.BinaryMarshaler   = (*PlayerState)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerState)(nil)
)

func (s *PlayerState) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(s.PlayerID)
	buf.Write(byteorder.Htonf(s.X))
	buf.Write(byteorder.Htonf(s.Y))
	buf.Write(byteorder.Htonf(s.VX))
	buf.Write(byteorder.Htonf(s.VY))
	buf.Write(byteorder.Htons(uint16(s.Health)))
	buf.WriteByte(s.Weapon)
	buf.WriteByte(s.Flags)

	data := buf.Bytes()
	debug.Assert(len(data) == PlayerStateSize)

	return data, nil
}

func (s *PlayerState) UnmarshalBinary(data []byte) error {
	if len(data) != PlayerStateSize {
		return fmt.Errorf("invalid player state size (got %d; want %d)", len(data), PlayerStateSize)
	}

	s.PlayerID = data[0]
	s.X = byteorder.Ntohf(data[1:5])
	s.Y = byteorder.Ntohf(data[5:9])
	s.VX = byteorder.Ntohf(data[9:13])
	s.VY = byteorder.Ntohf(data[13:17])
	s.Health = int16(byteorder.Ntohs(data[17:19]))
	s.Weapon = data[19]
	s.Flags = data[20]

	return nil
}

type BulletState struct {
	OwnerID    uint8
	X, Y       float32
	VX, VY     float32
	WeaponType uint8
}

var (
	_ encoding.BinaryMarshaler   = (*BulletState)(nil)
	_ encoding.BinaryUnmarshaler = (*BulletState)(nil)
)

func (s *BulletState) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteByte(s.OwnerID)
	buf.Write(byteorder.Htonf(s.X))
	buf.Write(byteorder.Htonf(s.Y))
	buf.Write(byteorder.Htonf(s.VX))
	buf.Write(byteorder.Htonf(s.VY))
	buf.WriteByte(s.WeaponType)

	data := buf.Bytes()
	debug.Assert(len(data) == BulletStateSize)

	return data, nil
}

func (s *BulletState) UnmarshalBinary(data []byte) error {
	if len(data) != BulletStateSize {
		return fmt.Errorf("invalid bullet state size (got %d; want %d)", len(data), BulletStateSize)
	}

	s.OwnerID = data[0]
	s.X = byteorder.Ntohf(data[1:5])
	s.Y = byteorder.Ntohf(data[5:9])
	s.VX = byteorder.Ntohf(data[9:13])
	s.VY = byteorder.Ntohf(data[13:17])
	s.WeaponType = data[17]

	return nil
}

// GameState is the variable-length broadcast payload: a fixed base followed
// by player_count PlayerState records, then bullet_count BulletState records.
type GameState struct {
	Tick         uint32
	YourSequence uint32
	Players      []PlayerState
	Bullets      []BulletState
}

var (
	_ encoding.BinaryMarshaler   = (*GameState)(nil)
	_ encoding.BinaryUnmarshaler = (*GameState)(nil)
)

func (g *GameState) MarshalBinary() ([]byte, error) {
	if len(g.Players) > MaxPlayers {
		return nil, fmt.Errorf("too many players (got %d; max %d)", len(g.Players), MaxPlayers)
	}
	if len(g.Bullets) > MaxSyncBullets {
		return nil, fmt.Errorf("too many bullets (got %d; max %d)", len(g.Bullets), MaxSyncBullets)
	}

	buf := bytes.Buffer{}
	buf.Grow(GameStateSize(len(g.Players), len(g.Bullets)))

	buf.Write(byteorder.Htonl(g.Tick))
	buf.Write(byteorder.Htonl(g.YourSequence))
	buf.WriteByte(uint8(len(g.Players)))
	buf.WriteByte(uint8(len(g.Bullets)))

	for i := range g.Players {
		playerBytes, err := g.Players[i].MarshalBinary()
		debug.Assert(err == nil)
		buf.Write(playerBytes)
	}
	for i := range g.Bullets {
		bulletBytes, err := g.Bullets[i].MarshalBinary()
		debug.Assert(err == nil)
		buf.Write(bulletBytes)
	}

	data := buf.Bytes()
	debug.Assert(len(data) == GameStateSize(len(g.Players), len(g.Bullets)))

	return data, nil
}

func (g *GameState) UnmarshalBinary(data []byte) error {
	if len(data) < GameStateBaseSize {
		return fmt.Errorf("game state too short (got %d; want >= %d)", len(data), GameStateBaseSize)
	}

	g.Tick = byteorder.Ntohl(data[0:4])
	g.YourSequence = byteorder.Ntohl(data[4:8])
	playerCount := int(data[8])
	bulletCount := int(data[9])

	if playerCount > MaxPlayers {
		return fmt.Errorf("player count %d exceeds max %d", playerCount, MaxPlayers)
	}
	if bulletCount > MaxSyncBullets {
		return fmt.Errorf("bullet count %d exceeds max %d", bulletCount, MaxSyncBullets)
	}
	if want := GameStateSize(playerCount, bulletCount); len(data) != want {
		return fmt.Errorf("game state size mismatch (got %d; want %d)", len(data), want)
	}

	g.Players = make([]PlayerState, playerCount)
	off := GameStateBaseSize
	for i := 0; i < playerCount; i++ {
		if err := g.Players[i].UnmarshalBinary(data[off : off+PlayerStateSize]); err != nil {
			return fmt.Errorf("could not unmarshal player state %d: %w", i, err)
		}
		off += PlayerStateSize
	}

	g.Bullets = make([]BulletState, bulletCount)
	for i := 0; i < bulletCount; i++ {
		if err := g.Bullets[i].UnmarshalBinary(data[off : off+BulletStateSize]); err != nil {
			return fmt.Errorf("could not unmarshal bullet state %d: %w", i, err)
		}
		off += BulletStateSize
	}

	return nil
}

type Ping struct {
	Timestamp uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Ping)(nil)
	_ encoding.BinaryUnmarshaler = (*Ping)(nil)
)

func (p *Ping) MarshalBinary() ([]byte, error) {
	return byteorder.Htonl(p.Timestamp), nil
}

func (p *Ping) UnmarshalBinary(data []byte) error {
	if len(data) != PingSize {
		return fmt.Errorf("invalid ping size (got %d; want %d)", len(data), PingSize)
	}
	p.Timestamp = byteorder.Ntohl(data)
	return nil
}

type Pong struct {
	ClientTimestamp uint32
	ServerTimestamp uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Pong)(nil)
	_ encoding.BinaryUnmarshaler = (*Pong)(nil)
)

func (p *Pong) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonl(p.ClientTimestamp))
	buf.Write(byteorder.Htonl(p.ServerTimestamp))

	data := buf.Bytes()
	debug.Assert(len(data) == PongSize)

	return data, nil
}

func (p *Pong) UnmarshalBinary(data []byte) error {
	if len(data) != PongSize {
		return fmt.Errorf("invalid pong size (got %d; want %d)", len(data), PongSize)
	}

	p.ClientTimestamp = byteorder.Ntohl(data[0:4])
	p.ServerTimestamp = byteorder.Ntohl(data[4:8])

	return nil
}

// Frame prepends a header to a marshaled payload, producing the full wire
// form of one message. A nil body frames an empty payload (Disconnect).
func Frame(msgType uint8, body encoding.BinaryMarshaler) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = body.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("could not marshal payload: %w", err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large (got %d; max %d)", len(payload), MaxPayloadSize)
	}

	header := Header{Type: msgType, Length: uint16(len(payload))}
	headerBytes, err := header.MarshalBinary()
	debug.Assert(err == nil)

	return append(headerBytes, payload...), nil
}
