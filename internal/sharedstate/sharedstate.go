// Package sharedstate is the single synchronization point between the
// network bridge and the real-time consumer. One mutex guards everything;
// every critical section is a constant-size copy, so no accessor can stall
// the consumer loop. Readers always get independent copies, never
// references into the shared structure.
package sharedstate

import "sync"

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Player is the consumer-facing copy of one remote player.
type Player struct {
	ID     uint8
	X, Y   float32
	VX, VY float32
	Health int16
	Weapon uint8
}

// Bullet is the consumer-facing copy of one remote bullet.
type Bullet struct {
	OwnerID uint8
	X, Y    float32
	VX, VY  float32
	Weapon  uint8
}

type State struct {
	mu sync.Mutex

	status        Status
	statusMessage string

	localID     uint8
	haveLocalID bool

	players    []Player
	bullets    []Bullet
	serverTick uint32

	inputFlags    uint8
	weaponType    uint8
	inputSequence uint32

	pingMillis      float64
	packetsSent     int
	packetsReceived int
}

func New() *State {
	return &State{}
}

func (s *State) SetStatus(status Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	s.statusMessage = message
}

func (s *State) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status, s.statusMessage
}

func (s *State) SetLocalID(id uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localID = id
	s.haveLocalID = true
}

func (s *State) LocalID() (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.localID, s.haveLocalID
}

// SetInput replaces the pending input sample and stamps it with the next
// sequence number. The bridge may transmit the same sample many times; the
// server applies each sequence at most once.
func (s *State) SetInput(flags, weaponType uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputFlags = flags
	s.weaponType = weaponType
	s.inputSequence++
}

// PendingInput returns the latest sample without consuming it.
func (s *State) PendingInput() (flags, weaponType uint8, sequence uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inputFlags, s.weaponType, s.inputSequence
}

// UpdateWorld replaces players and bullets in one critical section so a
// reader can never observe new players mixed with old bullets.
func (s *State) UpdateWorld(players []Player, bullets []Bullet, serverTick uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.players = append(s.players[:0], players...)
	s.bullets = append(s.bullets[:0], bullets...)
	s.serverTick = serverTick
}

// World returns independent copies of the latest snapshot.
func (s *State) World() (players []Player, bullets []Bullet, serverTick uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	players = make([]Player, len(s.players))
	copy(players, s.players)
	bullets = make([]Bullet, len(s.bullets))
	copy(bullets, s.bullets)

	return players, bullets, s.serverTick
}

// LocalPosition scans the latest snapshot for the locally assigned id. The
// snapshot may not contain the local player yet right after connecting, so
// absence is an ordinary result, not an error.
func (s *State) LocalPosition() (x, y float32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveLocalID {
		return 0, 0, false
	}
	for i := range s.players {
		if s.players[i].ID == s.localID {
			return s.players[i].X, s.players[i].Y, true
		}
	}
	return 0, 0, false
}

func (s *State) RecordPing(millis float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingMillis = millis
}

func (s *State) PingMillis() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pingMillis
}

func (s *State) CountPacketSent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsSent++
}

func (s *State) CountPacketReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++
}

func (s *State) PacketCounts() (sent, received int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.packetsSent, s.packetsReceived
}
