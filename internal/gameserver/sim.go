package gameserver

import (
	"fmt"
	"math"

	"github.com/voiddrifter/netcode/internal/protocol"
)

// World and physics constants. The client displays server state without
// local correction, so nothing here needs to be mirrored client side, but
// the values are kept stable because replays and tests depend on them.
const (
	worldWidth     float32 = 800
	worldHeight    float32 = 600
	playerHalfSize float32 = 32

	playerMaxSpeed float32 = 300
	playerAccel    float32 = 800

	// playerFriction is tuned at the reference tick rate; stepPhysics
	// rescales it as friction^(dt*frictionRefRate) so the decay stays the
	// same at other tick durations.
	playerFriction  float32 = 0.95
	frictionRefRate float32 = 60

	// Below this a velocity component snaps to zero so drifting never
	// takes forever to settle.
	restSpeed float32 = 1.0

	maxServerBullets = 200

	spawnBaseX  float32 = 100
	spawnStepX  float32 = 150
	spawnY      float32 = 400
	startHealth int16   = 100
)

type weaponSpec struct {
	name     string
	fireRate float32 // shots per second; cooldown resets to 1/fireRate
	speed    float32
	damage   int16
	lifetime float32
	muzzleY  float32 // spawn offset above the player
}

var weaponTable = [protocol.WeaponCount]weaponSpec{
	protocol.WeaponSpread: {name: "spread", fireRate: 3, speed: 400, damage: 5, lifetime: 2, muzzleY: 20},
	protocol.WeaponRapid:  {name: "rapid", fireRate: 10, speed: 600, damage: 3, lifetime: 1.5, muzzleY: 25},
	protocol.WeaponLaser:  {name: "laser", fireRate: 1.5, speed: 800, damage: 15, lifetime: 3, muzzleY: 30},
}

// Spread shot fans three bullets at -15/0/+15 degrees from vertical.
var spreadAngles = [3]float32{-15 * math.Pi / 180, 0, 15 * math.Pi / 180}

func weaponFor(weaponType uint8) weaponSpec {
	if int(weaponType) < len(weaponTable) {
		return weaponTable[weaponType]
	}
	return weaponTable[protocol.WeaponSpread]
}

type playerSlot struct {
	active bool
	name   string

	x, y   float32
	vx, vy float32
	health int16
	weapon uint8

	inputFlags uint8
	cooldown   float32
}

type bulletSlot struct {
	active bool

	ownerID    uint8
	x, y       float32
	vx, vy     float32
	weaponType uint8
	lifetime   float32
}

// world is the authoritative simulation state: dense fixed-size arenas for
// players and bullets, slots reused only after an explicit free. No sockets,
// no locks - the server owns it from a single goroutine.
type world struct {
	players [protocol.MaxPlayers]playerSlot
	bullets [maxServerBullets]bulletSlot
}

func (w *world) freePlayerSlot(limit int) int {
	for i := 0; i < limit && i < len(w.players); i++ {
		if !w.players[i].active {
			return i
		}
	}
	return -1
}

func (w *world) spawnPlayer(slot int, name string) {
	w.players[slot] = playerSlot{
		active: true,
		name:   name,
		x:      spawnBaseX + float32(slot)*spawnStepX,
		y:      spawnY,
		health: startHealth,
		weapon: protocol.WeaponSpread,
	}
}

func (w *world) freePlayer(slot int) {
	w.players[slot] = playerSlot{}
}

func (w *world) playerCount() int {
	count := 0
	for i := range w.players {
		if w.players[i].active {
			count++
		}
	}
	return count
}

// applyInput replaces the player's intent for the current tick. Sequence
// filtering happens at the connection layer; by the time input reaches the
// world it is authoritative.
func (w *world) applyInput(slot int, flags, weaponType uint8) {
	p := &w.players[slot]
	if !p.active {
		return
	}
	p.inputFlags = flags
	if weaponType < protocol.WeaponCount {
		p.weapon = weaponType
	}
}

func (w *world) stepPhysics(dt float32) {
	for i := range w.players {
		p := &w.players[i]
		if !p.active {
			continue
		}

		var ax, ay float32
		if p.inputFlags&protocol.InputUp != 0 {
			ay = -1
		}
		if p.inputFlags&protocol.InputDown != 0 {
			ay = 1
		}
		if p.inputFlags&protocol.InputLeft != 0 {
			ax = -1
		}
		if p.inputFlags&protocol.InputRight != 0 {
			ax = 1
		}

		// Diagonal input must not be faster than axis-aligned input.
		if ax != 0 && ay != 0 {
			const invSqrt2 = float32(math.Sqrt2 / 2)
			ax *= invSqrt2
			ay *= invSqrt2
		}

		p.vx += ax * playerAccel * dt
		p.vy += ay * playerAccel * dt

		friction := float32(math.Pow(float64(playerFriction), float64(dt*frictionRefRate)))
		p.vx *= friction
		p.vy *= friction

		speed := float32(math.Hypot(float64(p.vx), float64(p.vy)))
		if speed > playerMaxSpeed {
			scale := playerMaxSpeed / speed
			p.vx *= scale
			p.vy *= scale
		}

		if p.vx > -restSpeed && p.vx < restSpeed {
			p.vx = 0
		}
		if p.vy > -restSpeed && p.vy < restSpeed {
			p.vy = 0
		}

		p.x += p.vx * dt
		p.y += p.vy * dt

		// Bounds clamp kills the velocity component that drove into the
		// wall, nothing else.
		if p.x < playerHalfSize {
			p.x = playerHalfSize
			p.vx = 0
		}
		if p.x > worldWidth-playerHalfSize {
			p.x = worldWidth - playerHalfSize
			p.vx = 0
		}
		if p.y < playerHalfSize {
			p.y = playerHalfSize
			p.vy = 0
		}
		if p.y > worldHeight-playerHalfSize {
			p.y = worldHeight - playerHalfSize
			p.vy = 0
		}
	}
}

func (w *world) stepFiring(dt float32) {
	for i := range w.players {
		p := &w.players[i]
		if !p.active {
			continue
		}

		if p.cooldown > 0 {
			p.cooldown -= dt
		}

		if p.inputFlags&protocol.InputFire != 0 && p.cooldown <= 0 {
			w.fireWeapon(i)
			p.cooldown = 1 / weaponFor(p.weapon).fireRate
		}
	}
}

func (w *world) fireWeapon(slot int) {
	p := &w.players[slot]
	spec := weaponFor(p.weapon)

	switch p.weapon {
	case protocol.WeaponSpread:
		for _, angle := range spreadAngles {
			sin := float32(math.Sin(float64(angle)))
			cos := float32(math.Cos(float64(angle)))
			w.spawnBullet(
				uint8(slot),
				p.x+10*sin, p.y-spec.muzzleY,
				spec.speed*sin, -spec.speed*cos,
				p.weapon, spec.lifetime,
			)
		}
	default:
		// Rapid and laser shoot a single bullet straight up.
		w.spawnBullet(
			uint8(slot),
			p.x, p.y-spec.muzzleY,
			0, -spec.speed,
			p.weapon, spec.lifetime,
		)
	}
}

// spawnBullet drops the bullet without error when the table is full.
func (w *world) spawnBullet(ownerID uint8, x, y, vx, vy float32, weaponType uint8, lifetime float32) {
	for i := range w.bullets {
		if w.bullets[i].active {
			continue
		}
		w.bullets[i] = bulletSlot{
			active:     true,
			ownerID:    ownerID,
			x:          x,
			y:          y,
			vx:         vx,
			vy:         vy,
			weaponType: weaponType,
			lifetime:   lifetime,
		}
		return
	}
}

func (w *world) stepBullets(dt float32) {
	for i := range w.bullets {
		b := &w.bullets[i]
		if !b.active {
			continue
		}

		b.x += b.vx * dt
		b.y += b.vy * dt
		b.lifetime -= dt

		if b.lifetime <= 0 ||
			b.x < 0 || b.x > worldWidth ||
			b.y < 0 || b.y > worldHeight {
			b.active = false
		}
	}
}

func (w *world) bulletCount() int {
	count := 0
	for i := range w.bullets {
		if w.bullets[i].active {
			count++
		}
	}
	return count
}

// snapshot copies the active world into wire records. Bullets are capped at
// the sync limit; the authoritative table may hold more.
func (w *world) snapshot() ([]protocol.PlayerState, []protocol.BulletState) {
	players := make([]protocol.PlayerState, 0, protocol.MaxPlayers)
	for i := range w.players {
		p := &w.players[i]
		if !p.active {
			continue
		}

		var flags uint8
		if p.inputFlags&protocol.InputFire != 0 {
			flags |= 1
		}

		players = append(players, protocol.PlayerState{
			PlayerID: uint8(i),
			X:        p.x,
			Y:        p.y,
			VX:       p.vx,
			VY:       p.vy,
			Health:   p.health,
			Weapon:   p.weapon,
			Flags:    flags,
		})
	}

	bullets := make([]protocol.BulletState, 0, protocol.MaxSyncBullets)
	for i := range w.bullets {
		if len(bullets) == protocol.MaxSyncBullets {
			break
		}
		b := &w.bullets[i]
		if !b.active {
			continue
		}

		bullets = append(bullets, protocol.BulletState{
			OwnerID:    b.ownerID,
			X:          b.x,
			Y:          b.y,
			VX:         b.vx,
			VY:         b.vy,
			WeaponType: b.weaponType,
		})
	}

	return players, bullets
}

func (w *world) String() string {
	return fmt.Sprintf("world(players=%d bullets=%d)", w.playerCount(), w.bulletCount())
}
