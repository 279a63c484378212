package sharedstate_test

import (
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/voiddrifter/netcode/internal/sharedstate"
)

func TestStatusRoundTrip(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()

	status, message := state.Status()
	is.Equal(status, sharedstate.StatusDisconnected)
	is.Equal(message, "")

	state.SetStatus(sharedstate.StatusError, "server full")
	status, message = state.Status()
	is.Equal(status, sharedstate.StatusError)
	is.Equal(message, "server full")
}

func TestSetInputBumpsSequence(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()

	_, _, seq := state.PendingInput()
	is.Equal(seq, uint32(0))

	state.SetInput(1, 2)
	flags, weapon, seq := state.PendingInput()
	is.Equal(flags, uint8(1))
	is.Equal(weapon, uint8(2))
	is.Equal(seq, uint32(1))

	// Reading does not consume: the sample and its sequence stay put.
	_, _, again := state.PendingInput()
	is.Equal(again, uint32(1))

	state.SetInput(1, 2)
	_, _, seq = state.PendingInput()
	is.Equal(seq, uint32(2))
}

func TestUpdateWorldReplacesWholeSnapshot(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()
	state.UpdateWorld(
		[]sharedstate.Player{{ID: 0, X: 100}, {ID: 1, X: 250}},
		[]sharedstate.Bullet{{OwnerID: 0, Y: 380}},
		7,
	)

	players, bullets, tick := state.World()
	is.Equal(len(players), 2)
	is.Equal(len(bullets), 1)
	is.Equal(tick, uint32(7))

	// A smaller snapshot must not leave stale entries behind.
	state.UpdateWorld([]sharedstate.Player{{ID: 1, X: 260}}, nil, 8)

	players, bullets, tick = state.World()
	is.Equal(len(players), 1)
	is.Equal(players[0].ID, uint8(1))
	is.Equal(len(bullets), 0)
	is.Equal(tick, uint32(8))
}

func TestWorldReturnsIndependentCopies(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()
	state.UpdateWorld([]sharedstate.Player{{ID: 0, X: 100}}, nil, 1)

	players, _, _ := state.World()
	players[0].X = -1

	again, _, _ := state.World()
	is.Equal(again[0].X, float32(100))
}

func TestLocalPosition(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()

	// No local id assigned yet.
	_, _, ok := state.LocalPosition()
	is.True(!ok)

	state.SetLocalID(2)

	// Id assigned but the snapshot does not contain us yet.
	_, _, ok = state.LocalPosition()
	is.True(!ok)

	state.UpdateWorld([]sharedstate.Player{
		{ID: 0, X: 100, Y: 400},
		{ID: 2, X: 400, Y: 300},
	}, nil, 3)

	x, y, ok := state.LocalPosition()
	is.True(ok)
	is.Equal(x, float32(400))
	is.Equal(y, float32(300))
}

func TestPacketCounters(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()
	state.CountPacketSent()
	state.CountPacketSent()
	state.CountPacketReceived()

	sent, received := state.PacketCounts()
	is.Equal(sent, 2)
	is.Equal(received, 1)

	state.RecordPing(12.5)
	is.Equal(state.PingMillis(), 12.5)
}

// Exercised under -race: concurrent writers and readers on every accessor.
func TestConcurrentAccess(t *testing.T) {
	is := is.New(t)

	state := sharedstate.New()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				state.SetInput(uint8(g), uint8(i))
				state.UpdateWorld([]sharedstate.Player{{ID: uint8(g)}}, nil, uint32(i))
				state.World()
				state.PendingInput()
				state.LocalPosition()
				state.CountPacketSent()
			}
		}(g)
	}
	wg.Wait()

	sent, _ := state.PacketCounts()
	is.Equal(sent, 4*200)
}
