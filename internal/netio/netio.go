// Package netio wraps stream sockets with the three-outcome read contract
// the tick loops rely on: "no data yet", "peer closed", and "hard error"
// are distinct results, and transfers always complete to exactly N bytes or
// fail. Polling is expressed with short read deadlines; absence of data is
// never an error condition, just nothing to do this tick.
package netio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var (
	// ErrNoData means the poll found nothing buffered. Expected and
	// frequent; callers treat it as "try again next tick".
	ErrNoData = errors.New("no data available")

	// ErrPeerClosed means the peer shut the stream down in an orderly way
	// (the 0-length read). Frees only that connection, never more.
	ErrPeerClosed = errors.New("connection closed by peer")
)

const (
	// pollTimeout is how long a poll is willing to wait before reporting
	// ErrNoData. Short enough that a tick never stalls on a silent peer.
	pollTimeout = time.Millisecond

	// graceTimeout applies once the first byte of a frame has arrived:
	// the rest of the frame is already in flight, so a bounded blocking
	// read finishes it rather than tearing the framing apart.
	graceTimeout = 250 * time.Millisecond
)

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WriteFull sends all of data, looping over partial writes. A partial write
// is never itself a failure; any error means the connection is unusable and
// the caller should tear it down. Writing to a half-closed peer surfaces
// here as an ordinary error, it never kills the process.
func WriteFull(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return fmt.Errorf("could not write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadFull blocks until buf is exactly filled. An orderly close before or
// during the read yields ErrPeerClosed.
func ReadFull(conn net.Conn, buf []byte) error {
	if _, err := io.ReadFull(conn, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrPeerClosed
		}
		return fmt.Errorf("could not read: %w", err)
	}
	return nil
}

// ReadFullTimeout is ReadFull bounded by a deadline. Expiry is a hard error:
// it is only used where the bytes are already owed (handshake replies,
// payloads whose header has arrived).
func ReadFullTimeout(conn net.Conn, buf []byte, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("could not set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	return ReadFull(conn, buf)
}

// PollRead attempts to fill buf without blocking the caller's loop.
// Outcomes:
//
//	nil           - buf is exactly filled
//	ErrNoData     - nothing had arrived; buf untouched
//	ErrPeerClosed - orderly close
//	anything else - hard error; tear the connection down
//
// If at least one byte had arrived, the remainder of buf is completed under
// a bounded grace deadline so a frame is never split by an unlucky poll.
func PollRead(conn net.Conn, buf []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return fmt.Errorf("could not set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		switch {
		case isTimeout(err):
			return ErrNoData
		case errors.Is(err, io.EOF):
			return ErrPeerClosed
		default:
			return fmt.Errorf("could not read: %w", err)
		}
	}
	if n == len(buf) {
		return nil
	}

	// The frame has started; finish it.
	if err := conn.SetReadDeadline(time.Now().Add(graceTimeout)); err != nil {
		return fmt.Errorf("could not set read deadline: %w", err)
	}
	if err := ReadFull(conn, buf[n:]); err != nil {
		if errors.Is(err, ErrPeerClosed) {
			return ErrPeerClosed
		}
		return fmt.Errorf("could not finish partial read (%d of %d bytes): %w", n, len(buf), err)
	}
	return nil
}

// AcceptPending accepts a connection if one is already waiting in the
// backlog. No pending connection is ErrNoData, not an error.
func AcceptPending(ln *net.TCPListener) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(pollTimeout)); err != nil {
		return nil, fmt.Errorf("could not set accept deadline: %w", err)
	}

	conn, err := ln.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("could not accept: %w", err)
	}
	return conn, nil
}

// Drain reads and discards exactly n payload bytes. Used to skip an
// unrecognized message without desynchronizing the framing of whatever
// follows it.
func Drain(conn net.Conn, n int) error {
	if n == 0 {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(graceTimeout)); err != nil {
		return fmt.Errorf("could not set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	if _, err := io.CopyN(io.Discard, conn, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrPeerClosed
		}
		return fmt.Errorf("could not drain %d bytes: %w", n, err)
	}
	return nil
}
