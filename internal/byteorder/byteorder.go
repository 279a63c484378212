package byteorder

import (
	"encoding/binary"
	"math"
)

// https://linux.die.net/man/3/ntohs
//
// decrypt names:
// h = host
// n = network
// s = short = 16 bit
// l = long  = 32 bit
// f = float = 32 bit (IEEE-754 bit pattern)

// The wire carries everything in network byte order (big endian). Floats
// travel as their IEEE-754 single precision bit pattern in the same order;
// both peers are assumed to speak IEEE-754 natively.

func Htons(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Htonf(val float32) []byte {
	return Htonl(math.Float32bits(val))
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Ntohf(buf []byte) float32 {
	return math.Float32frombits(Ntohl(buf))
}
