package speedfile

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
)

const lehmerMultiplier = 0xda942042e4dd58b5

type uint128 struct {
	hi, lo uint64
}

// state * m mod 2^128
func (u *uint128) mul64(m uint64) {
	carry, lo := bits.Mul64(u.lo, m)
	u.hi = u.hi*m + carry
	u.lo = lo
}

// Lehmer64 is a 128-bit multiplicative congruential generator running three
// independent lanes so the multiplications can overlap. Not safe for
// concurrent use; every stream owns one.
type Lehmer64 struct {
	state [3]uint128
	pos   int
}

// Seed three lanes from 24 bytes. Lanes are forced odd so none of them
// collapses to zero.
func NewLehmer64(seed [24]byte) *Lehmer64 {
	l := &Lehmer64{pos: 2}
	for i := range l.state {
		l.state[i].lo = binary.BigEndian.Uint64(seed[i*8:]) | 1
	}
	return l
}

// A generator seeded from the system entropy source
func NewSeededLehmer64() *Lehmer64 {
	var seed [24]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return NewLehmer64(seed)
}

func (l *Lehmer64) Uint64() uint64 {
	l.pos++
	if l.pos == len(l.state) {
		l.state[0].mul64(lehmerMultiplier)
		l.state[1].mul64(lehmerMultiplier)
		l.state[2].mul64(lehmerMultiplier)
		l.pos = 0
	}
	return l.state[l.pos].hi
}

// Fill the buffer with random bytes, 8 at a time. A trailing partial word
// still consumes a whole value.
func (l *Lehmer64) Fill(buf []byte) {
	i := 0
	for ; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], l.Uint64())
	}
	if i < len(buf) {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], l.Uint64())
		copy(buf[i:], tail[:])
	}
}
