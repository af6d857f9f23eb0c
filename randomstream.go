package speedfile

import (
	"io"
)

const (
	ChunkSize = 65536
)

// RandomStream produces exactly the requested amount of random bytes, one
// chunk at a time. Only one chunk is ever held in memory and it's generated
// when asked for, so the consumer sets the pace. It can't be rewound.
type RandomStream struct {
	rng       *Lehmer64
	remaining uint64
	buf       []byte
}

func NewRandomStream(length uint64) *RandomStream {
	return &RandomStream{
		rng:       NewSeededLehmer64(),
		remaining: length,
		buf:       make([]byte, ChunkSize),
	}
}

func (s *RandomStream) Remaining() uint64 {
	return s.remaining
}

// Generate the next chunk. The returned slice is only valid until the next
// call. Returns false once the stream is exhausted, and keeps doing so.
func (s *RandomStream) Next() ([]byte, bool) {
	if s.remaining == 0 {
		return nil, false
	}
	count := uint64(len(s.buf))
	if s.remaining < count {
		count = s.remaining
	}
	chunk := s.buf[:count]
	s.rng.Fill(chunk)
	s.remaining -= count
	return chunk, true
}

// So the stream can also be used wherever a reader is expected (io.Copy etc)
func (s *RandomStream) Read(p []byte) (int, error) {
	if s.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	s.rng.Fill(p)
	s.remaining -= uint64(len(p))
	return len(p), nil
}
