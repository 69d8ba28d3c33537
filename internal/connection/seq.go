package connection

import "sync/atomic"

// SeqGen is the outgoing sequence counter. The receive goroutine, the
// heartbeat goroutine and the caller all send, so every operation is atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Current returns the last number handed out, or 0 before the first Next.
func (s *SeqGen) Current() uint32 {
	return s.val.Load()
}
