// Package iobuf defines the buffer descriptor and scatter/gather buffer
// sequence shared by the socket service (spec §3 "shared data types",
// §4.4 "scatter/gather limit").
package iobuf

// MaxIOVec bounds how many buffers a single scatter/gather attempt will
// touch. Real platforms expose IOV_MAX (typically 1024); this is the
// "internal cap" spec §4.4 allows to be the smaller of the two. Buffers
// beyond the cap are silently ignored for that attempt — the operation
// still reports success for the buffers it processed.
const MaxIOVec = 64

// Sequence is an ordered list of buffers to be sent or received as one
// logical operation, mirroring asio's buffer-sequence concept.
type Sequence [][]byte

// Bounded returns s truncated to at most MaxIOVec entries, per the
// scatter/gather limit in spec §4.4. It does not copy the underlying
// byte slices.
func (s Sequence) Bounded() Sequence {
	if len(s) <= MaxIOVec {
		return s
	}
	return s[:MaxIOVec]
}

// TotalLen returns the sum of len(b) over all buffers in s.
func (s Sequence) TotalLen() int {
	n := 0
	for _, b := range s {
		n += len(b)
	}
	return n
}

// Single wraps one []byte as a one-element Sequence, the common case for
// stream send/recv (as opposed to a multi-buffer scatter/gather sequence).
// Datagram send_to/recv_from take a plain []byte, not a Sequence.
func Single(b []byte) Sequence { return Sequence{b} }

// Consume advances past n bytes already transferred across the sequence,
// returning the remaining (possibly partial-first-buffer) sequence. Used
// when a partial send/recv must be resumed on the next readiness event.
func (s Sequence) Consume(n int) Sequence {
	for n > 0 && len(s) > 0 {
		if n < len(s[0]) {
			rest := make(Sequence, len(s))
			copy(rest, s)
			rest[0] = s[0][n:]
			return rest
		}
		n -= len(s[0])
		s = s[1:]
	}
	return s
}
