// Package hashsplit splits byte streams into content-defined chunks and folds
// the resulting chunk ids into bounded fan-out git trees.
//
// Boundaries depend only on the bytes inside a sliding window, so an edit
// in the middle of a large file changes the chunks around the edit and
// leaves the rest of the chunk sequence, and therefore most of the tree,
// identical to the previous version.
package hashsplit

// charOffset is added to every byte so that runs of zeros still move the
// checksum.
const charOffset = 31

// RollSum is an Adler-style rolling checksum over the last Window bytes.
type RollSum struct {
	s1, s2 uint32
	window []byte
	wofs   int
}

// NewRollSum returns a checksum primed as if the window held zeros.
func NewRollSum(window int) *RollSum {
	r := &RollSum{window: make([]byte, window)}
	r.Reset()
	return r
}

// Reset restores the initial state.
func (r *RollSum) Reset() {
	n := uint32(len(r.window))
	r.s1 = n * charOffset
	r.s2 = n * (n - 1) * charOffset
	r.wofs = 0
	clear(r.window)
}

// Roll slides one byte into the window, dropping the oldest.
func (r *RollSum) Roll(ch byte) {
	drop := uint32(r.window[r.wofs])
	r.s1 += uint32(ch) - drop
	r.s2 += r.s1 - uint32(len(r.window))*(drop+charOffset)
	r.window[r.wofs] = ch
	r.wofs++
	if r.wofs == len(r.window) {
		r.wofs = 0
	}
}

// Digest returns the current 32-bit checksum.
func (r *RollSum) Digest() uint32 {
	return (r.s1 << 16) | (r.s2 & 0xffff)
}
