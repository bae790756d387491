package bosh

import (
	"crypto/rand"
	"math/big"
)

// maxSendsPerSession bounds how far a single session's RID window can
// advance. rid_0 is drawn so that rid_0 + maxSendsPerSession never exceeds
// 2^53, the largest integer a JavaScript-implemented CM can represent
// exactly (spec.md §4.1).
const maxSendsPerSession = 1 << 32

const ridCeiling = int64(1<<53) - maxSendsPerSession

// ridSequence is a per-session, monotonically increasing 63-bit request
// identifier generator (spec.md §4.1). It is not safe for concurrent use by
// itself; the coordinator serializes access to it under its own lock.
type ridSequence struct {
	next int64
}

// newRIDSequence draws rid_0 uniformly from [1, ridCeiling) using
// crypto/rand, the same source gabble's bosh.go uses to mint session IDs.
func newRIDSequence() (*ridSequence, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(ridCeiling-1))
	if err != nil {
		return nil, err
	}
	return &ridSequence{next: n.Int64() + 1}, nil
}

// newRIDSequenceFrom builds a sequence starting at a caller-chosen rid_0,
// for deterministic tests.
func newRIDSequenceFrom(rid0 int64) *ridSequence {
	return &ridSequence{next: rid0}
}

// Next returns the next RID and post-increments the sequence.
func (s *ridSequence) Next() int64 {
	rid := s.next
	s.next++
	return rid
}

// Peek returns the RID that the next call to Next will return, without
// consuming it.
func (s *ridSequence) Peek() int64 {
	return s.next
}
