package bosh

import "testing"

func TestRIDSequenceMonotonicAndPostIncrement(t *testing.T) {
	t.Parallel()

	seq := newRIDSequenceFrom(100)
	if got := seq.Peek(); got != 100 {
		t.Fatalf("Peek() = %d, want 100", got)
	}
	first := seq.Next()
	second := seq.Next()
	third := seq.Next()
	if first != 100 || second != 101 || third != 102 {
		t.Errorf("Next() sequence = %d, %d, %d, want 100, 101, 102", first, second, third)
	}
}

func TestNewRIDSequenceWithinSafeIntegerWindow(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		seq, err := newRIDSequence()
		if err != nil {
			t.Fatalf("newRIDSequence() error: %v", err)
		}
		rid0 := seq.Peek()
		if rid0 < 1 {
			t.Fatalf("rid_0 must be positive, got %d", rid0)
		}
		if rid0+maxSendsPerSession > int64(1)<<53 {
			t.Fatalf("rid_0 (%d) + window (%d) overflows the IEEE-754 safe integer range", rid0, maxSendsPerSession)
		}
	}
}
