package goroutine

import "testing"

func TestID(t *testing.T) {
	self := ID()
	if self <= 0 {
		t.Fatalf("ID() = %d, want positive", self)
	}
	if again := ID(); again != self {
		t.Errorf("ID() changed within a goroutine: %d then %d", self, again)
	}

	other := make(chan int64)
	go func() { other <- ID() }()
	if id := <-other; id == self || id <= 0 {
		t.Errorf("other goroutine ID = %d, self = %d", id, self)
	}
}
