package orchestrator

import (
	"fmt"
	"testing"
)

func TestSessionLocksExclusive(t *testing.T) {
	l := newSessionLocks()

	release, ok := l.tryAcquire("acme/sess-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := l.tryAcquire("acme/sess-1"); ok {
		t.Fatal("second acquire on a held key should fail")
	}
	if _, ok := l.tryAcquire("acme/sess-2"); !ok {
		t.Fatal("a different key should be independent")
	}

	release()
	if _, ok := l.tryAcquire("acme/sess-1"); !ok {
		t.Fatal("released key should be acquirable again")
	}
}

func TestSessionLocksReleaseFreesEntry(t *testing.T) {
	l := newSessionLocks()

	for i := 0; i < 100; i++ {
		release, ok := l.tryAcquire(fmt.Sprintf("acme/sess-%d", i))
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		release()
	}

	if got := l.size(); got != 0 {
		t.Fatalf("released sessions must not linger, %d entries held", got)
	}
}
