package arena

import (
	"errors"
	"testing"
)

func TestReserveCommit(t *testing.T) {
	a, err := Reserve(1 << 20)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer a.Release()

	if a.Committed() != 0 {
		t.Errorf("Committed returned %d before any commit, want 0", a.Committed())
	}
	if err := a.Commit(100); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if a.Committed() < 100 || a.Committed()%a.pageSize != 0 {
		t.Errorf("Committed returned %d, want a page multiple of at least 100", a.Committed())
	}

	*a.Word(8) = 0xdeadbeef
	if got := *a.Word(8); got != 0xdeadbeef {
		t.Errorf("Word(8) returned %#x, want 0xdeadbeef", got)
	}
	a.Zero(8, 8)
	if got := *a.Word(8); got != 0 {
		t.Errorf("Word(8) after Zero returned %#x, want 0", got)
	}

	// Shrinking is a no-op.
	before := a.Committed()
	if err := a.Commit(1); err != nil {
		t.Fatalf("Commit(1) failed: %v", err)
	}
	if a.Committed() != before {
		t.Errorf("Committed changed from %d to %d on a smaller commit", before, a.Committed())
	}
}

func TestCommitBeyondReservation(t *testing.T) {
	a, err := Reserve(1 << 16)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer a.Release()

	if err := a.Commit(a.Size() + 1); err == nil {
		t.Errorf("Commit past the reservation succeeded, want an error")
	}
}

func TestReserveZero(t *testing.T) {
	_, err := Reserve(0)
	if !errors.Is(err, ErrReserve) {
		t.Errorf("Reserve(0) returned %v, want ErrReserve", err)
	}
}

func TestWordOutOfRange(t *testing.T) {
	a, err := Reserve(1 << 16)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer a.Release()

	defer func() {
		if recover() == nil {
			t.Errorf("Word on an uncommitted offset did not panic")
		}
	}()
	a.Word(0)
}

func TestMemoryLimit(t *testing.T) {
	if MemoryLimit() == 0 {
		t.Errorf("MemoryLimit returned 0")
	}
}
