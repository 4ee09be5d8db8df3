package sessions

import (
	"testing"
	"time"
)

func TestTryAcquireSerializesPerSession(t *testing.T) {
	locker := NewTurnLocker(0)

	release, ok := locker.TryAcquire("sess-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := locker.TryAcquire("sess-1"); ok {
		t.Error("second acquire on busy session should fail")
	}
	if !locker.Busy("sess-1") {
		t.Error("session should report busy")
	}

	// Other sessions are independent.
	release2, ok := locker.TryAcquire("sess-2")
	if !ok {
		t.Error("acquire on different session should succeed")
	}
	release2()

	release()
	if locker.Busy("sess-1") {
		t.Error("released session should not be busy")
	}
	if _, ok := locker.TryAcquire("sess-1"); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	locker := NewTurnLocker(0)

	release, _ := locker.TryAcquire("sess-1")
	release()

	follow, ok := locker.TryAcquire("sess-1")
	if !ok {
		t.Fatal("reacquire should succeed")
	}
	// A second release of the first hold must not free the new hold.
	release()
	if !locker.Busy("sess-1") {
		t.Error("double release freed a live hold")
	}
	follow()
}

func TestLateReleaseDoesNotFreeStolenHold(t *testing.T) {
	locker := NewTurnLocker(10 * time.Millisecond)

	first, ok := locker.TryAcquire("sess-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(20 * time.Millisecond)

	second, ok := locker.TryAcquire("sess-1")
	if !ok {
		t.Fatal("expired hold should be stealable")
	}

	// The original turn settles after its hold was stolen; its release
	// must not touch the new hold.
	first()
	if !locker.Busy("sess-1") {
		t.Error("session should still be busy after a stale release")
	}
	if _, ok := locker.TryAcquire("sess-1"); ok {
		t.Error("acquire succeeded while the stolen hold is live")
	}

	second()
	if _, ok := locker.TryAcquire("sess-1"); !ok {
		t.Error("acquire after the live hold released should succeed")
	}
}

func TestStaleHoldIsStolen(t *testing.T) {
	locker := NewTurnLocker(10 * time.Millisecond)

	if _, ok := locker.TryAcquire("sess-1"); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(20 * time.Millisecond)

	if locker.Busy("sess-1") {
		t.Error("expired hold should not report busy")
	}
	if _, ok := locker.TryAcquire("sess-1"); !ok {
		t.Error("expired hold should be stealable")
	}
}
