// Package sessions holds per-session turn serialization and the idle
// session sweeper.
package sessions

import (
	"sync"
	"time"
)

// defaultHoldTTL is the longest a turn may hold a session before the
// hold is considered leaked and can be stolen.
const defaultHoldTTL = 5 * time.Minute

// hold records one turn's claim on a session. The token ties a release
// back to the acquire that produced it, so a release that outlives a
// stolen hold cannot free the thief's claim.
type hold struct {
	token    uint64
	acquired time.Time
}

// TurnLocker serializes turns per session: at most one turn runs on a
// session at any instant. Acquisition never blocks; a busy session is
// reported to the caller, which rejects the second turn.
//
// Safe for concurrent use.
type TurnLocker struct {
	mu        sync.Mutex
	holdTTL   time.Duration
	nextToken uint64
	active    map[string]hold
}

// NewTurnLocker builds a locker. holdTTL bounds how long a crashed turn
// can keep its session busy; zero selects the default.
func NewTurnLocker(holdTTL time.Duration) *TurnLocker {
	if holdTTL <= 0 {
		holdTTL = defaultHoldTTL
	}
	return &TurnLocker{holdTTL: holdTTL, active: make(map[string]hold)}
}

// TryAcquire claims the session for one turn. On success the returned
// release func must be called when the turn settles. A false return
// means another turn is in flight.
func (l *TurnLocker) TryAcquire(sessionID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, held := l.active[sessionID]; held {
		if time.Since(cur.acquired) < l.holdTTL {
			return nil, false
		}
		// Stale hold from a turn that never released; steal it.
	}
	l.nextToken++
	token := l.nextToken
	l.active[sessionID] = hold{token: token, acquired: time.Now()}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only the hold this release was minted for may be freed.
		if cur, held := l.active[sessionID]; held && cur.token == token {
			delete(l.active, sessionID)
		}
	}
	return release, true
}

// Busy reports whether a turn currently holds the session.
func (l *TurnLocker) Busy(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, held := l.active[sessionID]
	return held && time.Since(cur.acquired) < l.holdTTL
}

// ActiveCount returns how many sessions have a turn in flight.
func (l *TurnLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
