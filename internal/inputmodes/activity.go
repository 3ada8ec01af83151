package inputmodes

import (
	"sync"
	"time"
)

// Activity tracks the liveness clock the "serve" and "stream" loops poll
// each cycle, implementing the keepRunning() policy of spec.md §4.4.
type Activity struct {
	mu           sync.Mutex
	active       bool
	lastActivity time.Time
}

// NewActivity creates an Activity marked active, with its clock started
// now.
func NewActivity(now time.Time) *Activity {
	return &Activity{active: true, lastActivity: now}
}

// Deactivate clears the process-active flag (the global is_active flag of
// spec.md §5), causing every subsequent KeepRunning call to return false.
func (a *Activity) Deactivate() {
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
}

// IsActive reports the process-active flag.
func (a *Activity) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// KeepRunning implements spec.md §4.4's policy: true iff the process is
// active AND either (now-lastActivity) < inputTimeout OR (live AND
// (now-lastActivity) < biggestFragmentMs/500 seconds). The activity clock
// resets to now whenever at least one connected user is present and the
// stream has at least one track.
func (a *Activity) KeepRunning(now time.Time, inputTimeout time.Duration, live bool, biggestFragmentMs int64, connectedUsers, numTracks int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return false
	}
	if connectedUsers > 0 && numTracks > 0 {
		a.lastActivity = now
	}
	elapsed := now.Sub(a.lastActivity)
	if elapsed < inputTimeout {
		return true
	}
	if live && biggestFragmentMs > 0 && elapsed < time.Duration(biggestFragmentMs/500)*time.Second {
		return true
	}
	return false
}
