package profile

import (
	"sync"
	"time"
)

// tracker is one user's pending-message state.
type tracker struct {
	count      int
	firstTouch time.Time
}

// TrackerManager decides when a user's pending messages warrant a profile
// update: after messageLimit marks, or once timeLimit has elapsed since the
// first unprocessed mark. Safe for concurrent use.
type TrackerManager struct {
	mu           sync.Mutex
	trackers     map[string]*tracker
	messageLimit int
	timeLimit    time.Duration
	now          func() time.Time
}

// NewTrackerManager creates a manager with the given firing thresholds.
func NewTrackerManager(messageLimit int, timeLimit time.Duration) *TrackerManager {
	return &TrackerManager{
		trackers:     make(map[string]*tracker),
		messageLimit: messageLimit,
		timeLimit:    timeLimit,
		now:          time.Now,
	}
}

// MarkUpdate records that the user sent a message.
func (m *TrackerManager) MarkUpdate(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[user]
	if !ok {
		t = &tracker{}
		m.trackers[user] = t
	}
	t.count++
	if t.firstTouch.IsZero() {
		t.firstTouch = m.now()
	}
}

// TakeUsersToUpdate atomically returns every user whose tracker is firing and
// resets those trackers. A user fires only with at least one pending mark,
// even when the time limit has long passed.
func (m *TrackerManager) TakeUsersToUpdate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []string
	for user, t := range m.trackers {
		if t.count == 0 {
			continue
		}
		if t.count >= m.messageLimit || m.now().Sub(t.firstTouch) >= m.timeLimit {
			users = append(users, user)
			t.count = 0
			t.firstTouch = time.Time{}
		}
	}
	return users
}
