package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultFrequency is the reminder delay used when a user has not chosen one
const DefaultFrequency = 5 * time.Second

// Frequencies lists the reminder delays a user may choose
var Frequencies = []time.Duration{
	5 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// ErrPermissionDenied is returned when a device cannot receive notifications
var ErrPermissionDenied = errors.New("notification permission denied")

// ValidFrequency reports whether seconds is one of the selectable reminder delays
func ValidFrequency(seconds int) bool {
	for _, f := range Frequencies {
		if time.Duration(seconds)*time.Second == f {
			return true
		}
	}
	return false
}

// Notification is a message shown to a user. Route is the screen the client
// opens when the notification is tapped.
type Notification struct {
	UserID string
	Title  string
	Body   string
	Route  string
}

// Sender delivers notifications to a device
type Sender interface {
	// Authorize checks that deviceToken can receive notifications for userID
	Authorize(ctx context.Context, userID, deviceToken string) error
	Send(ctx context.Context, n Notification) error
}

// Scheduler delivers notifications after a delay and lets callers cancel them
type Scheduler struct {
	sender Sender

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler delivering through sender
func NewScheduler(sender Sender) *Scheduler {
	return &Scheduler{
		sender: sender,
		timers: make(map[string]*time.Timer),
	}
}

// RequestPermission validates a device token for userID
func (s *Scheduler) RequestPermission(ctx context.Context, userID, deviceToken string) error {
	return s.sender.Authorize(ctx, userID, deviceToken)
}

// Schedule delivers n after delay and returns an id usable with Cancel
func (s *Scheduler) Schedule(ctx context.Context, n Notification, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.New("scheduler closed")
	}

	id := uuid.New().String()
	sendCtx := context.WithoutCancel(ctx)
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if !pending {
			return
		}

		if err := s.sender.Send(sendCtx, n); err != nil {
			log.Warn().Err(err).Str("user_id", n.UserID).Str("notification_id", id).Msg("Failed to send notification")
			return
		}
		log.Debug().Str("user_id", n.UserID).Str("notification_id", id).Msg("Notification sent")
	})

	log.Debug().
		Str("user_id", n.UserID).
		Str("notification_id", id).
		Dur("delay", delay).
		Msg("Notification scheduled")
	return id, nil
}

// Cancel stops a pending notification and reports whether it was still pending
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	timer.Stop()
	return true
}

// Pending returns the number of notifications not yet delivered
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending notification
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
