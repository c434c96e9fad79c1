package services

import (
	"context"
	"sync"
	"time"

	"github.com/matgo18/TheyMissYou/internal/notify"
	"github.com/rs/zerolog/log"
)

const (
	reminderTitle = "They Miss You"
	reminderBody  = "Your friends miss you! Come back and share a moment."
	reminderRoute = "feed"
)

// ReminderScheduler is the part of the notification scheduler reminders use
type ReminderScheduler interface {
	Schedule(ctx context.Context, n notify.Notification, delay time.Duration) (string, error)
	Cancel(id string) bool
}

// FrequencySource resolves how long to wait before reminding a user
type FrequencySource interface {
	ReminderFrequency(ctx context.Context, userID string) time.Duration
}

// PresenceSource reports whether a user currently has an open connection
type PresenceSource interface {
	IsOnline(userID string) bool
}

var (
	_ ReminderScheduler = (*notify.Scheduler)(nil)
	_ FrequencySource   = (*UserDirectory)(nil)
	_ PresenceSource    = (*WSHub)(nil)
)

// Reminders schedules a reminder when a user goes offline and cancels it
// when they come back
type Reminders struct {
	scheduler   ReminderScheduler
	frequencies FrequencySource
	presence    PresenceSource

	mu      sync.Mutex
	pending map[string]string
}

// NewReminders creates a new reminder service; presence may be nil
func NewReminders(scheduler ReminderScheduler, frequencies FrequencySource, presence PresenceSource) *Reminders {
	return &Reminders{
		scheduler:   scheduler,
		frequencies: frequencies,
		presence:    presence,
		pending:     make(map[string]string),
	}
}

// HandlePresence has the signature of PresenceFunc
func (r *Reminders) HandlePresence(ctx context.Context, userID string, online bool) {
	if online {
		r.Cancel(userID)
		return
	}
	if err := r.Schedule(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to schedule reminder")
	}
}

// Schedule replaces any pending reminder of userID with a new one due after
// the user's reminder frequency
func (r *Reminders) Schedule(ctx context.Context, userID string) error {
	delay := r.frequencies.ReminderFrequency(ctx, userID)

	id, err := r.scheduler.Schedule(ctx, notify.Notification{
		UserID: userID,
		Title:  reminderTitle,
		Body:   reminderBody,
		Route:  reminderRoute,
	}, delay)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous, had := r.pending[userID]
	r.pending[userID] = id
	r.mu.Unlock()

	if had {
		r.scheduler.Cancel(previous)
	}

	// The user may have reconnected while the reminder was being scheduled;
	// that Cancel ran before the id above was stored.
	if r.presence != nil && r.presence.IsOnline(userID) {
		r.Cancel(userID)
		log.Debug().Str("user_id", userID).Msg("Reminder dropped, user is back online")
		return nil
	}

	log.Debug().Str("user_id", userID).Dur("delay", delay).Msg("Reminder scheduled")
	return nil
}

// Cancel drops the pending reminder of userID and reports whether one was pending
func (r *Reminders) Cancel(userID string) bool {
	r.mu.Lock()
	id, ok := r.pending[userID]
	delete(r.pending, userID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	return r.scheduler.Cancel(id)
}

// Pending reports whether a reminder was scheduled for userID and not cancelled since
func (r *Reminders) Pending(userID string) bool {
	r.mu.Lock()
	_, ok := r.pending[userID]
	r.mu.Unlock()
	return ok
}
