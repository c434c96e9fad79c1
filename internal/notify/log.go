package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

var _ Sender = (*LogSender)(nil)

// LogSender writes notifications to the log instead of delivering them
type LogSender struct{}

// Authorize accepts the same device tokens APNs does
func (LogSender) Authorize(ctx context.Context, userID, deviceToken string) error {
	return validateDeviceToken(deviceToken)
}

// Send logs n
func (LogSender) Send(ctx context.Context, n Notification) error {
	log.Info().
		Str("user_id", n.UserID).
		Str("title", n.Title).
		Str("body", n.Body).
		Str("route", n.Route).
		Msg("Notification delivered")
	return nil
}
