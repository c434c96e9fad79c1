package notify

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// TokenSource looks up the device token registered for a user
type TokenSource interface {
	PushToken(ctx context.Context, userID string) (string, error)
}

// APNSConfig holds Apple Push Notification service credentials. Either a
// .p8 auth key (KeyPath, KeyID, TeamID) or a .p12 certificate is required.
type APNSConfig struct {
	Topic           string
	Production      bool
	KeyPath         string
	KeyID           string
	TeamID          string
	CertificatePath string
	CertificatePass string
}

var _ Sender = (*APNSSender)(nil)

// APNSSender pushes notifications through APNs
type APNSSender struct {
	client *apns2.Client
	topic  string
	tokens TokenSource
}

// NewAPNSSender creates a sender from cfg
func NewAPNSSender(cfg APNSConfig, tokens TokenSource) (*APNSSender, error) {
	var client *apns2.Client

	switch {
	case cfg.KeyPath != "":
		authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs auth key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
	case cfg.CertificatePath != "":
		cert, err := certificate.FromP12File(cfg.CertificatePath, cfg.CertificatePass)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
		}
		client = apns2.NewClient(cert)
	default:
		return nil, fmt.Errorf("APNs key or certificate is required")
	}

	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNSSender{client: client, topic: cfg.Topic, tokens: tokens}, nil
}

// Authorize accepts hex device tokens as issued by APNs
func (s *APNSSender) Authorize(ctx context.Context, userID, deviceToken string) error {
	return validateDeviceToken(deviceToken)
}

// Send pushes n to the user's registered device
func (s *APNSSender) Send(ctx context.Context, n Notification) error {
	deviceToken, err := s.tokens.PushToken(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("failed to get push token: %w", err)
	}
	if deviceToken == "" {
		log.Debug().Str("user_id", n.UserID).Msg("No push token registered, skipping notification")
		return nil
	}

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       s.topic,
		Payload:     buildPayload(n),
	}

	res, err := s.client.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("failed to push notification: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("notification rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func buildPayload(n Notification) *payload.Payload {
	p := payload.NewPayload().AlertTitle(n.Title).AlertBody(n.Body).Sound("default")
	if n.Route != "" {
		p = p.Custom("route", n.Route)
	}
	return p
}

func validateDeviceToken(deviceToken string) error {
	if len(deviceToken) != 64 {
		return ErrPermissionDenied
	}
	if _, err := hex.DecodeString(deviceToken); err != nil {
		return ErrPermissionDenied
	}
	return nil
}
