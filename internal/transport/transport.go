// Package transport abstracts the outbound email provider. A transport
// attempts delivery of one fully-resolved message and reports the outcome;
// failure classification happens upstream in the bounce service.
package transport

import (
	"context"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Transport delivers a single email. Implementations return a non-nil
// SendResult whenever the attempt reached the provider; err is reserved for
// local failures (misconfiguration, context cancellation).
type Transport interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// DevTransport logs sends without delivering anything. Used for local
// development and as a safe default when no provider is configured.
type DevTransport struct{}

// NewDevTransport creates a no-op transport.
func NewDevTransport() *DevTransport { return &DevTransport{} }

// Send logs the message and reports success.
func (d *DevTransport) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	logger.Info("dev transport send",
		"to", msg.To,
		"subject", msg.Subject,
		"campaign_id", msg.CampaignID,
	)
	return &domain.SendResult{
		Success:   true,
		MessageID: "dev-" + msg.ID,
		SentAt:    time.Now(),
	}, nil
}
