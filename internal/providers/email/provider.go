package email

import (
	"context"

	"go.uber.org/zap"
)

// TemplateDonationCompleted is the thank-you note sent once a donation settles.
const TemplateDonationCompleted = "donation_completed"

// Provider delivers donor emails. Templates are looked up by name among the
// embedded HTML files.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error
}

// NoOpProvider is used when SMTP is not configured. Donor emails are dropped
// with a debug line so a missing notification can still be traced.
type NoOpProvider struct {
	log *zap.Logger
}

func NewNoOpProvider(log *zap.Logger) *NoOpProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoOpProvider{log: log.Named("email.noop")}
}

func (p *NoOpProvider) Send(_ context.Context, to []string, subject string, _ string) error {
	p.logger().Debug("email dropped", zap.Int("recipients", len(to)), zap.String("subject", subject))
	return nil
}

func (p *NoOpProvider) SendTemplate(_ context.Context, to []string, templateName string, _ interface{}) error {
	p.logger().Debug("email dropped", zap.Int("recipients", len(to)), zap.String("template", templateName))
	return nil
}

func (p *NoOpProvider) logger() *zap.Logger {
	if p == nil || p.log == nil {
		return zap.NewNop()
	}
	return p.log
}
