package email

import (
	"strings"

	"github.com/smallbiznis/hungerpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(NewDonationNotifier),
)

// NewFromConfig falls back to a no-op sender when SMTP is not configured.
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if strings.TrimSpace(cfg.Email.SMTPHost) == "" {
		log.Named("email").Info("smtp not configured, donor emails disabled")
		return NewNoOpProvider(log)
	}
	return NewSMTP(Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.FromEmail,
		FromName: cfg.Email.FromName,
	})
}
