package email

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/hungerpay/internal/config"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
)

// nairobi is fixed at UTC+3 with no DST; a fixed zone avoids depending on tzdata.
var nairobi = time.FixedZone("EAT", 3*60*60)

// DonationNotifier emails a thank-you note once a donation completes.
type DonationNotifier struct {
	provider Provider
	orgName  string
	log      *zap.Logger
}

func NewDonationNotifier(cfg config.Config, provider Provider, log *zap.Logger) paymentdomain.Notifier {
	return &DonationNotifier{
		provider: provider,
		orgName:  cfg.Email.FromName,
		log:      log.Named("email.donation"),
	}
}

func (n *DonationNotifier) DonationCompleted(ctx context.Context, donation paymentdomain.Donation) error {
	to := strings.TrimSpace(donation.DonorEmail)
	if to == "" {
		n.log.Debug("no donor email, skipping", zap.String("donation_id", donation.ID.String()))
		return nil
	}

	return n.provider.SendTemplate(ctx, []string{to}, TemplateDonationCompleted, CompletedTemplateData(donation, n.orgName))
}

// CompletedTemplateData flattens a donation into the template's fields.
func CompletedTemplateData(donation paymentdomain.Donation, orgName string) map[string]interface{} {
	paidAt := donation.LastTransitionAt
	if donation.CompletedAt != nil {
		paidAt = *donation.CompletedAt
	}
	receipt := ""
	if donation.ReceiptNumber != nil {
		receipt = *donation.ReceiptNumber
	}
	recurring := ""
	if donation.IsRecurring {
		recurring = donation.RecurringInterval
	}

	return map[string]interface{}{
		"subject":            "Thank you for your donation to " + orgName,
		"donor_name":         donation.DonorName,
		"amount":             paymentdomain.FormatAmount(donation.Amount),
		"program":            donation.Program,
		"receipt_number":     receipt,
		"donation_id":        donation.ID.String(),
		"date_paid":          paidAt.In(nairobi).Format("2 Jan 2006 15:04"),
		"recurring_interval": recurring,
		"org_name":           orgName,
	}
}
