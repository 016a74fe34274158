package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
)

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (paymentdomain.Donation, error) {
	donation, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return paymentdomain.Donation{}, err
	}
	if donation == nil {
		return paymentdomain.Donation{}, fmt.Errorf("%w: donation %s", paymentdomain.ErrNotFound, id)
	}
	return *donation, nil
}

// Summary totals completed donations since the given instant, per program.
func (s *Service) Summary(ctx context.Context, since time.Time) (paymentdomain.Summary, error) {
	totals, err := s.repo.SummarizeCompleted(ctx, s.db, since.UTC())
	if err != nil {
		return paymentdomain.Summary{}, err
	}

	summary := paymentdomain.Summary{
		Since:    since.UTC(),
		Currency: paymentdomain.CurrencyKES,
		Programs: make([]paymentdomain.ProgramTotal, 0, len(totals)),
	}
	for _, total := range totals {
		summary.Amount += total.Amount
		summary.Count += total.Count
		summary.Programs = append(summary.Programs, total)
	}
	return summary, nil
}
