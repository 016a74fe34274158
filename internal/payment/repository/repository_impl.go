package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hungerpay/internal/payment/domain"
	"gorm.io/gorm"
)

const donationColumns = `id, checkout_request_id, merchant_request_id, amount, currency,
	phone_number, account_reference, status, receipt_number, result_code,
	result_description, failure_reason, donor_name, donor_email, program,
	message, is_anonymous, is_recurring, recurring_interval, version,
	created_at, last_transition_at, completed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, donation *domain.Donation) error {
	if donation == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO donations (`+donationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		donation.ID,
		donation.CheckoutRequestID,
		donation.MerchantRequestID,
		donation.Amount,
		donation.Currency,
		donation.PhoneNumber,
		donation.AccountReference,
		string(donation.Status),
		donation.ReceiptNumber,
		donation.ResultCode,
		donation.ResultDescription,
		donation.FailureReason,
		donation.DonorName,
		donation.DonorEmail,
		donation.Program,
		donation.Message,
		donation.IsAnonymous,
		donation.IsRecurring,
		donation.RecurringInterval,
		donation.Version,
		donation.CreatedAt,
		donation.LastTransitionAt,
		donation.CompletedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Donation, error) {
	var item domain.Donation
	err := db.WithContext(ctx).Raw(
		`SELECT `+donationColumns+`
		 FROM donations
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByCheckoutRequestID(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*domain.Donation, error) {
	var item domain.Donation
	err := db.WithContext(ctx).Raw(
		`SELECT `+donationColumns+`
		 FROM donations
		 WHERE checkout_request_id = ?
		 LIMIT 1`,
		checkoutRequestID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, next *domain.Donation, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE donations
		 SET checkout_request_id = ?, merchant_request_id = ?, status = ?,
			receipt_number = ?, result_code = ?, result_description = ?,
			failure_reason = ?, version = ?, last_transition_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		next.CheckoutRequestID,
		next.MerchantRequestID,
		string(next.Status),
		next.ReceiptNumber,
		next.ResultCode,
		next.ResultDescription,
		next.FailureReason,
		next.Version,
		next.LastTransitionAt,
		next.CompletedAt,
		next.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, statuses []domain.Status, before time.Time, limit int) ([]*domain.Donation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	if limit <= 0 {
		limit = 100
	}

	var items []*domain.Donation
	err := db.WithContext(ctx).Raw(
		`SELECT `+donationColumns+`
		 FROM donations
		 WHERE status IN ? AND last_transition_at < ?
		 ORDER BY last_transition_at ASC, id ASC
		 LIMIT ?`,
		values,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SummarizeCompleted(ctx context.Context, db *gorm.DB, since time.Time) ([]domain.ProgramTotal, error) {
	var totals []domain.ProgramTotal
	err := db.WithContext(ctx).Raw(
		`SELECT program, COALESCE(SUM(amount), 0) AS amount, COUNT(*) AS count
		 FROM donations
		 WHERE status = ? AND completed_at >= ?
		 GROUP BY program
		 ORDER BY program ASC`,
		string(domain.StatusCompleted),
		since,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) error {
	if event == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, donation_id, checkout_request_id, source, outcome,
			result_code, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.DonationID,
		event.CheckoutRequestID,
		event.Source,
		event.Outcome,
		event.ResultCode,
		event.Payload,
		event.ReceivedAt,
	).Error
}
