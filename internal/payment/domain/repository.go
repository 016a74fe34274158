package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, donation *Donation) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Donation, error)
	FindByCheckoutRequestID(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*Donation, error)
	// CompareAndSwap writes next only if the stored version still equals
	// expectedVersion. It reports false when another writer got there first.
	CompareAndSwap(ctx context.Context, db *gorm.DB, next *Donation, expectedVersion int64) (bool, error)
	ListStale(ctx context.Context, db *gorm.DB, statuses []Status, before time.Time, limit int) ([]*Donation, error)
	SummarizeCompleted(ctx context.Context, db *gorm.DB, since time.Time) ([]ProgramTotal, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) error
}
