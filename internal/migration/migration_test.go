package migration

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hungerpay/internal/config"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/repository"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("expected at least one migration")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}

func TestRunAutoMigratesSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:migrate_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := Run(conn, config.Config{DBType: "sqlite"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The raw SQL repository must work against the model-derived schema.
	repo := repository.Provide()
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	err = repo.Insert(context.Background(), conn, &paymentdomain.Donation{
		ID:               1,
		Amount:           50,
		Currency:         paymentdomain.CurrencyKES,
		PhoneNumber:      "254712345678",
		AccountReference: "JANE00000001",
		Status:           paymentdomain.StatusCreated,
		DonorName:        "Jane",
		DonorEmail:       "jane@example.com",
		Program:          "general",
		Version:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := repo.FindByID(context.Background(), conn, 1)
	if err != nil || found == nil {
		t.Fatalf("expected record, got %v err=%v", found, err)
	}
}
