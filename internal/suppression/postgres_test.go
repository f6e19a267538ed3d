package suppression

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_FindEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT tenant_id, email, reason, details, created_at FROM email_suppressions WHERE tenant_id").
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "email", "reason", "details", "created_at"}).
			AddRow("t1", "a@x.com", "unsubscribed", []byte(`{"source":"link"}`), created))

	entries, err := store.FindEntries(context.Background(), EntryQuery{TenantID: "t1", Emails: []string{"a@x.com"}})
	if err != nil {
		t.Fatalf("FindEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != ReasonUnsubscribed || entries[0].Details["source"] != "link" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_UpsertEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO email_suppressions").
		WithArgs("t1", "a@x.com", "bounced", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.UpsertEntry(context.Background(), &Entry{
		TenantID:  "t1",
		Email:     "a@x.com",
		Reason:    ReasonBounced,
		Details:   map[string]string{"bounce_type": "hard"},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_DeleteEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)

	t.Run("existing row", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM email_suppressions").
			WithArgs("t1", "a@x.com").
			WillReturnResult(sqlmock.NewResult(0, 1))

		removed, err := store.DeleteEntry(context.Background(), "t1", "a@x.com")
		if err != nil || !removed {
			t.Errorf("DeleteEntry() = %v, %v; want true, nil", removed, err)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM email_suppressions").
			WithArgs("t1", "b@x.com").
			WillReturnResult(sqlmock.NewResult(0, 0))

		removed, err := store.DeleteEntry(context.Background(), "t1", "b@x.com")
		if err != nil || removed {
			t.Errorf("DeleteEntry() = %v, %v; want false, nil", removed, err)
		}
	})
}

func TestPostgresStore_GlobalBounces(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)
	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO global_email_bounces").
		WithArgs("dead@x.com", at, "no such user").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.RecordGlobalBounce(context.Background(), "dead@x.com", "no such user", at); err != nil {
		t.Fatalf("RecordGlobalBounce() error = %v", err)
	}

	mock.ExpectQuery("FROM global_email_bounces").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "bounce_count", "last_bounce_at", "reason"}).
			AddRow("dead@x.com", 2, at, "no such user"))

	bounces, err := store.FindGlobalBounces(context.Background(), []string{"dead@x.com"})
	if err != nil {
		t.Fatalf("FindGlobalBounces() error = %v", err)
	}
	if len(bounces) != 1 || bounces[0].BounceCount != 2 {
		t.Errorf("unexpected bounces: %+v", bounces)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
