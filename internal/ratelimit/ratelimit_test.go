package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/hollis-ng/research-chat/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &UserRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedRequests(t *testing.T, db *gorm.DB, userID uint64, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := db.Create(&UserRequest{
			UserID:      userID,
			Endpoint:    "chat",
			RequestDate: at,
		}).Error; err != nil {
			t.Fatalf("seed request: %v", err)
		}
	}
}

func TestAdmit_AllowsBelowLimit(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	user := &models.User{ID: 1}
	seedRequests(t, db, 1, 2, now.Add(-time.Hour))

	dec, err := l.Admit(context.Background(), user)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed at limit-1, got denial: %s", dec.Reason)
	}
	if dec.RequestsToday != 2 || dec.Limit != 3 {
		t.Fatalf("unexpected decision: today=%d limit=%d", dec.RequestsToday, dec.Limit)
	}
	if dec.Remaining() != 1 {
		t.Fatalf("expected 1 remaining, got %d", dec.Remaining())
	}
}

func TestAdmit_DeniesAtLimit(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	user := &models.User{ID: 1}
	seedRequests(t, db, 1, 3, now.Add(-time.Hour))

	dec, err := l.Admit(context.Background(), user)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial at limit")
	}
	if dec.RequestsToday != 3 {
		t.Fatalf("expected today=3, got %d", dec.RequestsToday)
	}
	if !strings.Contains(dec.Reason, "3") {
		t.Fatalf("reason should embed the limit, got %q", dec.Reason)
	}
	if dec.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", dec.Remaining())
	}
}

func TestAdmit_AdminBypassesLimit(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	admin := &models.User{ID: 1, IsAdmin: true}
	seedRequests(t, db, 1, 10, now.Add(-time.Hour))

	dec, err := l.Admit(context.Background(), admin)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Allowed || !dec.Unlimited {
		t.Fatalf("expected unlimited admission for admin: %+v", dec)
	}
	if dec.RequestsToday != 0 {
		t.Fatalf("admin usage must be reported as 0, got %d", dec.RequestsToday)
	}
}

func TestAdmit_IgnoresPreviousDays(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	user := &models.User{ID: 1}
	// all of yesterday's usage, including one second before midnight
	seedRequests(t, db, 1, 3, now.Add(-31*time.Minute))

	dec, err := l.Admit(context.Background(), user)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Allowed || dec.RequestsToday != 0 {
		t.Fatalf("yesterday's requests must not count: %+v", dec)
	}
}

func TestAdmit_MidnightBelongsToNewDay(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	midnight := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	user := &models.User{ID: 1}
	seedRequests(t, db, 1, 1, midnight)

	dec, err := l.Admit(context.Background(), user)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.RequestsToday != 1 {
		t.Fatalf("request exactly at midnight must count today, got %d", dec.RequestsToday)
	}
}

func TestRecord_InsertsOneRow(t *testing.T) {
	db := openTestDB(t)
	l := NewLimiter(db, 3)
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Record(context.Background(), 1, "chat"); err != nil {
		t.Fatalf("record: %v", err)
	}

	var count int64
	if err := db.Model(&UserRequest{}).Where("user_id = ?", 1).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}

	dec, err := l.Admit(context.Background(), &models.User{ID: 1})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.RequestsToday != 1 {
		t.Fatalf("recorded request must count, got %d", dec.RequestsToday)
	}
}
