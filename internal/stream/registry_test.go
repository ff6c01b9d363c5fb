package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Stream{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestStreamIDs_NewestFirst(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db)
	ctx := context.Background()

	if err := reg.Append(ctx, "c1", "01AAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("append s1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := reg.Append(ctx, "c1", "01BBBBBBBBBBBBBBBBBBBBBBBB"); err != nil {
		t.Fatalf("append s2: %v", err)
	}

	ids, err := reg.StreamIDs(ctx, "c1")
	if err != nil {
		t.Fatalf("stream ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(ids))
	}
	if ids[0] != "01BBBBBBBBBBBBBBBBBBBBBBBB" || ids[1] != "01AAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatalf("expected newest first, got %v", ids)
	}

	most, err := reg.MostRecent(ctx, "c1")
	if err != nil {
		t.Fatalf("most recent: %v", err)
	}
	if most != "01BBBBBBBBBBBBBBBBBBBBBBBB" {
		t.Fatalf("expected s2 as most recent, got %s", most)
	}
}

func TestStreamIDs_ScopedByChat(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db)
	ctx := context.Background()

	if err := reg.Append(ctx, "c1", "01AAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("append: %v", err)
	}

	ids, err := reg.StreamIDs(ctx, "c2")
	if err != nil {
		t.Fatalf("stream ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no streams for c2, got %v", ids)
	}

	most, err := reg.MostRecent(ctx, "c2")
	if err != nil {
		t.Fatalf("most recent: %v", err)
	}
	if most != "" {
		t.Fatalf("expected empty most recent for c2, got %s", most)
	}
}
