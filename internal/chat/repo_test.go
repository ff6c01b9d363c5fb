package chat

import (
	"context"
	"encoding/json"
	"errors"
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
	if err := db.AutoMigrate(&Chat{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func textInput(id, role, text string) MessageInput {
	parts, _ := json.Marshal([]textPart{{Type: "text", Text: text}})
	return MessageInput{ID: id, Role: role, Parts: parts}
}

func TestUpsert_AssignsContiguousOrder(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	msgs := []MessageInput{
		textInput("m1", RoleUser, "first"),
		textInput("m2", RoleAssistant, "second"),
		textInput("m3", RoleUser, "third"),
	}
	if _, err := repo.Upsert(ctx, 1, "c1", "test chat", msgs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, stored, err := repo.GetChat(ctx, 1, "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(stored))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if stored[i].ID != want {
			t.Fatalf("position %d: expected id %s, got %s", i, want, stored[i].ID)
		}
		if stored[i].Ord != i {
			t.Fatalf("position %d: expected ord %d, got %d", i, i, stored[i].Ord)
		}
	}
}

func TestUpsert_ReplacesEntireMessageSet(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	listA := []MessageInput{
		textInput("a1", RoleUser, "hello"),
		textInput("a2", RoleAssistant, "hi"),
		textInput("a3", RoleUser, "bye"),
	}
	if _, err := repo.Upsert(ctx, 1, "c1", "t", listA); err != nil {
		t.Fatalf("upsert A: %v", err)
	}

	listB := []MessageInput{
		textInput("b1", RoleUser, "restart"),
		textInput("b2", RoleAssistant, "ok"),
	}
	if _, err := repo.Upsert(ctx, 1, "c1", "t", listB); err != nil {
		t.Fatalf("upsert B: %v", err)
	}

	_, stored, err := repo.GetChat(ctx, 1, "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected exactly list B (2 messages), got %d", len(stored))
	}
	if stored[0].ID != "b1" || stored[1].ID != "b2" {
		t.Fatalf("expected [b1 b2], got [%s %s]", stored[0].ID, stored[1].ID)
	}
}

func TestUpsert_RollsBackFullyOnInsertFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	listA := []MessageInput{
		textInput("a1", RoleUser, "hello"),
		textInput("a2", RoleAssistant, "hi"),
	}
	if _, err := repo.Upsert(ctx, 1, "c1", "old title", listA); err != nil {
		t.Fatalf("upsert A: %v", err)
	}

	// Duplicate ids make the reinsert step fail after the delete has run;
	// the whole transaction must roll back.
	listB := []MessageInput{
		textInput("b1", RoleUser, "x"),
		textInput("b1", RoleAssistant, "y"),
	}
	if _, err := repo.Upsert(ctx, 1, "c1", "new title", listB); err == nil {
		t.Fatalf("expected upsert B to fail")
	}

	c, stored, err := repo.GetChat(ctx, 1, "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.Title != "old title" {
		t.Fatalf("chat row mutated despite rollback: title=%q", c.Title)
	}
	if len(stored) != 2 || stored[0].ID != "a1" || stored[1].ID != "a2" {
		t.Fatalf("expected list A intact after rollback, got %d messages", len(stored))
	}
}

func TestUpsert_OwnershipViolation(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, 1, "c1", "u1 chat", []MessageInput{
		textInput("m1", RoleUser, "hello"),
	}); err != nil {
		t.Fatalf("upsert as u1: %v", err)
	}

	_, err := repo.Upsert(ctx, 2, "c1", "stolen", []MessageInput{
		textInput("x1", RoleUser, "takeover"),
	})
	if !errors.Is(err, ErrChatOwnership) {
		t.Fatalf("expected ErrChatOwnership, got %v", err)
	}

	c, stored, err := repo.GetChat(ctx, 1, "c1")
	if err != nil {
		t.Fatalf("get chat as owner: %v", err)
	}
	if c.Title != "u1 chat" {
		t.Fatalf("title mutated: %q", c.Title)
	}
	if len(stored) != 1 || stored[0].ID != "m1" {
		t.Fatalf("messages mutated: %d rows", len(stored))
	}
}

func TestUpsert_RejectsUnknownRole(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	_, err := repo.Upsert(context.Background(), 1, "c1", "t", []MessageInput{
		textInput("m1", "moderator", "hello"),
	})
	if err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestGetChat_HidesOtherUsersChats(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, 1, "c1", "t", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, _, err := repo.GetChat(ctx, 2, "c1")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
}

func TestListChats_MostRecentFirst(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, 1, "c1", "older", nil); err != nil {
		t.Fatalf("upsert c1: %v", err)
	}
	if _, err := repo.Upsert(ctx, 1, "c2", "newer", nil); err != nil {
		t.Fatalf("upsert c2: %v", err)
	}

	// Touch c1 again so it becomes the most recently active chat.
	time.Sleep(10 * time.Millisecond)
	if _, err := repo.Upsert(ctx, 1, "c1", "older", []MessageInput{
		textInput("m1", RoleUser, "ping"),
	}); err != nil {
		t.Fatalf("second upsert c1: %v", err)
	}

	chats, err := repo.ListChats(ctx, 1)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != "c1" || chats[1].ID != "c2" {
		t.Fatalf("expected [c1 c2] by recency, got [%s %s]", chats[0].ID, chats[1].ID)
	}
}
