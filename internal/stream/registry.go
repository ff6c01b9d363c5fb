package stream

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Stream records one attempt to produce a generation for a chat. Rows are
// append-only; a row existing does not imply the generation finished. Callers
// correlate with the chat's persisted messages to decide what can be resumed.
type Stream struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	ChatID    string    `gorm:"size:36;index;not null" json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Stream) TableName() string { return "streams" }

type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Append(ctx context.Context, chatID, streamID string) error {
	return r.db.WithContext(ctx).Create(&Stream{
		ID:     streamID,
		ChatID: chatID,
	}).Error
}

// StreamIDs returns the chat's stream ids newest first. Stream ids are ULIDs,
// so the id is used as a tie-break when two rows share a created_at.
func (r *Registry) StreamIDs(ctx context.Context, chatID string) ([]string, error) {
	var rows []Stream
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, s := range rows {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// MostRecent returns the stream id eligible for resumption, or "" when the
// chat has no streams.
func (r *Registry) MostRecent(ctx context.Context, chatID string) (string, error) {
	ids, err := r.StreamIDs(ctx, chatID)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}
