package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrChatOwnership is returned when a chat id already belongs to another
// user. Nothing is mutated when it fires.
var ErrChatOwnership = errors.New("chat: id owned by another user")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// MessageInput is one entry of the full message list a caller supplies to
// Upsert. IDs are kept when present so replays keep stable message ids.
type MessageInput struct {
	ID    string          `json:"id"`
	Role  string          `json:"role"`
	Parts json.RawMessage `json:"parts"`
}

// Upsert inserts or updates the chat row and replaces its entire message
// list with msgs, assigning ord = position. The chat row update, the delete
// and the reinsert run in one transaction: a failure on any step rolls the
// whole call back, so readers only ever observe the fully-old or fully-new
// message set.
func (r *Repo) Upsert(ctx context.Context, userID uint64, chatID, title string, msgs []MessageInput) (*Chat, error) {
	rows := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if !validRole(m.Role) {
			return nil, fmt.Errorf("chat: invalid role %q at position %d", m.Role, i)
		}
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		parts := m.Parts
		if len(parts) == 0 {
			parts = json.RawMessage("null")
		}
		rows = append(rows, Message{
			ID:     id,
			ChatID: chatID,
			Role:   m.Role,
			Parts:  parts,
			Ord:    i,
		})
	}

	var out Chat
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Chat
		err := tx.Where("id = ?", chatID).Take(&existing).Error
		switch {
		case err == nil:
			if existing.UserID != userID {
				return ErrChatOwnership
			}
			existing.Title = title
			existing.UpdatedAt = time.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = Chat{ID: chatID, UserID: userID, Title: title}
			if err := tx.Create(&out).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChat returns the chat and its messages in ascending ord. Chats owned by
// other users are reported as not found.
func (r *Repo) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, []Message, error) {
	var c Chat
	if err := r.db.WithContext(ctx).Where("id = ?", chatID).Take(&c).Error; err != nil {
		return nil, nil, err
	}
	if c.UserID != userID {
		return nil, nil, gorm.ErrRecordNotFound
	}

	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("ord ASC").
		Find(&msgs).Error; err != nil {
		return nil, nil, err
	}
	return &c, msgs, nil
}

// ListChats returns the user's chats, most recently active first.
func (r *Repo) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// Job CRUD

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
