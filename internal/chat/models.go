package chat

import (
	"encoding/json"
	"time"
)

// Chat ids are caller-supplied (the client mints a UUID before the first
// request so the URL is stable while the first generation is still running).
type Chat struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message parts are structured content the store treats as opaque JSON.
// Ord is the zero-based position within the chat; the whole set is replaced
// on every upsert, so Ord stays contiguous and unique per chat.
type Message struct {
	ID     string          `gorm:"primaryKey;size:36" json:"id"`
	ChatID string          `gorm:"size:36;not null;index:uniq_chat_msg_ord,unique,priority:1" json:"chat_id"`
	Role   string          `gorm:"type:varchar(16);not null" json:"role"`
	Parts  json.RawMessage `gorm:"type:text" json:"parts"`
	Ord    int             `gorm:"column:ord;not null;index:uniq_chat_msg_ord,unique,priority:2" json:"order"`
}

func (Message) TableName() string { return "messages" }

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}
