package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/hollis-ng/research-chat/internal/models"
	"gorm.io/gorm"
)

// DefaultDailyLimit is the number of rate-limited calls a standard user may
// make per local day.
const DefaultDailyLimit = 50

type UserRequest struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID      uint64    `gorm:"not null;index:idx_user_req_user_date,priority:1" json:"user_id"`
	Endpoint    string    `gorm:"type:varchar(64);not null" json:"endpoint"`
	RequestDate time.Time `gorm:"not null;index:idx_user_req_user_date,priority:2" json:"request_date"`
}

func (UserRequest) TableName() string { return "user_requests" }

// entitlement is resolved once per Admit call.
type entitlement int

const (
	entitlementStandard entitlement = iota
	entitlementAdmin
)

type Decision struct {
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"`
	RequestsToday int       `json:"requests_today"`
	Limit         int       `json:"limit"`
	Unlimited     bool      `json:"unlimited"`
	ResetAt       time.Time `json:"reset_at"`
}

// Remaining reports how many admitted calls are left in the current day.
func (d Decision) Remaining() int {
	if d.Unlimited {
		return d.Limit
	}
	if n := d.Limit - d.RequestsToday; n > 0 {
		return n
	}
	return 0
}

type Limiter struct {
	db    *gorm.DB
	limit int
	now   func() time.Time
}

func NewLimiter(db *gorm.DB, limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Limiter{db: db, limit: limit, now: time.Now}
}

// Admit decides whether userID may issue another rate-limited call today.
// Admins always pass and never accrue rows for quota purposes. Admit and
// Record are deliberately separate statements; two concurrent calls can both
// pass the check before either records, so the daily limit is a soft bound.
func (l *Limiter) Admit(ctx context.Context, user *models.User) (Decision, error) {
	now := l.now()
	reset := startOfDay(now).AddDate(0, 0, 1)

	if resolveEntitlement(user) == entitlementAdmin {
		return Decision{
			Allowed:       true,
			RequestsToday: 0,
			Limit:         l.limit,
			Unlimited:     true,
			ResetAt:       reset,
		}, nil
	}

	// A request exactly at midnight belongs to the new day (>=).
	var count int64
	err := l.db.WithContext(ctx).
		Model(&UserRequest{}).
		Where("user_id = ? AND request_date >= ?", user.ID, startOfDay(now)).
		Count(&count).Error
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		RequestsToday: int(count),
		Limit:         l.limit,
		ResetAt:       reset,
	}
	if int(count) >= l.limit {
		dec.Reason = fmt.Sprintf(
			"daily limit of %d requests reached (%d used today), try again tomorrow",
			l.limit, count,
		)
		return dec, nil
	}
	dec.Allowed = true
	return dec, nil
}

// Record inserts one UserRequest row. Callers invoke it exactly once per
// admitted call; denials are never recorded.
func (l *Limiter) Record(ctx context.Context, userID uint64, endpoint string) error {
	return l.db.WithContext(ctx).Create(&UserRequest{
		UserID:      userID,
		Endpoint:    endpoint,
		RequestDate: l.now(),
	}).Error
}

func resolveEntitlement(user *models.User) entitlement {
	if user.IsAdmin {
		return entitlementAdmin
	}
	return entitlementStandard
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
