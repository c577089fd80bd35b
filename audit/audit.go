// Package audit implements the append-only security audit stream. Entries
// record authentication outcomes, permission denials, credential changes,
// token events, and exhausted quotas. The store exposes append and query
// only; rows are never updated, and deletion happens solely through the
// retention sweeper.
package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Actions recorded in the audit stream.
const (
	ActionLogin            = "login"
	ActionLoginFailed      = "login_failed"
	ActionLogout           = "logout"
	ActionTokenRefresh     = "token_refresh"
	ActionTokenRevoke      = "token_revoke"
	ActionAPIKeyUsed       = "api_key_used"
	ActionAPIKeyRejected   = "api_key_rejected"
	ActionPermissionDenied = "permission_denied"
	ActionQuotaExceeded    = "quota_exceeded"
	ActionWebhookRejected  = "webhook_rejected"
	ActionConnectionChange = "connection_change"
	ActionAccountLocked    = "account_locked"
)

// Entry is one audit log line.
type Entry struct {
	ID             string `gorm:"primaryKey;size:36"`
	Action         string `gorm:"size:100;index"`
	ActorID        string `gorm:"size:36;index"`
	ActorEmail     string `gorm:"size:255"`
	OrganizationID string `gorm:"size:36;index"`
	Resource       string `gorm:"size:100"`
	ResourceID     string `gorm:"size:36"`
	IPAddress      string `gorm:"size:64"`
	UserAgent      string `gorm:"size:512"`
	Success        bool
	Message        string
	Details        map[string]interface{} `gorm:"serializer:json"`
	CreatedAt      time.Time              `gorm:"index"`
}

// TableName keeps the table name stable.
func (Entry) TableName() string { return "audit_logs" }

// SearchCriteria filters audit queries.
type SearchCriteria struct {
	OrganizationID string
	ActorID        string
	Action         string
	Success        *bool
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Store persists audit entries.
type Store struct {
	db *gorm.DB
}

// NewStore creates an audit store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append writes one entry. The ID and timestamp are assigned here so
// callers only describe the event.
func (s *Store) Append(entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.db.Create(entry).Error
}

// Query returns entries matching the criteria, newest first.
func (s *Store) Query(criteria SearchCriteria) ([]Entry, error) {
	q := s.db.Model(&Entry{})
	if criteria.OrganizationID != "" {
		q = q.Where("organization_id = ?", criteria.OrganizationID)
	}
	if criteria.ActorID != "" {
		q = q.Where("actor_id = ?", criteria.ActorID)
	}
	if criteria.Action != "" {
		q = q.Where("action = ?", criteria.Action)
	}
	if criteria.Success != nil {
		q = q.Where("success = ?", *criteria.Success)
	}
	if criteria.Since != nil {
		q = q.Where("created_at >= ?", *criteria.Since)
	}
	if criteria.Until != nil {
		q = q.Where("created_at <= ?", *criteria.Until)
	}
	if criteria.Limit > 0 {
		q = q.Limit(criteria.Limit)
	}
	if criteria.Offset > 0 {
		q = q.Offset(criteria.Offset)
	}

	var entries []Entry
	err := q.Order("created_at DESC").Find(&entries).Error
	return entries, err
}

// Sweep deletes entries older than the retention window. This is the only
// path that removes audit rows.
func (s *Store) Sweep(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Recorder is the narrow interface consumed by packages that emit audit
// events without depending on the store.
type Recorder interface {
	Append(entry *Entry) error
}
