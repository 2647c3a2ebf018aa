// Package audit records sign and verify calls to the database and the
// standard logger.
//
// [Auditor] implements keyauth.Recorder, so a Signer or Verifier configured
// with one writes an audit_logs row for every call.
package audit

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/database"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"gorm.io/gorm"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	EventType    string
	Account      string
	Identities   int
	Fingerprints []string
	Success      bool
	Reason       string
	Details      string
}

// Auditor writes and queries audit logs.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor that writes to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event to the database and standard logger.
func (a *Auditor) Log(entry Entry) error {
	a.mu.RLock()
	now := a.nowFn()
	a.mu.RUnlock()

	record := database.AuditLog{
		EventType:    entry.EventType,
		Account:      entry.Account,
		Identities:   entry.Identities,
		Fingerprints: strings.Join(entry.Fingerprints, ","),
		Success:      entry.Success,
		Reason:       entry.Reason,
		Details:      entry.Details,
		CreatedAt:    now,
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s account=%s identities=%d success=%t reason=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Account),
		entry.Identities,
		entry.Success,
		entry.Reason,
	)
	return nil
}

// Record implements keyauth.Recorder. Write failures are logged only.
func (a *Auditor) Record(ev keyauth.Event) {
	a.Log(Entry{
		EventType:    string(ev.Kind),
		Account:      ev.Account,
		Identities:   ev.Identities,
		Fingerprints: ev.Fingerprints,
		Success:      ev.Success,
		Reason:       ev.Reason,
		Details:      ev.Details,
	})
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	EventType string
	Account   string
	Success   *bool
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Account != "" {
		tx = tx.Where("account = ?", opts.Account)
	}
	if opts.Success != nil {
		tx = tx.Where("success = ?", *opts.Success)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or than the retention
// period when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	a.mu.RLock()
	cutoff := a.nowFn().AddDate(0, 0, -days)
	a.mu.RUnlock()

	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowFn = fn
}
