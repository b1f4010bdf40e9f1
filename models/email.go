package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailValidation is one cached validation verdict. Rows are inserted, never
// updated; a later validation of the same address supersedes the row.
type EmailValidation struct {
	ID     uint   `gorm:"primarykey" json:"id"`
	Email  string `gorm:"not null;index:idx_email_validations_lookup,priority:1" json:"email"`
	UserID uint   `gorm:"index" json:"user_id"`

	Status      string   `gorm:"not null" json:"status"` // unknown, valid, invalid, risky
	FormatValid bool     `gorm:"default:false" json:"format_valid"`
	DNSValid    bool     `gorm:"column:dns_valid;default:false" json:"dns_valid"`
	SMTPValid   bool     `gorm:"column:smtp_valid;default:false" json:"smtp_valid"`
	SMTPCode    int      `gorm:"column:smtp_code;default:0" json:"smtp_code"`
	Disposable  bool     `gorm:"column:is_disposable;default:false" json:"is_disposable"`
	RoleBased   bool     `gorm:"column:is_role_based;default:false" json:"is_role_based"`
	CatchAll    bool     `gorm:"column:is_catch_all;default:false" json:"is_catch_all"`
	RiskScore   int      `gorm:"default:0" json:"risk_score"`
	MXHosts     []string `gorm:"column:mx_hosts;serializer:json" json:"mx_hosts"`
	Details     []string `gorm:"serializer:json" json:"details"`

	ValidatedAt time.Time `gorm:"not null" json:"validated_at"`
	ExpiresAt   time.Time `gorm:"not null;index:idx_email_validations_lookup,priority:2" json:"expires_at"`
}

// Bulk job states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// BulkJob tracks one batch validation run. Counters are monotonic and only
// the bulk coordinator mutates them.
type BulkJob struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string     `json:"name"`
	Status      string     `gorm:"default:'pending'" json:"status"` // pending, processing, completed, failed
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	LastError   string     `json:"last_error,omitempty"`

	TotalEmails     int `gorm:"default:0" json:"total_emails"`
	ProcessedEmails int `gorm:"default:0" json:"processed_emails"`
	ValidEmails     int `gorm:"default:0" json:"valid_emails"`
	InvalidEmails   int `gorm:"default:0" json:"invalid_emails"`

	// Relations
	Items []BulkJobItem `gorm:"foreignKey:BulkJobID" json:"items,omitempty"`
}

// Terminal reports whether the job reached completed or failed.
func (j *BulkJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// BulkJobItem stores the outcome of one address in a bulk job.
type BulkJobItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	BulkJobID uint      `gorm:"not null;index" json:"bulk_job_id"`
	Position  int       `gorm:"not null" json:"position"`
	Email     string    `gorm:"not null" json:"email"`
	Status    string    `gorm:"not null" json:"status"`
	RiskScore int       `gorm:"default:0" json:"risk_score"`
	Cached    bool      `gorm:"default:false" json:"cached"`
	CreatedAt time.Time `json:"created_at"`
}
