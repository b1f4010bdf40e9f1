package validator

import (
	"fmt"
	"time"

	"mailvet/models"
)

// Status is the terminal classification of a validation.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusRisky   Status = "risky"
)

// Result is one verdict for one address at one point in time.
type Result struct {
	Email       string    `json:"email"`
	Status      Status    `json:"status"`
	FormatValid bool      `json:"format_valid"`
	DNSValid    bool      `json:"dns_valid"`
	SMTPValid   bool      `json:"smtp_valid"`
	Disposable  bool      `json:"is_disposable"`
	RoleBased   bool      `json:"is_role_based"`
	CatchAll    bool      `json:"is_catch_all"`
	RiskScore   int       `json:"risk_score"`
	Details     []string  `json:"details"`
	MXHosts     []string  `json:"mx_hosts,omitempty"`
	SMTPCode    int       `json:"smtp_code,omitempty"`
	Cached      bool      `json:"cached"`
	ValidatedAt time.Time `json:"validated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newResult(email string, now time.Time) *Result {
	return &Result{
		Email:       email,
		Status:      StatusUnknown,
		Details:     []string{},
		ValidatedAt: now,
	}
}

// addDetail appends a human readable reason.
func (r *Result) addDetail(format string, args ...interface{}) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// addRisk raises the score; it never lowers it and never exceeds 100.
func (r *Result) addRisk(points int) {
	if points <= 0 {
		return
	}
	r.RiskScore += points
	if r.RiskScore > MaxRiskScore {
		r.RiskScore = MaxRiskScore
	}
}

// Row converts the result into a cache row owned by userID.
func (r *Result) Row(userID uint) *models.EmailValidation {
	return &models.EmailValidation{
		Email:       r.Email,
		UserID:      userID,
		Status:      string(r.Status),
		FormatValid: r.FormatValid,
		DNSValid:    r.DNSValid,
		SMTPValid:   r.SMTPValid,
		SMTPCode:    r.SMTPCode,
		Disposable:  r.Disposable,
		RoleBased:   r.RoleBased,
		CatchAll:    r.CatchAll,
		RiskScore:   r.RiskScore,
		MXHosts:     append([]string(nil), r.MXHosts...),
		Details:     append([]string{}, r.Details...),
		ValidatedAt: r.ValidatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// FromRow rebuilds a result from a cache row. Cached is left false; the
// cache sets it.
func FromRow(row *models.EmailValidation) *Result {
	details := append([]string{}, row.Details...)
	return &Result{
		Email:       row.Email,
		Status:      Status(row.Status),
		FormatValid: row.FormatValid,
		DNSValid:    row.DNSValid,
		SMTPValid:   row.SMTPValid,
		SMTPCode:    row.SMTPCode,
		Disposable:  row.Disposable,
		RoleBased:   row.RoleBased,
		CatchAll:    row.CatchAll,
		RiskScore:   row.RiskScore,
		MXHosts:     append([]string(nil), row.MXHosts...),
		Details:     details,
		ValidatedAt: row.ValidatedAt,
		ExpiresAt:   row.ExpiresAt,
	}
}
