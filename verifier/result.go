package verifier

import (
	"strings"
	"time"
)

type Status string

const (
	StatusValid   Status = "VALID"
	StatusInvalid Status = "INVALID"
	StatusRisky   Status = "RISKY"
	StatusUnknown Status = "UNKNOWN"
)

// Reasons other packages match on.
const (
	ReasonTimeout       = "timeout"
	ReasonQuotaExceeded = "quota exceeded"
	ReasonNoProxy       = "smtp check skipped: no proxy available"
)

// Result is the outcome of verifying one address. Nil flags belong to layers
// that did not run, or, for SMTPValid, a probe that could not decide.
type Result struct {
	Address string `json:"email"`
	Status  Status `json:"status"`
	Score   int    `json:"score"`

	SyntaxValid    *bool `json:"syntax_valid"`
	HasValidTLD    *bool `json:"has_valid_tld"`
	IsGibberish    *bool `json:"is_gibberish"`
	IsDisposable   *bool `json:"is_disposable"`
	IsRoleAccount  *bool `json:"is_role_account"`
	IsFreeProvider *bool `json:"is_free_provider"`
	DNSValid       *bool `json:"dns_valid"`
	MXValid        *bool `json:"mx_valid"`
	SPFValid       *bool `json:"spf_valid"`
	DMARCValid     *bool `json:"dmarc_valid"`
	SMTPValid      *bool `json:"smtp_valid"`

	MXRecords  []string  `json:"mx_records,omitempty"`
	Reason     string    `json:"reason"`
	Suggestion string    `json:"suggestion,omitempty"`
	SMTPCode   int       `json:"smtp_code,omitempty"`
	Whois      string    `json:"whois,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// LocalPart is the part of the address before the last @.
func (r *Result) LocalPart() string {
	local, _ := SplitAddress(r.Address)
	return local
}

// Domain is the part of the address after the last @.
func (r *Result) Domain() string {
	_, domain := SplitAddress(r.Address)
	return domain
}

// SplitAddress splits at the last @. Either side may be empty.
func SplitAddress(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// Normalize trims and lower-cases a candidate address.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NewUnknown builds the result recorded when verification could not finish
// (timeout, crash, infrastructure failure).
func NewUnknown(addr, reason string, at time.Time) *Result {
	return &Result{
		Address:   Normalize(addr),
		Status:    StatusUnknown,
		Reason:    reason,
		CheckedAt: at,
	}
}
