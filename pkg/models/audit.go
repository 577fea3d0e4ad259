package models

import "time"

// AuditEntry is the persisted form of a Decision.
type AuditEntry struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	TokenID        string    `json:"token_id,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ClientIP       string    `json:"client_ip"`
}

// EntryFromDecision converts a decision for storage.
func EntryFromDecision(d *Decision) *AuditEntry {
	return &AuditEntry{
		RequestID:      d.RequestID,
		Timestamp:      d.Timestamp,
		TokenID:        d.TokenID,
		Owner:          d.Owner,
		Method:         d.Method,
		Path:           d.Path,
		Allowed:        d.Allowed,
		Reason:         string(d.Reason),
		ResponseCode:   d.Status,
		ResponseTimeMs: d.Duration.Milliseconds(),
		ClientIP:       d.ClientIP,
	}
}
