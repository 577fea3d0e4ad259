package models

import (
	"net/http"
	"time"
)

// Reason is the outcome code of one authorization decision.
type Reason string

const (
	ReasonAllowed           Reason = "allowed"
	ReasonUnknownEndpoint   Reason = "unknown-endpoint"
	ReasonMethodNotAllowed  Reason = "method-not-allowed"
	ReasonMissingCredential Reason = "missing-credential"
	ReasonInvalidToken      Reason = "invalid-or-inactive-token"
	ReasonMissingScope      Reason = "missing-scope"
)

// Reasons lists every reason in pipeline stage order.
var Reasons = []Reason{
	ReasonUnknownEndpoint,
	ReasonMethodNotAllowed,
	ReasonMissingCredential,
	ReasonInvalidToken,
	ReasonMissingScope,
	ReasonAllowed,
}

// Status returns the wire status for a denial reason. Allowed returns 0:
// the status is whatever the downstream handler writes.
func (r Reason) Status() int {
	switch r {
	case ReasonUnknownEndpoint, ReasonInvalidToken, ReasonMissingScope:
		return http.StatusForbidden
	case ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ReasonMissingCredential:
		return http.StatusUnauthorized
	case ReasonAllowed:
		return 0
	}
	return http.StatusForbidden
}

// Message is the client-facing text for a denial. It names the category
// only.
func (r Reason) Message() string {
	switch r {
	case ReasonUnknownEndpoint:
		return "no authorization rule for this endpoint"
	case ReasonMethodNotAllowed:
		return "method not allowed for this endpoint"
	case ReasonMissingCredential:
		return "missing or malformed bearer credential"
	case ReasonInvalidToken:
		return "invalid or inactive token"
	case ReasonMissingScope:
		return "token lacks the required scope"
	}
	return string(r)
}

// Decision is the pipeline output for one request.
type Decision struct {
	Allowed       bool
	Reason        Reason
	Status        int
	RequiredScope string
	Owner         string
	TokenID       string
	Method        string
	Path          string
	RequestID     string
	ClientIP      string
	Timestamp     time.Time
	Duration      time.Duration
}
