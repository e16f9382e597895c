// Package security provides the security plumbing of the authorization server:
// audit logging, rate limiting, secret generation and hashing, client IP
// extraction, request IDs and secure response headers.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/nocturne/nocturne-auth/instrumentation"
)

// Auditor writes security events as "security_audit" log records. Subject
// identifiers and refresh token family IDs are hashed before they reach the
// log. A nil or disabled Auditor drops every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	inst    *instrumentation.Instrumentation
}

func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetInstrumentation makes the auditor count events in oauth.audit.events.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.inst = inst
}

// Event is one audit record. Type is one of the Event* constants.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []slog.Attr{
		slog.String("event_type", event.Type),
		slog.String("subject_hash", hashForLogging(event.SubjectID)),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}
	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "security_audit", attrs...)

	if a.inst != nil {
		a.inst.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}
}

func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// LogTokenRevoked records count tokens of tokenType being revoked together.
func (a *Auditor) LogTokenRevoked(subjectID, clientID, ipAddress, tokenType string, count int) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType, "count": count},
	})
}

// LogRefreshTokenReuse records a rotated refresh token being replayed and
// what the reuse policy did about it.
func (a *Auditor) LogRefreshTokenReuse(subjectID, clientID, ipAddress, familyID, policy string, revoked int) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":      hashForLogging(familyID),
			"policy":         policy,
			"tokens_revoked": revoked,
		},
	})
}

func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

func (a *Auditor) LogRateLimitExceeded(ipAddress, limiter string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"limiter": limiter},
	})
}

// LogClientRegistered records an ad-hoc client created on first authorize.
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{Type: EventClientRegistered, ClientID: clientID, IPAddress: ipAddress})
}

func (a *Auditor) LogGrantChange(eventType, ownerSubjectID, grantID, kind string) {
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: ownerSubjectID,
		Details:   map[string]any{"grant_id": grantID, "kind": kind},
	})
}

// hashForLogging returns a 16 hex character SHA-256 prefix of s, enough to
// correlate records without revealing the value.
func hashForLogging(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
