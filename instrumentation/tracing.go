package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, device codes, invite tokens) in traces
// or metrics. Only record metadata such as grant types, family IDs and
// validation results.
const (
	// OAuth flow attributes
	AttrClientID        = "oauth.client_id"
	AttrSubjectID       = "oauth.subject_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrGrantID         = "oauth.grant.id"
	AttrGrantKind       = "oauth.grant.kind"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // family identifier, not a token
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // generation number
	AttrTokenReuse      = "oauth.token.reuse"      //nolint:gosec // whether reuse was detected
	AttrTokenType       = "oauth.token_type"       //nolint:gosec // token type hint, not the token
	AttrAuthorizeResult = "oauth.authorize.outcome"
	AttrDevicePoll      = "oauth.device.poll_outcome"
	AttrError           = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, subjectID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddGrantAttributes adds grant attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, grantID, kind string) {
	if grantID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrGrantID, grantID),
			attribute.String(AttrGrantKind, kind),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: check ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
