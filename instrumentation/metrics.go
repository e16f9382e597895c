package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization Flow Metrics
	AuthorizationOutcomes metric.Int64Counter
	CodesIssued           metric.Int64Counter
	CodesExchanged        metric.Int64Counter
	DeviceCodesCreated    metric.Int64Counter
	DeviceCodesResolved   metric.Int64Counter
	DevicePolls           metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokensRevoked         metric.Int64Counter
	ClientsRegistered     metric.Int64Counter

	// Grant Metrics
	GrantChanges   metric.Int64Counter
	InviteAccepts  metric.Int64Counter
	InvitesCreated metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClients           metric.Int64ObservableGauge
	StorageGrants            metric.Int64ObservableGauge
	StorageFlows             metric.Int64ObservableGauge
	StorageDeviceCodes       metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageInvites           metric.Int64ObservableGauge
	StorageRevocations       metric.Int64ObservableGauge
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

type gaugeSpec struct {
	dst  *metric.Int64ObservableGauge
	name string
	desc string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationOutcomes, serverMeter, "oauth.authorization.outcomes", "Authorization requests by outcome", "{request}"},
		{&m.CodesIssued, serverMeter, "oauth.code.issued", "Authorization codes issued", "{code}"},
		{&m.CodesExchanged, serverMeter, "oauth.code.exchanged", "Authorization code exchange attempts", "{exchange}"},
		{&m.DeviceCodesCreated, serverMeter, "oauth.device_code.created", "Device authorizations started", "{code}"},
		{&m.DeviceCodesResolved, serverMeter, "oauth.device_code.resolved", "Device authorizations approved or denied", "{code}"},
		{&m.DevicePolls, serverMeter, "oauth.device_code.polls", "Device token polls by outcome", "{poll}"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Token responses issued", "{token}"},
		{&m.TokensRevoked, serverMeter, "oauth.token.revoked", "Tokens revoked", "{token}"},
		{&m.ClientsRegistered, serverMeter, "oauth.client.registered", "Ad-hoc clients registered", "{client}"},
		{&m.GrantChanges, serverMeter, "oauth.grant.changes", "Grant lifecycle changes", "{grant}"},
		{&m.InviteAccepts, serverMeter, "oauth.invite.accepts", "Invite acceptance attempts", "{accept}"},
		{&m.InvitesCreated, serverMeter, "oauth.invite.created", "Invites created", "{invite}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.security.rate_limit_exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.security.pkce_failed", "PKCE verifications that failed", "{attempt}"},
		{&m.RefreshReuseDetected, securityMeter, "oauth.security.refresh_reuse", "Rotated refresh tokens presented again", "{attempt}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events", "Security audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operations", "Storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageClients, "oauth.storage.clients", "Number of stored clients"},
		{&m.StorageGrants, "oauth.storage.grants", "Number of stored grants"},
		{&m.StorageFlows, "oauth.storage.flows", "Pending authorization codes and consent requests"},
		{&m.StorageDeviceCodes, "oauth.storage.device_codes", "Number of stored device codes"},
		{&m.StorageRefreshTokens, "oauth.storage.refresh_tokens", "Number of stored refresh tokens"},
		{&m.StorageInvites, "oauth.storage.invites", "Number of stored invites"},
		{&m.StorageRevocations, "oauth.storage.revocations", "Number of revoked token identifiers"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationOutcome records how an /authorize request was resolved
// (login_required, approved, consent_required, denied).
func (m *Metrics) RecordAuthorizationOutcome(ctx context.Context, clientID, outcome string) {
	m.AuthorizationOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string, silent bool) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("silent", silent),
	))
}

// RecordCodeExchange records an authorization code exchange attempt
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, success bool) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordDeviceCodeCreated records a started device authorization
func (m *Metrics) RecordDeviceCodeCreated(ctx context.Context, clientID string) {
	m.DeviceCodesCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDeviceCodeResolved records a user decision on a device code
func (m *Metrics) RecordDeviceCodeResolved(ctx context.Context, decision string) {
	m.DeviceCodesResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
	))
}

// RecordDevicePoll records the outcome of a device token poll
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordTokenIssued records a successful token response
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string, count int) {
	m.TokensRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordClientRegistration records an ad-hoc client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	m.ClientsRegistered.Add(ctx, 1)
}

// RecordGrantChange records a grant lifecycle change
func (m *Metrics) RecordGrantChange(ctx context.Context, kind, action string) {
	m.GrantChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("action", action),
	))
}

// RecordInviteCreated records a created invite
func (m *Metrics) RecordInviteCreated(ctx context.Context) {
	m.InvitesCreated.Add(ctx, 1)
}

// RecordInviteAccept records an invite acceptance attempt
func (m *Metrics) RecordInviteAccept(ctx context.Context, result string) {
	m.InviteAccepts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a rotated refresh token presented again
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context, policy string) {
	m.RefreshReuseDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
