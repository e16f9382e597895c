package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"authorize redirect", "GET", "authorize", 302, 3.2},
		{"token success", "POST", "token", 200, 23.5},
		{"token pending", "POST", "token", 400, 1.7},
		{"server error", "POST", "grants", 500, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_RecordFlowEvents(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()

	m.RecordAuthorizationOutcome(ctx, "demo-cli", "consent_required")
	m.RecordCodeIssued(ctx, "demo-cli", false)
	m.RecordCodeExchange(ctx, "demo-cli", true)
	m.RecordDeviceCodeCreated(ctx, "pump-uploader")
	m.RecordDeviceCodeResolved(ctx, "approved")
	m.RecordDevicePoll(ctx, "slow_down")
	m.RecordTokenIssued(ctx, "demo-cli", "refresh_token")
	m.RecordTokenRevocation(ctx, "refresh_token", 3)
	m.RecordClientRegistration(ctx)
	m.RecordGrantChange(ctx, "follower", "created")
	m.RecordInviteCreated(ctx)
	m.RecordInviteAccept(ctx, "exhausted")
}

func TestMetrics_RecordSecurityEvents(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()

	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordPKCEValidationFailed(ctx)
	m.RecordRefreshReuseDetected(ctx, "revoke_family")
	m.RecordAuditEvent(ctx, "token_issued")
	m.RecordStorageOperation(ctx, "consume_authorization_code", "success", 0.4)
}
