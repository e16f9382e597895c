// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:           true,
//		ServiceName:       "nocturne-auth",
//		ServiceVersion:    "1.0.0",
//		PrometheusEnabled: true,
//		OTLPEndpoint:      "otel-collector:4318",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	http.Handle("/metrics", inst.MetricsHandler())
//
// Metrics go through an OTel SDK meter provider with a Prometheus reader
// backed by its own prometheus.Registry; traces are exported over OTLP/HTTP.
// Either signal falls back to a no-op provider when not configured.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint} (ms)
//
// Flows:
//   - oauth.authorization.outcomes{client_id, outcome}
//   - oauth.code.issued{client_id, silent}
//   - oauth.code.exchanged{client_id, success}
//   - oauth.device_code.created{client_id}
//   - oauth.device_code.resolved{decision}
//   - oauth.device_code.polls{outcome}
//   - oauth.token.issued{client_id, grant_type}
//   - oauth.token.revoked{token_type}
//   - oauth.client.registered
//   - oauth.grant.changes{kind, action}
//   - oauth.invite.created, oauth.invite.accepts{result}
//
// Security:
//   - oauth.security.rate_limit_exceeded{limiter_type}
//   - oauth.security.pkce_failed
//   - oauth.security.refresh_reuse{policy}
//   - oauth.audit.events{event_type}
//
// Storage:
//   - oauth.storage.operations{operation, result}
//   - oauth.storage.operation.duration{operation} (ms)
//   - oauth.storage.{clients,grants,flows,device_codes,refresh_tokens,invites,revocations} gauges
//
// # Cardinality
//
// client_id labels are bounded by the number of clients, which for ad-hoc
// registration is attacker-influenced. Client creation is rate limited per IP;
// deployments with many clients should aggregate client_id away in recording
// rules. Subject identifiers are never used as metric labels.
//
// # Security Considerations
//
// NEVER record token values, authorization codes, device codes, invite tokens
// or PKCE verifiers in spans or metrics. Client IPs are only recorded when
// Config.LogClientIPs is set.
package instrumentation
