package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/storage"
)

const (
	// tokenIDLogLength is the number of characters of a secret or its hash
	// that may appear in logs.
	tokenIDLogLength = 8

	// expiredDeviceCodeRetention keeps expired device codes around long
	// enough that late polls get expired_token instead of invalid_grant.
	expiredDeviceCodeRetention = 10 * time.Minute
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	clientsMu sync.RWMutex
	clients   map[string]*storage.Client // client_id -> client

	grantsMu     sync.RWMutex
	grants       map[string]*storage.Grant // id -> grant
	clientGrants map[string]string         // client_id + subject -> grant id

	// Single-use flow records
	authCodes    sync.Map // code -> *storage.AuthorizationCode
	authRequests sync.Map // id -> *storage.AuthorizationRequest

	deviceMu    sync.Mutex
	deviceCodes map[string]*storage.DeviceCode // device code hash -> record
	userCodes   map[string]string              // user code -> device code hash

	refreshMu      sync.Mutex
	refreshTokens  map[string]*storage.RefreshToken // token hash -> record
	familyIndex    map[string]map[string]struct{}   // family id -> token hashes
	grantRefreshes map[string]map[string]struct{}   // grant id -> token hashes

	invitesMu    sync.RWMutex
	invites      map[string]*storage.Invite // id -> invite
	inviteTokens map[string]string          // token hash -> id

	revokedMu sync.RWMutex
	revoked   map[string]time.Time // jti -> until

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Counters read by the storage gauges without taking any lock
	clientsCount     atomic.Int64
	grantsCount      atomic.Int64
	flowsCount       atomic.Int64
	deviceCodesCount atomic.Int64
	refreshCount     atomic.Int64
	invitesCount     atomic.Int64
	revokedCount     atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.GrantStore        = (*Store)(nil)
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.DeviceCodeStore   = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.InviteStore       = (*Store)(nil)
	_ storage.RevocationStore   = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.Grant),
		clientGrants:    make(map[string]string),
		deviceCodes:     make(map[string]*storage.DeviceCode),
		userCodes:       make(map[string]string),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		familyIndex:     make(map[string]map[string]struct{}),
		grantRefreshes:  make(map[string]map[string]struct{}),
		invites:         make(map[string]*storage.Invite),
		inviteTokens:    make(map[string]string),
		revoked:         make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger. Call before the store is shared.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the storage size gauges. Call before the store is shared.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Clients:       s.clientsCount.Load,
		Grants:        s.grantsCount.Load,
		Flows:         s.flowsCount.Load,
		DeviceCodes:   s.deviceCodesCount.Load,
		RefreshTokens: s.refreshCount.Load,
		Invites:       s.invitesCount.Load,
		Revocations:   s.revokedCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup drops records that can no longer be used. Rotated refresh tokens
// stay until they expire so reuse can still be detected.
func (s *Store) cleanup(now time.Time) {
	cleaned := 0

	s.authCodes.Range(func(key, value any) bool {
		if !now.Before(value.(*storage.AuthorizationCode).ExpiresAt) {
			if _, ok := s.authCodes.LoadAndDelete(key); ok {
				s.flowsCount.Add(-1)
				cleaned++
			}
		}
		return true
	})
	s.authRequests.Range(func(key, value any) bool {
		if !now.Before(value.(*storage.AuthorizationRequest).ExpiresAt) {
			if _, ok := s.authRequests.LoadAndDelete(key); ok {
				s.flowsCount.Add(-1)
				cleaned++
			}
		}
		return true
	})

	s.deviceMu.Lock()
	for hash, dc := range s.deviceCodes {
		if now.After(dc.ExpiresAt.Add(expiredDeviceCodeRetention)) {
			s.removeDeviceCodeLocked(hash, dc)
			cleaned++
		}
	}
	s.deviceMu.Unlock()

	s.refreshMu.Lock()
	for hash, rt := range s.refreshTokens {
		if !now.Before(rt.ExpiresAt) {
			s.removeRefreshTokenLocked(hash, rt)
			cleaned++
		}
	}
	s.refreshMu.Unlock()

	s.revokedMu.Lock()
	for jti, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, jti)
			s.revokedCount.Add(-1)
			cleaned++
		}
	}
	s.revokedMu.Unlock()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}

// observe wraps a storage operation in a span and records its outcome.
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, operation)
	return ctx, func(err error) {
		s.recordStorageOperation(ctx, span, operation, err, start)
	}
}
