package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// DeviceCodeStore Implementation
// ============================================================

// SaveDeviceCode stores a new pending device code. The record outlives its
// expiry by expiredDeviceCodeRetention so late polls see expired_token.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCodeHash == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}

	now := time.Now()
	ttl := code.ExpiresAt.Add(expiredDeviceCodeRetention).Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("device code already expired")
	}

	data, err := marshal(toDeviceCodeJSON(code))
	if err != nil {
		return err
	}

	result, err := s.eval(ctx, luaSaveDeviceCode,
		[]string{s.userCodeKey(code.UserCode), s.deviceKey(code.DeviceCodeHash)},
		data,
		code.DeviceCodeHash,
		millisArg(now),
		strconv.FormatInt(ttl.Milliseconds(), 10),
		s.prefix+"device:",
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save device code: %w", err)
	}

	switch result {
	case "OK":
		s.logger.Debug("Saved device code",
			"client_id", code.ClientID,
			"device_code_prefix", util.SafeTruncate(code.DeviceCodeHash, tokenIDLogLength))
		return nil
	case "COLLISION":
		return storage.ErrUserCodeCollision
	default:
		return fmt.Errorf("device code already exists")
	}
}

// GetDeviceCodeByUserCode looks a device code up by its normalized user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	notFound := fmt.Errorf("%w: user code", storage.ErrDeviceCodeNotFound)

	hash, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get user code: %w", err)
	}
	return getAndUnmarshal(ctx, s, s.deviceKey(hash), notFound, fromDeviceCodeJSON)
}

// ResolveDeviceCode approves or denies a pending device code
func (s *Store) ResolveDeviceCode(ctx context.Context, userCode string, status storage.DeviceCodeStatus, subjectID string, limitTo24Hours bool, now time.Time) (*storage.DeviceCode, error) {
	if status != storage.DeviceCodeApproved && status != storage.DeviceCodeDenied {
		return nil, fmt.Errorf("invalid device code resolution %q", status)
	}

	limit := "0"
	if limitTo24Hours {
		limit = "1"
	}

	result, err := s.eval(ctx, luaResolveDeviceCode,
		[]string{s.userCodeKey(userCode)},
		s.prefix+"device:", string(status), subjectID, limit, millisArg(now),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: user code", storage.ErrDeviceCodeNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: device code", storage.ErrTokenExpired)
	case strings.HasPrefix(result, "NOT_PENDING:"):
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotPending, strings.TrimPrefix(result, "NOT_PENDING:"))
	case strings.HasPrefix(result, "OK:"):
		return decode(strings.TrimPrefix(result, "OK:"), fromDeviceCodeJSON)
	default:
		return nil, fmt.Errorf("unexpected script reply %q", result)
	}
}

// PollDeviceCode records a poll and redeems approved codes exactly once
func (s *Store) PollDeviceCode(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (*storage.DevicePoll, error) {
	result, err := s.eval(ctx, luaPollDeviceCode,
		[]string{s.deviceKey(deviceCodeHash)},
		clientID, millisArg(now), strconv.Itoa(storage.SlowDownIncrement),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to poll device code: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotFound, util.SafeTruncate(deviceCodeHash, tokenIDLogLength))
	}

	outcome, data, ok := strings.Cut(result, ":")
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %q", result)
	}

	var j deviceCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device code: %w", err)
	}

	return &storage.DevicePoll{
		Code:     fromDeviceCodeJSON(&j),
		SlowDown: outcome == "SLOW_DOWN",
		Redeemed: outcome == "REDEEMED",
	}, nil
}
