package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// DeviceCodeStore Implementation
// ============================================================

// SaveDeviceCode stores a new device authorization
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) (err error) {
	_, done := s.observe(ctx, "save_device_code")
	defer func() { done(err) }()

	if code == nil {
		return fmt.Errorf("device code cannot be nil")
	}
	if code.DeviceCodeHash == "" || code.UserCode == "" {
		return fmt.Errorf("device code hash and user code are required")
	}

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	if hash, taken := s.userCodes[code.UserCode]; taken {
		existing := s.deviceCodes[hash]
		if time.Now().Before(existing.ExpiresAt) {
			return storage.ErrUserCodeCollision
		}
		s.removeDeviceCodeLocked(hash, existing)
	}
	if _, exists := s.deviceCodes[code.DeviceCodeHash]; exists {
		return fmt.Errorf("device code already exists")
	}

	s.deviceCodes[code.DeviceCodeHash] = cloneDeviceCode(code)
	s.userCodes[code.UserCode] = code.DeviceCodeHash
	s.deviceCodesCount.Add(1)
	return nil
}

// removeDeviceCodeLocked must be called with deviceMu held.
func (s *Store) removeDeviceCodeLocked(hash string, dc *storage.DeviceCode) {
	delete(s.deviceCodes, hash)
	if s.userCodes[dc.UserCode] == hash {
		delete(s.userCodes, dc.UserCode)
	}
	s.deviceCodesCount.Add(-1)
}

// GetDeviceCodeByUserCode looks up a device authorization by its normalized user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (code *storage.DeviceCode, err error) {
	_, done := s.observe(ctx, "get_device_code")
	defer func() { done(err) }()

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	hash, ok := s.userCodes[userCode]
	if !ok {
		return nil, fmt.Errorf("%w: user code", storage.ErrDeviceCodeNotFound)
	}
	return cloneDeviceCode(s.deviceCodes[hash]), nil
}

// ResolveDeviceCode approves or denies a pending device authorization
func (s *Store) ResolveDeviceCode(ctx context.Context, userCode string, status storage.DeviceCodeStatus, subjectID string, limitTo24Hours bool, now time.Time) (code *storage.DeviceCode, err error) {
	_, done := s.observe(ctx, "resolve_device_code")
	defer func() { done(err) }()

	if status != storage.DeviceCodeApproved && status != storage.DeviceCodeDenied {
		return nil, fmt.Errorf("invalid device code resolution %q", status)
	}

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	hash, ok := s.userCodes[userCode]
	if !ok {
		return nil, fmt.Errorf("%w: user code", storage.ErrDeviceCodeNotFound)
	}
	dc := s.deviceCodes[hash]
	if dc.Status != storage.DeviceCodePending {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotPending, dc.Status)
	}
	if !now.Before(dc.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	dc.Status = status
	dc.SubjectID = subjectID
	dc.LimitTo24Hours = limitTo24Hours
	return cloneDeviceCode(dc), nil
}

// PollDeviceCode records a token request for a device code
func (s *Store) PollDeviceCode(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (poll *storage.DevicePoll, err error) {
	_, done := s.observe(ctx, "poll_device_code")
	defer func() { done(err) }()

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	dc, ok := s.deviceCodes[deviceCodeHash]
	if !ok || dc.ClientID != clientID {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotFound, util.SafeTruncate(deviceCodeHash, tokenIDLogLength))
	}

	poll = &storage.DevicePoll{}
	if now.Before(dc.ExpiresAt) {
		switch dc.Status {
		case storage.DeviceCodePending:
			if !dc.LastPolledAt.IsZero() && now.Sub(dc.LastPolledAt) < time.Duration(dc.Interval)*time.Second {
				poll.SlowDown = true
				dc.Interval += storage.SlowDownIncrement
			}
			dc.LastPolledAt = now
		case storage.DeviceCodeApproved:
			dc.Status = storage.DeviceCodeConsumed
			dc.LastPolledAt = now
			poll.Redeemed = true
		}
	}
	poll.Code = cloneDeviceCode(dc)
	return poll, nil
}
