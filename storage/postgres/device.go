package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

const deviceColumns = `device_code_hash, user_code, client_id, scopes, status, subject_id, limit_to_24_hours, interval_seconds, last_polled_at, created_at, expires_at`

func scanDeviceCode(row scanner) (*storage.DeviceCode, error) {
	var (
		d          storage.DeviceCode
		status     string
		lastPolled sql.NullTime
	)
	if err := row.Scan(&d.DeviceCodeHash, &d.UserCode, &d.ClientID, pq.Array(&d.Scopes), &status,
		&d.SubjectID, &d.LimitTo24Hours, &d.Interval, &lastPolled, &d.CreatedAt, &d.ExpiresAt); err != nil {
		return nil, err
	}
	d.Scopes = nonNil(d.Scopes)
	d.Status = storage.DeviceCodeStatus(status)
	d.LastPolledAt = timeOf(lastPolled)
	return &d, nil
}

// SaveDeviceCode stores a new pending device code. An expired holder of the
// same user code is removed first; a live one is a collision.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCodeHash == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM oauth_device_codes WHERE user_code = $1 AND expires_at <= $2`,
			code.UserCode, s.now()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO oauth_device_codes (`+deviceColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			code.DeviceCodeHash, code.UserCode, code.ClientID, stringArray(code.Scopes), string(code.Status),
			code.SubjectID, code.LimitTo24Hours, code.Interval, nullTime(code.LastPolledAt), code.CreatedAt, code.ExpiresAt)
		return err
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "oauth_device_codes_user_code_key" {
			return storage.ErrUserCodeCollision
		}
		return fmt.Errorf("failed to save device code: %w", err)
	}

	s.logger.Debug("Saved device code",
		"client_id", code.ClientID,
		"device_code_prefix", util.SafeTruncate(code.DeviceCodeHash, tokenIDLogLength))
	return nil
}

// GetDeviceCodeByUserCode looks a device code up by its normalized user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	d, err := scanDeviceCode(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM oauth_device_codes WHERE user_code = $1`, userCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user code", storage.ErrDeviceCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device code: %w", err)
	}
	return d, nil
}

// ResolveDeviceCode approves or denies a pending, unexpired device code with
// a conditional UPDATE. When no row matches, the current row is read only
// to report why.
func (s *Store) ResolveDeviceCode(ctx context.Context, userCode string, status storage.DeviceCodeStatus, subjectID string, limitTo24Hours bool, now time.Time) (*storage.DeviceCode, error) {
	if status != storage.DeviceCodeApproved && status != storage.DeviceCodeDenied {
		return nil, fmt.Errorf("invalid device code resolution %q", status)
	}

	d, err := scanDeviceCode(s.db.QueryRowContext(ctx,
		`UPDATE oauth_device_codes
		 SET status = $2, subject_id = $3, limit_to_24_hours = $4
		 WHERE user_code = $1 AND status = 'pending' AND expires_at > $5
		 RETURNING `+deviceColumns,
		userCode, string(status), subjectID, limitTo24Hours, now))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve device code: %w", err)
	}

	current, err := s.GetDeviceCodeByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if current.Status != storage.DeviceCodePending {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotPending, current.Status)
	}
	return nil, fmt.Errorf("%w: device code", storage.ErrTokenExpired)
}

// PollDeviceCode records a poll and redeems approved codes exactly once
func (s *Store) PollDeviceCode(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (*storage.DevicePoll, error) {
	var poll *storage.DevicePoll

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDeviceCode(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM oauth_device_codes WHERE device_code_hash = $1 FOR UPDATE`,
			deviceCodeHash))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && d.ClientID != clientID) {
			return fmt.Errorf("%w: %s", storage.ErrDeviceCodeNotFound, util.SafeTruncate(deviceCodeHash, tokenIDLogLength))
		}
		if err != nil {
			return fmt.Errorf("failed to load device code: %w", err)
		}

		poll = &storage.DevicePoll{Code: d}
		if !now.Before(d.ExpiresAt) {
			return nil
		}

		switch d.Status {
		case storage.DeviceCodePending:
			if !d.LastPolledAt.IsZero() && now.Sub(d.LastPolledAt) < time.Duration(d.Interval)*time.Second {
				poll.SlowDown = true
				d.Interval += storage.SlowDownIncrement
			}
			d.LastPolledAt = now
		case storage.DeviceCodeApproved:
			d.Status = storage.DeviceCodeConsumed
			d.LastPolledAt = now
			poll.Redeemed = true
		default:
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE oauth_device_codes SET status = $2, interval_seconds = $3, last_polled_at = $4
			 WHERE device_code_hash = $1`,
			deviceCodeHash, string(d.Status), d.Interval, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return poll, nil
}
