package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openidx/loginrisk/internal/risk"
)

// Attempts is the PostgreSQL AttemptStore. Only token digests are stored.
type Attempts struct {
	db *sql.DB
}

// NewAttempts creates an Attempts over db.
func NewAttempts(db *sql.DB) *Attempts {
	return &Attempts{db: db}
}

const attemptColumns = `id, token_hash, principal_id, principal_email, ip_address, user_agent,
	geo, device, score, reasons, status, trusted_location_requested, created_at, expires_at,
	notification_sent_at, resolved_at, resolved_ip, resolved_user_agent`

func scanAttempt(row scanner) (*risk.SuspiciousLoginAttempt, error) {
	var a risk.SuspiciousLoginAttempt
	var geo, device []byte
	var reasons, status string
	var notified, resolved sql.NullTime
	err := row.Scan(&a.ID, &a.TokenHash, &a.PrincipalID, &a.PrincipalEmail, &a.IPAddress, &a.UserAgent,
		&geo, &device, &a.Score, &reasons, &status, &a.TrustedLocationRequested, &a.CreatedAt, &a.ExpiresAt,
		&notified, &resolved, &a.ResolvedIP, &a.ResolvedUserAgent)
	if err != nil {
		return nil, err
	}
	if len(geo) > 0 {
		a.Geo = &risk.GeoSnapshot{}
		if err := json.Unmarshal(geo, a.Geo); err != nil {
			return nil, fmt.Errorf("failed to decode attempt geo: %w", err)
		}
	}
	if err := json.Unmarshal(device, &a.Device); err != nil {
		return nil, fmt.Errorf("failed to decode attempt device: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
		return nil, fmt.Errorf("failed to decode attempt reasons: %w", err)
	}
	a.Status = risk.AttemptStatus(status)
	if notified.Valid {
		t := notified.Time
		a.NotificationSentAt = &t
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func (s *Attempts) Insert(ctx context.Context, a *risk.SuspiciousLoginAttempt) error {
	var geo []byte
	if a.Geo != nil {
		b, err := json.Marshal(a.Geo)
		if err != nil {
			return fmt.Errorf("failed to encode attempt geo: %w", err)
		}
		geo = b
	}
	device, err := json.Marshal(a.Device)
	if err != nil {
		return fmt.Errorf("failed to encode attempt device: %w", err)
	}
	reasons := a.Reasons
	if reasons == nil {
		reasons = []risk.Reason{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to encode attempt reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suspicious_login_attempts (id, token_hash, principal_id, principal_email, ip_address,
			user_agent, geo, device, score, reasons, status, trusted_location_requested, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.TokenHash, a.PrincipalID, a.PrincipalEmail, a.IPAddress,
		a.UserAgent, geo, device, a.Score, string(reasonsJSON), string(a.Status), a.TrustedLocationRequested,
		a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// Transition is a single conditional UPDATE; of two concurrent callers with
// the same token at most one gets a row back.
func (s *Attempts) Transition(ctx context.Context, tokenHash string, status risk.AttemptStatus, res risk.Resolution) (*risk.SuspiciousLoginAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE suspicious_login_attempts
		SET status = $2, resolved_at = $3, resolved_ip = $4, resolved_user_agent = $5
		WHERE token_hash = $1 AND status = 'pending' AND expires_at > $3
		RETURNING `+attemptColumns,
		tokenHash, string(status), res.At, res.IPAddress, res.UserAgent)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition attempt: %w", err)
	}
	return a, nil
}

func (s *Attempts) MarkNotified(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE suspicious_login_attempts SET notification_sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark attempt notified: %w", err)
	}
	return nil
}

func (s *Attempts) ExpirePending(ctx context.Context, now time.Time) ([]risk.SuspiciousLoginAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE suspicious_login_attempts SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+attemptColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire attempts: %w", err)
	}
	defer rows.Close()

	var expired []risk.SuspiciousLoginAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired attempt: %w", err)
		}
		expired = append(expired, *a)
	}
	return expired, rows.Err()
}

// ListByPrincipal returns the principal's most recent attempts.
func (s *Attempts) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]risk.SuspiciousLoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM suspicious_login_attempts
		WHERE principal_id = $1 ORDER BY created_at DESC LIMIT $2`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []risk.SuspiciousLoginAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
