package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openidx/loginrisk/internal/risk"
)

// TrustedDevices is the PostgreSQL TrustStore.
type TrustedDevices struct {
	db *sql.DB
}

// NewTrustedDevices creates a TrustedDevices over db.
func NewTrustedDevices(db *sql.DB) *TrustedDevices {
	return &TrustedDevices{db: db}
}

const deviceColumns = `id, principal_id, fingerprint_key, fingerprint, name, trust_level,
	verification_method, ip_address, user_agent, first_used_at, last_used_at, expires_at, active`

func scanDevice(row scanner) (*risk.TrustedDevice, error) {
	var d risk.TrustedDevice
	var fingerprint []byte
	var level, method string
	err := row.Scan(&d.ID, &d.PrincipalID, &d.FingerprintKey, &fingerprint, &d.Name, &level,
		&method, &d.IPAddress, &d.UserAgent, &d.FirstUsedAt, &d.LastUsedAt, &d.ExpiresAt, &d.Active)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fingerprint, &d.Fingerprint); err != nil {
		return nil, fmt.Errorf("failed to decode device fingerprint: %w", err)
	}
	d.TrustLevel = risk.TrustLevel(level)
	d.VerificationMethod = risk.VerificationMethod(method)
	return &d, nil
}

func (s *TrustedDevices) Find(ctx context.Context, principalID, fingerprintKey string) (*risk.TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE principal_id = $1 AND fingerprint_key = $2`,
		principalID, fingerprintKey)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trusted device: %w", err)
	}
	return d, nil
}

func (s *TrustedDevices) Upsert(ctx context.Context, d *risk.TrustedDevice) (*risk.TrustedDevice, error) {
	fingerprint, err := json.Marshal(d.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device fingerprint: %w", err)
	}
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO trusted_devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
		ON CONFLICT (principal_id, fingerprint_key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			name = EXCLUDED.name,
			trust_level = EXCLUDED.trust_level,
			verification_method = EXCLUDED.verification_method,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			last_used_at = EXCLUDED.last_used_at,
			expires_at = GREATEST(trusted_devices.expires_at, EXCLUDED.expires_at),
			active = TRUE
		RETURNING `+deviceColumns,
		id, d.PrincipalID, d.FingerprintKey, fingerprint, d.Name, string(d.TrustLevel),
		string(d.VerificationMethod), d.IPAddress, d.UserAgent, d.FirstUsedAt, d.LastUsedAt, d.ExpiresAt)
	stored, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert trusted device: %w", err)
	}
	return stored, nil
}

func (s *TrustedDevices) Touch(ctx context.Context, id string, usedAt, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trusted_devices SET last_used_at = $2, expires_at = GREATEST(expires_at, $3)
		WHERE id = $1`, id, usedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to touch trusted device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return risk.ErrDeviceNotFound
	}
	return nil
}

func (s *TrustedDevices) Deactivate(ctx context.Context, principalID, fingerprintKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trusted_devices SET active = FALSE
		WHERE principal_id = $1 AND fingerprint_key = $2`, principalID, fingerprintKey)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate trusted device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate trusted device: %w", err)
	}
	return n > 0, nil
}

func (s *TrustedDevices) ListByPrincipal(ctx context.Context, principalID string) ([]risk.TrustedDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE principal_id = $1 ORDER BY last_used_at DESC`,
		principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted devices: %w", err)
	}
	defer rows.Close()

	var devices []risk.TrustedDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}
