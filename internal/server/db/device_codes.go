package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/keyvault-sh/keyvault/internal/deviceauth"
)

// InsertDeviceCode persists a new pending device code.
func (s *Store) InsertDeviceCode(dc *deviceauth.DeviceCode) error {
	_, err := s.db.Exec(
		`INSERT INTO device_codes (device_code, user_code, expires_at, created_at)
		 VALUES (?, ?, ?, ?)`,
		dc.DeviceCode, dc.UserCode, dc.ExpiresAt, dc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert device code: %w", err)
	}
	return nil
}

const deviceCodeColumns = `device_code, user_code, user_id, cli_token_id, verified_at, expires_at, created_at`

// FindByDeviceCode retrieves a device code record by its opaque secret.
func (s *Store) FindByDeviceCode(deviceCode string) (*deviceauth.DeviceCode, error) {
	row := s.db.QueryRow(`SELECT `+deviceCodeColumns+` FROM device_codes WHERE device_code = ?`, deviceCode)
	return scanDeviceCode(row)
}

// FindByUserCode retrieves a device code record by its human-readable code.
func (s *Store) FindByUserCode(userCode string) (*deviceauth.DeviceCode, error) {
	row := s.db.QueryRow(`SELECT `+deviceCodeColumns+` FROM device_codes WHERE user_code = ?`, userCode)
	return scanDeviceCode(row)
}

// MarkVerified records the approving user and minted CLI token. The state
// transition happens at most once; verified rows are never re-verified.
func (s *Store) MarkVerified(userCode, userID, cliTokenID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE device_codes SET user_id = ?, cli_token_id = ?, verified_at = ?
		 WHERE user_code = ? AND verified_at IS NULL`,
		userID, cliTokenID, at, userCode,
	)
	if err != nil {
		return fmt.Errorf("mark device code verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device code %q not pending", userCode)
	}
	return nil
}

// DeleteDeviceCode deletes a device code record.
func (s *Store) DeleteDeviceCode(deviceCode string) error {
	if _, err := s.db.Exec(`DELETE FROM device_codes WHERE device_code = ?`, deviceCode); err != nil {
		return fmt.Errorf("delete device code: %w", err)
	}
	return nil
}

// DeleteExpiredDeviceCodes sweeps all codes past their expiry.
func (s *Store) DeleteExpiredDeviceCodes(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM device_codes WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired device codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanDeviceCode(row rowScanner) (*deviceauth.DeviceCode, error) {
	dc := &deviceauth.DeviceCode{}
	err := row.Scan(&dc.DeviceCode, &dc.UserCode, &dc.UserID, &dc.CLITokenID,
		&dc.VerifiedAt, &dc.ExpiresAt, &dc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device code: %w", err)
	}
	return dc, nil
}
