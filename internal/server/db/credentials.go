package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keyvault-sh/keyvault/internal/credential"
)

// credentialTableFor maps a credential kind to its table. The three kinds
// share a column shape but live in separate tables so each hash index stays
// small and a leaked id cannot cross kinds.
func credentialTableFor(kind credential.Kind) (string, error) {
	switch kind {
	case credential.KindCLI:
		return "cli_tokens", nil
	case credential.KindAPIKey:
		return "project_api_keys", nil
	case credential.KindPAT:
		return "user_api_tokens", nil
	default:
		return "", fmt.Errorf("unknown credential kind %q", kind)
	}
}

// InsertCredential persists a new credential record.
func (s *Store) InsertCredential(r *credential.Record) error {
	table, err := credentialTableFor(r.Kind)
	if err != nil {
		return err
	}

	projects, environments, folders, ips, err := marshalScope(r.Scope)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO `+table+` (id, owner_id, name, token_hash, last4, projects, environments, folders, ip_allowlist, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Name, r.TokenHash, r.Last4, projects, environments, folders, ips, r.ExpiresAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.Kind, err)
	}
	return nil
}

const credentialColumns = `id, owner_id, name, token_hash, last4, projects, environments, folders, ip_allowlist, expires_at, last_used_at, created_at`

// FindCredentialByHash looks up a credential by its token hash.
func (s *Store) FindCredentialByHash(kind credential.Kind, hash string) (*credential.Record, error) {
	table, err := credentialTableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+credentialColumns+` FROM `+table+` WHERE token_hash = ?`, hash)
	return scanCredential(row, kind)
}

// FindCredentialByID looks up a credential by id.
func (s *Store) FindCredentialByID(kind credential.Kind, id string) (*credential.Record, error) {
	table, err := credentialTableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+credentialColumns+` FROM `+table+` WHERE id = ?`, id)
	return scanCredential(row, kind)
}

// ListCredentials returns all credentials of a kind owned by ownerID,
// newest first.
func (s *Store) ListCredentials(kind credential.Kind, ownerID string) ([]credential.Record, error) {
	table, err := credentialTableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT `+credentialColumns+` FROM `+table+` WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []credential.Record
	for rows.Next() {
		rec, err := scanCredential(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpdateCredentialHash atomically replaces the stored hash (rotation).
func (s *Store) UpdateCredentialHash(kind credential.Kind, id, hash, last4 string) error {
	table, err := credentialTableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE `+table+` SET token_hash = ?, last4 = ? WHERE id = ?`, hash, last4, id)
	if err != nil {
		return fmt.Errorf("update %s hash: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// TouchCredential updates last_used_at.
func (s *Store) TouchCredential(kind credential.Kind, id string, usedAt time.Time) error {
	table, err := credentialTableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE `+table+` SET last_used_at = ? WHERE id = ?`, usedAt, id); err != nil {
		return fmt.Errorf("touch %s: %w", kind, err)
	}
	return nil
}

// DeleteCredential deletes a credential by id. Deleting an absent row is
// not an error.
func (s *Store) DeleteCredential(kind credential.Kind, id string) error {
	table, err := credentialTableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner, kind credential.Kind) (*credential.Record, error) {
	rec := &credential.Record{Kind: kind}
	var projects, environments, folders, ips string

	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.TokenHash, &rec.Last4,
		&projects, &environments, &folders, &ips,
		&rec.ExpiresAt, &rec.LastUsedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", kind, err)
	}

	if err := unmarshalScope(&rec.Scope, projects, environments, folders, ips); err != nil {
		return nil, err
	}
	return rec, nil
}

func marshalScope(sc credential.Scope) (projects, environments, folders, ips string, err error) {
	enc := func(list []string) (string, error) {
		if list == nil {
			return "[]", nil
		}
		b, err := json.Marshal(list)
		if err != nil {
			return "", fmt.Errorf("marshal scope list: %w", err)
		}
		return string(b), nil
	}
	if projects, err = enc(sc.Projects); err != nil {
		return
	}
	if environments, err = enc(sc.Environments); err != nil {
		return
	}
	if folders, err = enc(sc.Folders); err != nil {
		return
	}
	ips, err = enc(sc.IPAllowlist)
	return
}

func unmarshalScope(sc *credential.Scope, projects, environments, folders, ips string) error {
	dec := func(raw string, dst *[]string) error {
		if raw == "" || raw == "[]" {
			return nil
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return fmt.Errorf("unmarshal scope list: %w", err)
		}
		return nil
	}
	if err := dec(projects, &sc.Projects); err != nil {
		return err
	}
	if err := dec(environments, &sc.Environments); err != nil {
		return err
	}
	if err := dec(folders, &sc.Folders); err != nil {
		return err
	}
	return dec(ips, &sc.IPAllowlist)
}
