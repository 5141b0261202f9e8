package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrSecretDuplicate = errors.New("secret already exists for this project, environment, and folder")

// CreateSecret inserts a new secret.
func (s *Store) CreateSecret(sec *Secret) error {
	_, err := s.db.Exec(
		`INSERT INTO secrets (id, project_id, name, environment, folder, value, type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sec.ID, sec.ProjectID, sec.Name, sec.Environment, sec.Folder, sec.Value, sec.Type,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrSecretDuplicate
		}
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// GetSecret retrieves a secret by ID.
func (s *Store) GetSecret(id string) (*Secret, error) {
	sec := &Secret{}
	err := s.db.QueryRow(
		`SELECT id, project_id, name, environment, folder, value, type, created_at, updated_at
		 FROM secrets WHERE id = ?`, id,
	).Scan(&sec.ID, &sec.ProjectID, &sec.Name, &sec.Environment, &sec.Folder, &sec.Value, &sec.Type, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

// ListSecrets returns a project's secrets, optionally filtered by
// environment and folder (empty filter matches all).
func (s *Store) ListSecrets(projectID, environment, folder string) ([]Secret, error) {
	query := `SELECT id, project_id, name, environment, folder, value, type, created_at, updated_at
		 FROM secrets WHERE project_id = ?`
	args := []any{projectID}
	if environment != "" {
		query += ` AND environment = ?`
		args = append(args, environment)
	}
	if folder != "" {
		query += ` AND folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.ID, &sec.ProjectID, &sec.Name, &sec.Environment, &sec.Folder, &sec.Value, &sec.Type, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// UpdateSecret replaces a secret's mutable fields. Returns true if a row
// was updated.
func (s *Store) UpdateSecret(sec *Secret) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE secrets SET name = ?, environment = ?, folder = ?, value = ?, type = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sec.Name, sec.Environment, sec.Folder, sec.Value, sec.Type, sec.ID,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return false, ErrSecretDuplicate
		}
		return false, fmt.Errorf("update secret: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteSecret deletes a secret by ID. Returns true if a row was deleted.
func (s *Store) DeleteSecret(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
