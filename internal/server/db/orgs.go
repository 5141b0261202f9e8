package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/keyvault-sh/keyvault/internal/access"
)

var ErrOrgDuplicateSlug = errors.New("organization slug already exists")

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(o *Organization) error {
	_, err := s.db.Exec(
		`INSERT INTO organizations (id, name, slug) VALUES (?, ?, ?)`,
		o.ID, o.Name, o.Slug,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrOrgDuplicateSlug
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(id string) (*Organization, error) {
	o := &Organization{}
	err := s.db.QueryRow(
		`SELECT id, name, slug, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.Slug, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}

// UpsertMembership inserts or updates a user's organization role.
func (s *Store) UpsertMembership(m *access.Membership) error {
	_, err := s.db.Exec(
		`INSERT INTO memberships (user_id, org_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, org_id) DO UPDATE SET role = excluded.role`,
		m.UserID, m.OrganizationID, m.Role,
	)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// GetMembership retrieves a user's membership in an organization.
func (s *Store) GetMembership(userID, orgID string) (*access.Membership, error) {
	m := &access.Membership{}
	err := s.db.QueryRow(
		`SELECT user_id, org_id, role FROM memberships WHERE user_id = ? AND org_id = ?`,
		userID, orgID,
	).Scan(&m.UserID, &m.OrganizationID, &m.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns every organization membership a user holds.
func (s *Store) ListMemberships(userID string) ([]access.Membership, error) {
	rows, err := s.db.Query(
		`SELECT user_id, org_id, role FROM memberships WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []access.Membership
	for rows.Next() {
		var m access.Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
