package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/keyvault-sh/keyvault/internal/access"
)

var (
	ErrProjectDuplicate  = errors.New("project name already exists in organization")
	ErrProjectOrgMissing = errors.New("organization not found")
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(p *access.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, org_id, name) VALUES (?, ?, ?)`,
		p.ID, p.OrganizationID, p.Name,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
				return ErrProjectDuplicate
			case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
				return ErrProjectOrgMissing
			}
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*access.Project, error) {
	p := &access.Project{}
	err := s.db.QueryRow(
		`SELECT id, org_id, name FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjectsByOrg returns all projects belonging to an organization.
func (s *Store) ListProjectsByOrg(orgID string) ([]access.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, org_id, name FROM projects WHERE org_id = ? ORDER BY created_at`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []access.Project
	for rows.Next() {
		var p access.Project
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProjectMember inserts or updates a user's role on a project.
func (s *Store) UpsertProjectMember(pm *access.ProjectMember) error {
	_, err := s.db.Exec(
		`INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role`,
		pm.ProjectID, pm.UserID, pm.Role,
	)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

// GetProjectMember retrieves a user's direct membership on a project.
func (s *Store) GetProjectMember(projectID, userID string) (*access.ProjectMember, error) {
	pm := &access.ProjectMember{}
	err := s.db.QueryRow(
		`SELECT project_id, user_id, role FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&pm.ProjectID, &pm.UserID, &pm.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project member: %w", err)
	}
	return pm, nil
}

// ListProjectMembers returns every direct project membership a user holds.
func (s *Store) ListProjectMembers(userID string) ([]access.ProjectMember, error) {
	rows, err := s.db.Query(
		`SELECT project_id, user_id, role FROM project_members WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	var out []access.ProjectMember
	for rows.Next() {
		var pm access.ProjectMember
		if err := rows.Scan(&pm.ProjectID, &pm.UserID, &pm.Role); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// DeleteProjectMember removes a user's direct membership. Returns true if a
// row was deleted.
func (s *Store) DeleteProjectMember(projectID, userID string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("delete project member: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
