// Package access resolves a user's effective permissions on a project from
// the overlapping organization-membership and project-membership hierarchies.
//
// Resolution order (first match wins): organization OWNER, organization
// ADMIN, direct project membership, no access.
package access

import "fmt"

// OrgRole is a user's role within an organization.
type OrgRole string

const (
	OrgOwner  OrgRole = "OWNER"
	OrgAdmin  OrgRole = "ADMIN"
	OrgMember OrgRole = "MEMBER"
	OrgViewer OrgRole = "VIEWER"
)

// ProjectRole is a user's role on a single project, independent of their
// organization role.
type ProjectRole string

const (
	RoleOwner ProjectRole = "OWNER"
	RoleAdmin ProjectRole = "ADMIN"
	RoleWrite ProjectRole = "WRITE"
	RoleRead  ProjectRole = "READ"
)

// roleRank orders project roles from most to least privileged. Used when
// deduplicating overlapping grants.
var roleRank = map[ProjectRole]int{
	RoleOwner: 0,
	RoleAdmin: 1,
	RoleWrite: 2,
	RoleRead:  3,
}

// AccessType records which hierarchy granted access.
type AccessType string

const (
	AccessOrgOwner      AccessType = "org_owner"
	AccessOrgAdmin      AccessType = "org_admin"
	AccessProjectMember AccessType = "project_member"
	AccessNone          AccessType = "none"
)

// Permissions is the set of operations a role allows on a project.
type Permissions struct {
	CanRead          bool `json:"canRead"`
	CanWrite         bool `json:"canWrite"`
	CanDelete        bool `json:"canDelete"`
	CanManageMembers bool `json:"canManageMembers"`
	CanManageProject bool `json:"canManageProject"`
}

var fullPermissions = Permissions{
	CanRead:          true,
	CanWrite:         true,
	CanDelete:        true,
	CanManageMembers: true,
	CanManageProject: true,
}

// projectRolePermissions is the project-role permission matrix. A lookup
// table rather than a switch so the mapping is exhaustively testable.
var projectRolePermissions = map[ProjectRole]Permissions{
	RoleOwner: fullPermissions,
	RoleAdmin: {CanRead: true, CanWrite: true, CanDelete: true, CanManageMembers: true},
	RoleWrite: {CanRead: true, CanWrite: true},
	RoleRead:  {CanRead: true},
}

// Access is the result of resolving a user against a project.
type Access struct {
	HasAccess bool        `json:"hasAccess"`
	Role      ProjectRole `json:"role,omitempty"`
	Type      AccessType  `json:"accessType"`
	Permissions
}

// Project is the subset of project fields the resolver reads.
type Project struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
}

// Membership is a user's role in an organization.
type Membership struct {
	UserID         string
	OrganizationID string
	Role           OrgRole
}

// ProjectMember is a user's direct role on a project.
type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      ProjectRole
}

// Store is the read-only persistence surface the resolver needs. A nil
// result with nil error means "not found".
type Store interface {
	GetProject(id string) (*Project, error)
	GetMembership(userID, orgID string) (*Membership, error)
	GetProjectMember(projectID, userID string) (*ProjectMember, error)
	ListMemberships(userID string) ([]Membership, error)
	ListProjectsByOrg(orgID string) ([]Project, error)
	ListProjectMembers(userID string) ([]ProjectMember, error)
}

// Service resolves project access. All methods are read-only and safe for
// concurrent use.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// CheckAccess resolves what userID may do on projectID.
func (s *Service) CheckAccess(userID, projectID string) (Access, error) {
	none := Access{Type: AccessNone}

	project, err := s.store.GetProject(projectID)
	if err != nil {
		return none, fmt.Errorf("get project: %w", err)
	}
	if project == nil {
		return none, nil
	}

	membership, err := s.store.GetMembership(userID, project.OrganizationID)
	if err != nil {
		return none, fmt.Errorf("get membership: %w", err)
	}

	if membership != nil {
		switch membership.Role {
		case OrgOwner:
			return Access{HasAccess: true, Role: RoleOwner, Type: AccessOrgOwner, Permissions: fullPermissions}, nil
		case OrgAdmin:
			return Access{HasAccess: true, Role: RoleAdmin, Type: AccessOrgAdmin, Permissions: fullPermissions}, nil
		}
	}

	member, err := s.store.GetProjectMember(projectID, userID)
	if err != nil {
		return none, fmt.Errorf("get project member: %w", err)
	}
	if member != nil {
		if perms, ok := projectRolePermissions[member.Role]; ok {
			return Access{HasAccess: true, Role: member.Role, Type: AccessProjectMember, Permissions: perms}, nil
		}
	}

	return none, nil
}

// AccessibleProject is a project together with the role that grants access.
type AccessibleProject struct {
	Project
	Role       ProjectRole `json:"role"`
	AccessType AccessType  `json:"accessType"`
}

// ListAccessibleProjects returns every project the user can reach: all
// projects of organizations where they hold OWNER or ADMIN, plus projects
// with a direct membership row. Duplicates keep the higher-ranked role.
func (s *Service) ListAccessibleProjects(userID string) ([]AccessibleProject, error) {
	memberships, err := s.store.ListMemberships(userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	var result []AccessibleProject
	seen := make(map[string]int) // project id -> index into result

	add := func(p AccessibleProject) {
		if i, ok := seen[p.ID]; ok {
			if roleRank[p.Role] < roleRank[result[i].Role] {
				result[i] = p
			}
			return
		}
		seen[p.ID] = len(result)
		result = append(result, p)
	}

	for _, m := range memberships {
		if m.Role != OrgOwner && m.Role != OrgAdmin {
			continue
		}
		projects, err := s.store.ListProjectsByOrg(m.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("list org projects: %w", err)
		}
		accessType := AccessOrgOwner
		role := RoleOwner
		if m.Role == OrgAdmin {
			accessType = AccessOrgAdmin
			role = RoleAdmin
		}
		for _, p := range projects {
			add(AccessibleProject{Project: p, Role: role, AccessType: accessType})
		}
	}

	members, err := s.store.ListProjectMembers(userID)
	if err != nil {
		return nil, fmt.Errorf("list project memberships: %w", err)
	}
	for _, pm := range members {
		project, err := s.store.GetProject(pm.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("get project: %w", err)
		}
		if project == nil {
			continue
		}
		add(AccessibleProject{Project: *project, Role: pm.Role, AccessType: AccessProjectMember})
	}

	return result, nil
}
