package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/logx"
	"github.com/keyvault-sh/keyvault/internal/server/db"
)

type createOrgRequest struct {
	Name string `json:"name" binding:"required"`
	Slug string `json:"slug" binding:"required"`
}

// HandleCreateOrg handles POST /api/organizations. The creator becomes the
// organization OWNER.
func HandleCreateOrg(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		var req createOrgRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		org := &db.Organization{ID: uuid.NewString(), Name: req.Name, Slug: req.Slug}
		if err := store.CreateOrganization(org); err != nil {
			if errors.Is(err, db.ErrOrgDuplicateSlug) {
				c.JSON(http.StatusConflict, gin.H{"error": "organization slug already taken"})
				return
			}
			logx.Errorf("CreateOrganization: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create organization"})
			return
		}

		m := &access.Membership{UserID: ac.UserID, OrganizationID: org.ID, Role: access.OrgOwner}
		if err := store.UpsertMembership(m); err != nil {
			logx.Errorf("UpsertMembership(%q, %q): %v", ac.UserID, org.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create organization"})
			return
		}

		c.JSON(http.StatusCreated, org)
	}
}

type createProjectRequest struct {
	OrganizationID string `json:"organizationId" binding:"required"`
	Name           string `json:"name" binding:"required"`
}

// HandleCreateProject handles POST /api/projects. Requires an OWNER or
// ADMIN membership in the target organization.
func HandleCreateProject(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		var req createProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		m, err := store.GetMembership(ac.UserID, req.OrganizationID)
		if err != nil {
			logx.Errorf("GetMembership(%q, %q): %v", ac.UserID, req.OrganizationID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
			return
		}
		if m == nil || (m.Role != access.OrgOwner && m.Role != access.OrgAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		p := &access.Project{ID: uuid.NewString(), OrganizationID: req.OrganizationID, Name: req.Name}
		if err := store.CreateProject(p); err != nil {
			switch {
			case errors.Is(err, db.ErrProjectDuplicate):
				c.JSON(http.StatusConflict, gin.H{"error": "project name already taken in this organization"})
			case errors.Is(err, db.ErrProjectOrgMissing):
				c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
			default:
				logx.Errorf("CreateProject: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
			}
			return
		}

		c.JSON(http.StatusCreated, p)
	}
}

// HandleListProjects handles GET /api/projects: every project the caller can
// reach, with the effective role on each.
func HandleListProjects(acl *access.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		projects, err := acl.ListAccessibleProjects(ac.UserID)
		if err != nil {
			logx.Errorf("ListAccessibleProjects(%q): %v", ac.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
			return
		}
		if projects == nil {
			projects = []access.AccessibleProject{}
		}
		c.JSON(http.StatusOK, projects)
	}
}

// HandleCheckAccess handles GET /api/projects/:id/access: the caller's own
// effective permissions on a project.
func HandleCheckAccess(acl *access.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		a, err := acl.CheckAccess(ac.UserID, c.Param("id"))
		if err != nil {
			logx.Errorf("CheckAccess(%q, %q): %v", ac.UserID, c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve access"})
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

type upsertMemberRequest struct {
	Role access.ProjectRole `json:"role" binding:"required"`
}

func validProjectRole(r access.ProjectRole) bool {
	switch r {
	case access.RoleOwner, access.RoleAdmin, access.RoleWrite, access.RoleRead:
		return true
	}
	return false
}

// HandleUpsertProjectMember handles PUT /api/projects/:id/members/:userId.
// Adds a member or changes their role. Requires canManageMembers.
func HandleUpsertProjectMember(store *db.Store, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")

		var req upsertMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !validProjectRole(req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be one of OWNER, ADMIN, WRITE, READ"})
			return
		}

		perms, ok := resolvePermissions(c, acl, creds, projectID, "", "")
		if !ok {
			return
		}
		if !perms.CanManageMembers {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		pm := &access.ProjectMember{ProjectID: projectID, UserID: c.Param("userId"), Role: req.Role}
		if err := store.UpsertProjectMember(pm); err != nil {
			logx.Errorf("UpsertProjectMember(%q, %q): %v", projectID, pm.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update member"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"projectId": projectID, "userId": pm.UserID, "role": pm.Role})
	}
}

// HandleDeleteProjectMember handles DELETE /api/projects/:id/members/:userId.
func HandleDeleteProjectMember(store *db.Store, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")

		perms, ok := resolvePermissions(c, acl, creds, projectID, "", "")
		if !ok {
			return
		}
		if !perms.CanManageMembers {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		deleted, err := store.DeleteProjectMember(projectID, c.Param("userId"))
		if err != nil {
			logx.Errorf("DeleteProjectMember(%q, %q): %v", projectID, c.Param("userId"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove member"})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	}
}
