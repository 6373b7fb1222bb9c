package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/middleware"
	"github.com/huangang/taskboard/internal/services"
	"github.com/huangang/taskboard/pkg/response"
)

type ProjectMemberHandler struct {
	memberService *services.MembershipService
}

func NewProjectMemberHandler(memberService *services.MembershipService) *ProjectMemberHandler {
	return &ProjectMemberHandler{memberService: memberService}
}

// List returns the members of a project
// GET /api/projects/:id/members?include_inactive=true
func (h *ProjectMemberHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	includeInactive := c.Query("include_inactive") == "true"

	members, err := h.memberService.ListMembers(c.Request.Context(), middleware.GetIdentity(c), projectID, includeInactive)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, members)
}

// Add adds (or re-activates) a member
// POST /api/projects/:id/members
func (h *ProjectMemberHandler) Add(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	member, err := h.memberService.AddMember(c.Request.Context(), middleware.GetIdentity(c), projectID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, member)
}

// Remove deactivates a membership
// DELETE /api/projects/:id/members/:memberId
func (h *ProjectMemberHandler) Remove(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	memberID, ok := paramID(c, "memberId")
	if !ok {
		return
	}

	if err := h.memberService.RemoveMember(c.Request.Context(), middleware.GetIdentity(c), projectID, memberID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// ChangeRole
// PUT /api/projects/:id/members/:memberId/role
func (h *ProjectMemberHandler) ChangeRole(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	memberID, ok := paramID(c, "memberId")
	if !ok {
		return
	}
	var req services.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	member, err := h.memberService.ChangeRole(c.Request.Context(), middleware.GetIdentity(c), projectID, memberID, req.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, member)
}
