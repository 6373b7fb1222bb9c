package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/middleware"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/services"
	"github.com/huangang/taskboard/pkg/response"
)

type UserHandler struct {
	userService *services.UserService
}

func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// Search
// GET /api/users?q=
func (h *UserHandler) Search(c *gin.Context) {
	var req services.UserSearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	resp, err := h.userService.Search(c.Request.Context(), middleware.GetIdentity(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// Create
// POST /api/users
func (h *UserHandler) Create(c *gin.Context) {
	var req services.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, err := h.userService.Create(c.Request.Context(), middleware.GetIdentity(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// GetByID
// GET /api/users/:id
func (h *UserHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	user, err := h.userService.Get(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, user)
}

// Ban
// POST /api/users/:id/ban
func (h *UserHandler) Ban(c *gin.Context) {
	h.setBanned(c, true)
}

// Unban
// DELETE /api/users/:id/ban
func (h *UserHandler) Unban(c *gin.Context) {
	h.setBanned(c, false)
}

func (h *UserHandler) setBanned(c *gin.Context, banned bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var (
		user *models.User
		err  error
	)
	if banned {
		user, err = h.userService.Ban(c.Request.Context(), middleware.GetIdentity(c), id)
	} else {
		user, err = h.userService.Unban(c.Request.Context(), middleware.GetIdentity(c), id)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, user)
}

type globalRoleBody struct {
	Role models.Role `json:"role" binding:"required"`
}

// ChangeRole sets the global role
// PUT /api/users/:id/role
func (h *UserHandler) ChangeRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var body globalRoleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, err := h.userService.ChangeGlobalRole(c.Request.Context(), middleware.GetIdentity(c), id, body.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, user)
}
