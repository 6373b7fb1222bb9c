package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/middleware"
	"github.com/huangang/taskboard/internal/services"
	"github.com/huangang/taskboard/pkg/response"
)

type DigestHandler struct {
	digestService *services.DigestService
}

func NewDigestHandler(digestService *services.DigestService) *DigestHandler {
	return &DigestHandler{digestService: digestService}
}

// Run queues an on-demand digest run. Admin only.
// POST /api/digest/run
func (h *DigestHandler) Run(c *gin.Context) {
	var req services.DigestRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	job, err := h.digestService.RequestRun(c.Request.Context(), middleware.GetIdentity(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{Code: 0, Message: "queued", Data: job})
}
