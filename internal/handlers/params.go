package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/pkg/response"
)

// paramID parses a positive numeric path parameter. On failure it writes a
// 400 and returns false.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// idList is the body of bulk notification operations.
type idList struct {
	IDs []uint `json:"ids" binding:"required"`
}
