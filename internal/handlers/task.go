package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/middleware"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/services"
	"github.com/huangang/taskboard/pkg/response"
)

const maxUploadSize = 20 << 20

type TaskHandler struct {
	taskService *services.TaskService
}

func NewTaskHandler(taskService *services.TaskService) *TaskHandler {
	return &TaskHandler{taskService: taskService}
}

// List returns paginated tasks of a project
// GET /api/projects/:id/tasks
func (h *TaskHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.TaskListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.taskService.ListTasks(c.Request.Context(), middleware.GetIdentity(c), projectID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// Create
// POST /api/projects/:id/tasks
func (h *TaskHandler) Create(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	task, err := h.taskService.CreateTask(c.Request.Context(), middleware.GetIdentity(c), projectID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, task)
}

// GetByID
// GET /api/tasks/:id
func (h *TaskHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	task, err := h.taskService.GetTask(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Update edits task fields; status changes go through Transition.
// PUT /api/tasks/:id
func (h *TaskHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	task, err := h.taskService.UpdateTask(c.Request.Context(), middleware.GetIdentity(c), id, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

type assignRequest struct {
	AssigneeID *uint `json:"assignee_id"`
}

// Assign sets or clears (null) the assignee
// PUT /api/tasks/:id/assignee
func (h *TaskHandler) Assign(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	task, err := h.taskService.AssignTask(c.Request.Context(), middleware.GetIdentity(c), id, req.AssigneeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Delete
// DELETE /api/tasks/:id
func (h *TaskHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.taskService.DeleteTask(c.Request.Context(), middleware.GetIdentity(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

type transitionBody struct {
	Status  models.TaskStatus `json:"status" form:"status" binding:"required"`
	Comment string            `json:"comment" form:"comment"`
}

// Transition moves a task through the workflow. A multipart body may carry
// an attachment in "file" next to the status and comment fields.
// POST /api/tasks/:id/transition
func (h *TaskHandler) Transition(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var body transitionBody
	req := &services.TransitionRequest{}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
		if err := c.ShouldBind(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if fh, err := c.FormFile("file"); err == nil {
			f, err := fh.Open()
			if err != nil {
				response.BadRequest(c, "unreadable upload")
				return
			}
			defer f.Close()
			req.Attachment = upload(fh, f)
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	req.Status = body.Status
	req.Comment = body.Comment

	task, err := h.taskService.TransitionTask(c.Request.Context(), middleware.GetIdentity(c), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

type commentBody struct {
	Content string `json:"content" binding:"required"`
}

// AddComment
// POST /api/tasks/:id/comments
func (h *TaskHandler) AddComment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var body commentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	comment, err := h.taskService.AddComment(c.Request.Context(), middleware.GetIdentity(c), id, body.Content)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}

// ListComments
// GET /api/tasks/:id/comments
func (h *TaskHandler) ListComments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	comments, err := h.taskService.ListComments(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comments)
}

// AddAttachment uploads the multipart field "file"
// POST /api/tasks/:id/attachments
func (h *TaskHandler) AddAttachment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable upload")
		return
	}
	defer f.Close()

	att, err := h.taskService.AddAttachment(c.Request.Context(), middleware.GetIdentity(c), id, upload(fh, f))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, att)
}

// ListAttachments
// GET /api/tasks/:id/attachments
func (h *TaskHandler) ListAttachments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	atts, err := h.taskService.ListAttachments(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, atts)
}

// DownloadAttachment streams the stored file
// GET /api/attachments/:id
func (h *TaskHandler) DownloadAttachment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	att, rc, err := h.taskService.OpenAttachment(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer rc.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.FileName))
	c.DataFromReader(http.StatusOK, att.Size, contentType, rc, nil)
}

func upload(fh *multipart.FileHeader, r io.Reader) *services.Upload {
	return &services.Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Reader:      r,
	}
}
