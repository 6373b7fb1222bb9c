package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/workflow"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

const (
	ReasonAssigneeNotMember  apperr.Reason = "assignee_not_member"
	ReasonInvalidParent      apperr.Reason = "invalid_parent"
	ReasonInvalidField       apperr.Reason = "invalid_field"
	ReasonAttachmentNotFound apperr.Reason = "attachment_not_found"
)

// TaskService owns task data: creation, field edits, assignment, comments,
// attachments and status transitions.
type TaskService struct {
	db       *gorm.DB
	notifier *NotificationService
	files    FileStore
	now      func() time.Time
}

func NewTaskService(db *gorm.DB, notifier *NotificationService, files FileStore) *TaskService {
	return &TaskService{db: db, notifier: notifier, files: files, now: time.Now}
}

type CreateTaskRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  string     `json:"description"`
	Priority     string     `json:"priority"`
	AssigneeID   *uint      `json:"assignee_id"`
	ParentTaskID *uint      `json:"parent_task_id"`
	DueDate      *time.Time `json:"due_date"`
}

// UpdateTaskRequest edits task fields. Nil fields are left unchanged;
// status and assignee have their own operations.
type UpdateTaskRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	Priority     *string    `json:"priority"`
	DueDate      *time.Time `json:"due_date"`
	ClearDueDate bool       `json:"clear_due_date"`
	ParentTaskID *uint      `json:"parent_task_id"`
}

type TaskListRequest struct {
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
	Status     string `form:"status"`
	AssigneeID uint   `form:"assignee_id"`
	Search     string `form:"search"`
}

type TaskListResponse struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []models.Task `json:"items"`
}

// Upload is a file supplied by the caller together with its metadata.
type Upload struct {
	FileName    string
	ContentType string
	Reader      io.Reader
}

// TransitionRequest moves a task to Status. Comment and Attachment are
// stored in the same transaction as the status change.
type TransitionRequest struct {
	Status     models.TaskStatus
	Comment    string
	Attachment *Upload
}

// taskScope is a task with its project and the caller's resolved facts.
type taskScope struct {
	task    *models.Task
	project *models.Project
	res     authz.Resource
}

func (s *TaskService) scope(db *gorm.DB, id authz.Identity, taskID uint) (*taskScope, error) {
	task, err := findTask(db, taskID)
	if err != nil {
		return nil, err
	}
	project, err := findProject(db, task.ProjectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{TaskCreatorID: task.CreatedBy})
	if err != nil {
		return nil, err
	}
	if task.AssigneeID != nil {
		res.TaskAssigneeID = *task.AssigneeID
	}
	return &taskScope{task: task, project: project, res: res}, nil
}

func (s *TaskService) authorize(id authz.Identity, action authz.Action, sc *taskScope) error {
	return authz.Authorize(id, action, sc.res).Err()
}

// CreateTask adds a task to a project. Setting an assignee at creation
// additionally requires assign rights.
func (s *TaskService) CreateTask(ctx context.Context, id authz.Identity, projectID uint, req *CreateTaskRequest) (*models.Task, error) {
	db := s.db.WithContext(ctx)

	project, err := findProject(db, projectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{})
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(id, authz.ActionCreateTask, res).Err(); err != nil {
		return nil, err
	}
	if req.AssigneeID != nil {
		if err := authz.Authorize(id, authz.ActionAssignTask, res).Err(); err != nil {
			return nil, err
		}
	}
	if err := ensureWritable(project); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation(ReasonInvalidField, "title is required")
	}
	priority, err := models.ParseTaskPriority(req.Priority)
	if err != nil {
		return nil, apperr.Validation(ReasonInvalidField, err.Error())
	}
	if req.AssigneeID != nil {
		if err := checkAssignee(db, project.ID, *req.AssigneeID); err != nil {
			return nil, err
		}
	}
	if req.ParentTaskID != nil {
		if err := checkParent(db, project.ID, 0, *req.ParentTaskID); err != nil {
			return nil, err
		}
	}

	task := &models.Task{
		ProjectID:    project.ID,
		Title:        title,
		Description:  req.Description,
		Status:       models.TaskStatusToDo,
		Priority:     priority,
		AssigneeID:   req.AssigneeID,
		CreatedBy:    id.UserID,
		ParentTaskID: req.ParentTaskID,
		DueDate:      req.DueDate,
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	logger.Info().Uint("task", task.ID).Uint("project", project.ID).Uint("by", id.UserID).Msg("[Task] created")
	if task.AssigneeID != nil {
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationTaskAssigned, ActorID: id.UserID, TaskID: task.ID})
	}
	return task, nil
}

func (s *TaskService) GetTask(ctx context.Context, id authz.Identity, taskID uint) (*models.Task, error) {
	sc, err := s.scope(s.db.WithContext(ctx), id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionViewTasks, sc); err != nil {
		return nil, err
	}
	return sc.task, nil
}

func (s *TaskService) ListTasks(ctx context.Context, id authz.Identity, projectID uint, req *TaskListRequest) (*TaskListResponse, error) {
	db := s.db.WithContext(ctx)

	project, err := findProject(db, projectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{})
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(id, authz.ActionViewTasks, res).Err(); err != nil {
		return nil, err
	}

	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := db.Model(&models.Task{}).Where("project_id = ?", project.ID)
	if req.Status != "" {
		status, err := models.ParseTaskStatus(req.Status)
		if err != nil {
			return nil, apperr.Validation(ReasonInvalidField, err.Error())
		}
		query = query.Where("status = ?", status)
	}
	if req.AssigneeID != 0 {
		query = query.Where("assignee_id = ?", req.AssigneeID)
	}
	if req.Search != "" {
		query = query.Where("title LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var items []models.Task
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; err != nil {
		return nil, err
	}
	return &TaskListResponse{Total: total, Page: page, PageSize: pageSize, Items: items}, nil
}

// UpdateTask edits task fields. It never changes status.
func (s *TaskService) UpdateTask(ctx context.Context, id authz.Identity, taskID uint, req *UpdateTaskRequest) (*models.Task, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionUpdateTask, sc); err != nil {
		return nil, err
	}
	if err := ensureWritable(sc.project); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, apperr.Validation(ReasonInvalidField, "title cannot be empty")
		}
		updates["title"] = title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Priority != nil {
		priority, err := models.ParseTaskPriority(*req.Priority)
		if err != nil {
			return nil, apperr.Validation(ReasonInvalidField, err.Error())
		}
		updates["priority"] = priority
	}
	if req.ClearDueDate {
		updates["due_date"] = nil
	} else if req.DueDate != nil {
		updates["due_date"] = *req.DueDate
	}
	if req.ParentTaskID != nil {
		if err := checkParent(db, sc.project.ID, sc.task.ID, *req.ParentTaskID); err != nil {
			return nil, err
		}
		updates["parent_task_id"] = *req.ParentTaskID
	}

	if len(updates) > 0 {
		if err := db.Model(sc.task).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
	}
	return findTask(db, sc.task.ID)
}

// AssignTask sets or clears (assigneeID == nil) the task's assignee. The
// new assignee must be an active member of the project.
func (s *TaskService) AssignTask(ctx context.Context, id authz.Identity, taskID uint, assigneeID *uint) (*models.Task, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionAssignTask, sc); err != nil {
		return nil, err
	}
	if err := ensureWritable(sc.project); err != nil {
		return nil, err
	}

	changed := (assigneeID == nil) != (sc.task.AssigneeID == nil) ||
		(assigneeID != nil && !sc.task.IsAssignee(*assigneeID))
	if !changed {
		return sc.task, nil
	}
	if assigneeID != nil {
		if err := checkAssignee(db, sc.project.ID, *assigneeID); err != nil {
			return nil, err
		}
	}

	if err := db.Model(sc.task).Update("assignee_id", assigneeID).Error; err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}
	sc.task.AssigneeID = assigneeID

	if assigneeID != nil {
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationTaskAssigned, ActorID: id.UserID, TaskID: sc.task.ID})
	}
	return sc.task, nil
}

// DeleteTask soft-deletes a task; comments and attachments stay attributed.
func (s *TaskService) DeleteTask(ctx context.Context, id authz.Identity, taskID uint) error {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return err
	}
	if err := s.authorize(id, authz.ActionDeleteTask, sc); err != nil {
		return err
	}
	if err := db.Delete(sc.task).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	logger.Info().Uint("task", sc.task.ID).Uint("by", id.UserID).Msg("[Task] deleted")
	return nil
}

// AddComment stores a comment and notifies the members it mentions.
func (s *TaskService) AddComment(ctx context.Context, id authz.Identity, taskID uint, content string) (*models.TaskComment, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionCommentTask, sc); err != nil {
		return nil, err
	}
	if err := ensureWritable(sc.project); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation(ReasonInvalidField, "comment cannot be empty")
	}

	comment := &models.TaskComment{TaskID: sc.task.ID, AuthorID: id.UserID, Content: content, CreatedAt: s.now()}
	if err := db.Create(comment).Error; err != nil {
		return nil, fmt.Errorf("add comment: %w", err)
	}

	s.notifier.dispatch(ctx, Event{Kind: models.NotificationCommentMention, ActorID: id.UserID, TaskID: sc.task.ID, Comment: content})
	return comment, nil
}

func (s *TaskService) ListComments(ctx context.Context, id authz.Identity, taskID uint) ([]models.TaskComment, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionViewTasks, sc); err != nil {
		return nil, err
	}
	var comments []models.TaskComment
	err = db.Where("task_id = ?", sc.task.ID).Order("created_at ASC, id ASC").Find(&comments).Error
	return comments, err
}

// AddAttachment stores the upload and records it against the task. The
// stored file is removed again when the row cannot be written.
func (s *TaskService) AddAttachment(ctx context.Context, id authz.Identity, taskID uint, up *Upload) (*models.TaskAttachment, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionAttachFile, sc); err != nil {
		return nil, err
	}
	if err := ensureWritable(sc.project); err != nil {
		return nil, err
	}

	att, err := s.store(ctx, id, sc.task.ID, up)
	if err != nil {
		return nil, err
	}
	if err := db.Create(att).Error; err != nil {
		s.discard(ctx, att.StoragePath)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	return att, nil
}

func (s *TaskService) ListAttachments(ctx context.Context, id authz.Identity, taskID uint) ([]models.TaskAttachment, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionViewTasks, sc); err != nil {
		return nil, err
	}
	var items []models.TaskAttachment
	err = db.Where("task_id = ?", sc.task.ID).Order("created_at ASC, id ASC").Find(&items).Error
	return items, err
}

// OpenAttachment returns the attachment row and a reader for its content.
// The caller closes the reader.
func (s *TaskService) OpenAttachment(ctx context.Context, id authz.Identity, attachmentID uint) (*models.TaskAttachment, io.ReadCloser, error) {
	db := s.db.WithContext(ctx)

	var att models.TaskAttachment
	if err := db.First(&att, attachmentID).Error; err != nil {
		return nil, nil, notFound(err, ReasonAttachmentNotFound, "attachment not found")
	}
	sc, err := s.scope(db, id, att.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(id, authz.ActionViewTasks, sc); err != nil {
		return nil, nil, err
	}
	rc, err := s.files.Open(ctx, att.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return &att, rc, nil
}

// TransitionTask moves a task through the workflow. The status write is
// conditional on the status observed when the request was validated, so
// of two concurrent transitions from the same state only one succeeds.
func (s *TaskService) TransitionTask(ctx context.Context, id authz.Identity, taskID uint, req *TransitionRequest) (*models.Task, error) {
	db := s.db.WithContext(ctx)

	sc, err := s.scope(db, id, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(id, authz.ActionTransitionTask, sc); err != nil {
		return nil, err
	}
	if err := ensureWritable(sc.project); err != nil {
		return nil, err
	}

	actor := workflow.Actor{UserID: id.UserID, IsManager: id.IsAdmin() || sc.res.IsManager()}
	tr, err := workflow.Next(sc.task, req.Status, actor)
	if err != nil {
		return nil, err
	}

	comment := strings.TrimSpace(req.Comment)
	var att *models.TaskAttachment
	if req.Attachment != nil {
		att, err = s.store(ctx, id, sc.task.ID, req.Attachment)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	updates := map[string]interface{}{"status": tr.To}
	if tr.To == models.TaskStatusDone {
		updates["completed_at"] = now
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.Task{}).
			Where("id = ? AND status = ?", sc.task.ID, sc.task.Status).
			Updates(updates)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return workflow.StaleError(sc.task.Status)
		}
		if comment != "" {
			if err := tx.Create(&models.TaskComment{TaskID: sc.task.ID, AuthorID: id.UserID, Content: comment, CreatedAt: now}).Error; err != nil {
				return err
			}
		}
		if att != nil {
			if err := tx.Create(att).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if att != nil {
			s.discard(ctx, att.StoragePath)
		}
		return nil, err
	}

	logger.Info().Uint("task", sc.task.ID).Str("transition", tr.Name).
		Str("from", string(tr.From)).Str("to", string(tr.To)).Uint("by", id.UserID).
		Msg("[Task] status changed")

	switch tr.Name {
	case workflow.TransitionSubmit:
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationTaskSubmitted, ActorID: id.UserID, TaskID: sc.task.ID})
	case workflow.TransitionRequestChanges:
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationChangesRequested, ActorID: id.UserID, TaskID: sc.task.ID})
	case workflow.TransitionApprove:
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationTaskApproved, ActorID: id.UserID, TaskID: sc.task.ID})
	}
	if comment != "" {
		s.notifier.dispatch(ctx, Event{Kind: models.NotificationCommentMention, ActorID: id.UserID, TaskID: sc.task.ID, Comment: comment})
	}

	return findTask(db, sc.task.ID)
}

func (s *TaskService) store(ctx context.Context, id authz.Identity, taskID uint, up *Upload) (*models.TaskAttachment, error) {
	if up.Reader == nil || strings.TrimSpace(up.FileName) == "" {
		return nil, apperr.Validation(ReasonInvalidField, "file name and content are required")
	}
	if s.files == nil {
		return nil, apperr.Dependency(ReasonStorageFailed, "file storage is not configured", nil)
	}
	path, size, err := s.files.Put(ctx, up.FileName, up.Reader)
	if err != nil {
		return nil, err
	}
	return &models.TaskAttachment{
		TaskID:      taskID,
		UploadedBy:  id.UserID,
		FileName:    up.FileName,
		StoragePath: path,
		ContentType: up.ContentType,
		Size:        size,
		CreatedAt:   s.now(),
	}, nil
}

func (s *TaskService) discard(ctx context.Context, path string) {
	if err := s.files.Delete(ctx, path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("[Task] failed to remove orphaned upload")
	}
}

// checkAssignee enforces that assignees are active members of the project.
func checkAssignee(db *gorm.DB, projectID, userID uint) error {
	role, err := activeRole(db, projectID, userID)
	if err != nil {
		return err
	}
	if role == "" {
		return apperr.Validation(ReasonAssigneeNotMember, "assignee must be an active member of the project")
	}
	user, err := findUser(db, userID)
	if err != nil {
		return err
	}
	if user.Banned {
		return apperr.Validation(ReasonUserBanned, "banned users cannot be assigned tasks")
	}
	return nil
}

// checkParent requires the parent to live in the same project and not be
// the task itself.
func checkParent(db *gorm.DB, projectID, taskID, parentID uint) error {
	if taskID != 0 && parentID == taskID {
		return apperr.Validation(ReasonInvalidParent, "a task cannot be its own parent")
	}
	parent, err := findTask(db, parentID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Validation(ReasonInvalidParent, "parent task does not exist")
		}
		return err
	}
	if parent.ProjectID != projectID {
		return apperr.Validation(ReasonInvalidParent, "parent task belongs to another project")
	}
	if taskID == 0 {
		return nil
	}

	// walk up from the new parent; meeting taskID means the edge closes a loop
	seen := map[uint]bool{parent.ID: true}
	next := parent.ParentTaskID
	for next != nil {
		if *next == taskID {
			return apperr.Validation(ReasonInvalidParent, "parent would create a cycle")
		}
		if seen[*next] {
			break
		}
		seen[*next] = true
		var up models.Task
		if err := db.Unscoped().Select("id", "parent_task_id").First(&up, *next).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				break
			}
			return err
		}
		next = up.ParentTaskID
	}
	return nil
}
