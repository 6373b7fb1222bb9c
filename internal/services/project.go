package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"gorm.io/gorm"
)

type ProjectService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewProjectService(db *gorm.DB) *ProjectService {
	return &ProjectService{db: db, now: time.Now}
}

type ProjectListRequest struct {
	Page            int    `form:"page"`
	PageSize        int    `form:"page_size"`
	Name            string `form:"name"`
	IncludeArchived bool   `form:"include_archived"`
}

type ProjectListResponse struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Items    []models.Project `json:"items"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// List returns the projects visible to the caller: all of them for global
// admins, otherwise those the caller created or is an active member of.
func (s *ProjectService) List(ctx context.Context, id authz.Identity, req *ProjectListRequest) (*ProjectListResponse, error) {
	if err := requireActive(id); err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)
	db := s.db.WithContext(ctx)

	query := db.Model(&models.Project{})
	if !id.IsAdmin() {
		memberOf := db.Model(&models.ProjectMember{}).Select("project_id").
			Where("user_id = ? AND is_active = ?", id.UserID, true)
		query = query.Where("created_by = ? OR id IN (?)", id.UserID, memberOf)
	}
	if req.Name != "" {
		query = query.Where("name LIKE ?", "%"+req.Name+"%")
	}
	if !req.IncludeArchived {
		query = query.Where("is_archived = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var projects []models.Project
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).Order("created_at DESC, id DESC").Find(&projects).Error; err != nil {
		return nil, err
	}

	return &ProjectListResponse{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Items:    projects,
	}, nil
}

func (s *ProjectService) Get(ctx context.Context, id authz.Identity, projectID uint) (*models.Project, error) {
	project, err := s.authorized(ctx, id, authz.ActionViewProject, projectID)
	if err != nil {
		return nil, err
	}
	return project, nil
}

// Create stores a new project owned by the caller. A non-admin creator also
// becomes an active ProjectManager member in the same transaction; global
// admins never hold memberships.
func (s *ProjectService) Create(ctx context.Context, id authz.Identity, req *CreateProjectRequest) (*models.Project, error) {
	if err := authz.Authorize(id, authz.ActionCreateProject, authz.Resource{}).Err(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation(ReasonInvalidField, "project name is required")
	}

	project := models.Project{
		Name:        name,
		Description: req.Description,
		CreatedBy:   id.UserID,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		if id.IsAdmin() {
			return nil
		}
		return tx.Create(&models.ProjectMember{
			ProjectID: project.ID,
			UserID:    id.UserID,
			Role:      models.RoleProjectManager,
			IsActive:  true,
			JoinedAt:  s.now(),
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	LogInfo("project", "create", fmt.Sprintf("%s created project %s", id.Username, project.Name), &id.UserID, "", "", nil)
	return &project, nil
}

func (s *ProjectService) Update(ctx context.Context, id authz.Identity, projectID uint, req *UpdateProjectRequest) (*models.Project, error) {
	project, err := s.authorized(ctx, id, authz.ActionUpdateProject, projectID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.Validation(ReasonInvalidField, "project name cannot be empty")
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if len(updates) == 0 {
		return project, nil
	}

	db := s.db.WithContext(ctx)
	if err := db.Model(project).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return findProject(db, project.ID)
}

// SetArchived archives or restores a project. Archived projects reject task
// and membership changes but stay readable.
func (s *ProjectService) SetArchived(ctx context.Context, id authz.Identity, projectID uint, archived bool) (*models.Project, error) {
	project, err := s.authorized(ctx, id, authz.ActionArchiveProject, projectID)
	if err != nil {
		return nil, err
	}
	if project.IsArchived == archived {
		return project, nil
	}

	updates := map[string]interface{}{"is_archived": archived, "archived_at": nil}
	if archived {
		updates["archived_at"] = s.now()
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(project).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("archive project: %w", err)
	}

	action := "unarchive"
	if archived {
		action = "archive"
	}
	LogInfo("project", action, fmt.Sprintf("%s %sd project %s", id.Username, action, project.Name), &id.UserID, "", "", nil)
	return findProject(db, project.ID)
}

// Delete soft-deletes a project. Only its creator may do so.
func (s *ProjectService) Delete(ctx context.Context, id authz.Identity, projectID uint) error {
	project, err := s.authorized(ctx, id, authz.ActionDeleteProject, projectID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(project).Error; err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	LogWarning("project", "delete", fmt.Sprintf("%s deleted project %s", id.Username, project.Name), &id.UserID, "", "", nil)
	return nil
}

func (s *ProjectService) authorized(ctx context.Context, id authz.Identity, action authz.Action, projectID uint) (*models.Project, error) {
	db := s.db.WithContext(ctx)
	project, err := findProject(db, projectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{})
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(id, action, res).Err(); err != nil {
		return nil, err
	}
	return project, nil
}
