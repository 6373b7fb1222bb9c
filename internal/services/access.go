package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"gorm.io/gorm"
)

const (
	ReasonProjectNotFound apperr.Reason = "project_not_found"
	ReasonTaskNotFound    apperr.Reason = "task_not_found"
	ReasonMemberNotFound  apperr.Reason = "member_not_found"
	ReasonUserNotFound    apperr.Reason = "user_not_found"
	ReasonProjectArchived apperr.Reason = "project_archived"
)

// AccessService turns resource ids into the facts authz.Authorize needs.
type AccessService struct {
	db *gorm.DB
}

func NewAccessService(db *gorm.DB) *AccessService {
	return &AccessService{db: db}
}

// ResourceRef identifies the target of an authorization query by id.
// TaskID and MemberID imply their project; ProjectID may then be omitted.
type ResourceRef struct {
	ProjectID     uint
	TaskID        uint
	MemberID      uint
	TargetUserID  uint
	RequestedRole models.Role
}

// Resolve loads everything referenced by ref and returns the resolved facts.
func (s *AccessService) Resolve(ctx context.Context, id authz.Identity, ref ResourceRef) (authz.Resource, error) {
	db := s.db.WithContext(ctx)
	var res authz.Resource

	projectID := ref.ProjectID
	if ref.TaskID != 0 {
		task, err := findTask(db, ref.TaskID)
		if err != nil {
			return res, err
		}
		projectID = task.ProjectID
		res.TaskCreatorID = task.CreatedBy
		if task.AssigneeID != nil {
			res.TaskAssigneeID = *task.AssigneeID
		}
	}

	targetUserID := ref.TargetUserID
	if ref.MemberID != 0 {
		member, err := findMember(db, ref.MemberID)
		if err != nil {
			return res, err
		}
		projectID = member.ProjectID
		targetUserID = member.UserID
	}

	if projectID != 0 {
		project, err := findProject(db, projectID)
		if err != nil {
			return res, err
		}
		res, err = projectFacts(db, id, project, res)
		if err != nil {
			return res, err
		}
		res.TargetIsCreator = targetUserID != 0 && targetUserID == project.CreatedBy
	}

	if targetUserID != 0 {
		target, err := findUser(db, targetUserID)
		if err != nil {
			return res, err
		}
		res.TargetUserID = target.ID
		res.TargetGlobalRole = target.Role
	}
	res.RequestedRole = ref.RequestedRole
	return res, nil
}

// Check resolves ref and evaluates action, returning the full decision.
func (s *AccessService) Check(ctx context.Context, id authz.Identity, action authz.Action, ref ResourceRef) (authz.Decision, error) {
	res, err := s.Resolve(ctx, id, ref)
	if err != nil {
		return authz.Decision{}, err
	}
	return authz.Authorize(id, action, res), nil
}

// Authorize is Check reduced to an error: nil when allowed.
func (s *AccessService) Authorize(ctx context.Context, id authz.Identity, action authz.Action, ref ResourceRef) error {
	d, err := s.Check(ctx, id, action, ref)
	if err != nil {
		return err
	}
	return d.Err()
}

// projectFacts fills the caller's standing in project into res.
func projectFacts(db *gorm.DB, id authz.Identity, project *models.Project, res authz.Resource) (authz.Resource, error) {
	role, err := activeRole(db, project.ID, id.UserID)
	if err != nil {
		return res, err
	}
	res.ProjectID = project.ID
	res.ProjectRole = role
	res.IsOwner = project.CreatedBy == id.UserID
	return res, nil
}

// activeRole returns the user's role in an active membership, or "".
func activeRole(db *gorm.DB, projectID, userID uint) (models.Role, error) {
	var members []models.ProjectMember
	if err := db.Where("project_id = ? AND user_id = ? AND is_active = ?", projectID, userID, true).
		Limit(1).Find(&members).Error; err != nil {
		return "", fmt.Errorf("load membership: %w", err)
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0].Role, nil
}

func findProject(db *gorm.DB, id uint) (*models.Project, error) {
	var project models.Project
	if err := db.First(&project, id).Error; err != nil {
		return nil, notFound(err, ReasonProjectNotFound, "project not found")
	}
	return &project, nil
}

func findTask(db *gorm.DB, id uint) (*models.Task, error) {
	var task models.Task
	if err := db.First(&task, id).Error; err != nil {
		return nil, notFound(err, ReasonTaskNotFound, "task not found")
	}
	return &task, nil
}

func findMember(db *gorm.DB, id uint) (*models.ProjectMember, error) {
	var member models.ProjectMember
	if err := db.First(&member, id).Error; err != nil {
		return nil, notFound(err, ReasonMemberNotFound, "member not found")
	}
	return &member, nil
}

func findUser(db *gorm.DB, id uint) (*models.User, error) {
	var user models.User
	if err := db.First(&user, id).Error; err != nil {
		return nil, notFound(err, ReasonUserNotFound, "user not found")
	}
	return &user, nil
}

// notFound maps gorm.ErrRecordNotFound to an apperr NotFound and wraps
// anything else.
func notFound(err error, reason apperr.Reason, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(reason, msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func requireActive(id authz.Identity) error {
	if !id.IsActive {
		return apperr.AccessDenied(authz.ReasonInactive, "account is banned")
	}
	return nil
}

// requireAdmin gates admin-only reads that have no action of their own.
func requireAdmin(id authz.Identity) error {
	if err := requireActive(id); err != nil {
		return err
	}
	if !id.IsAdmin() {
		return apperr.AccessDenied(authz.ReasonAdminOnly, "admin access required")
	}
	return nil
}

func ensureWritable(project *models.Project) error {
	if project.IsArchived {
		return apperr.Validation(ReasonProjectArchived, "project is archived")
	}
	return nil
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
