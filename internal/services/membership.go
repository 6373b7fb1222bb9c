package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

const (
	ReasonAlreadyMember apperr.Reason = "already_member"
	ReasonNotActive     apperr.Reason = "member_inactive"
	ReasonUserBanned    apperr.Reason = "user_banned"
)

// MembershipService manages who belongs to a project and in which role.
// Membership rows are never deleted: removal deactivates, re-adding
// reactivates the same row.
type MembershipService struct {
	db       *gorm.DB
	notifier *NotificationService
	now      func() time.Time
}

func NewMembershipService(db *gorm.DB, notifier *NotificationService) *MembershipService {
	return &MembershipService{db: db, notifier: notifier, now: time.Now}
}

type AddMemberRequest struct {
	Username string      `json:"username" binding:"required"`
	Role     models.Role `json:"role"`
}

type ChangeRoleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// MemberView is a membership joined with the member's public profile.
type MemberView struct {
	models.ProjectMember
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

// AddMember adds the user named in req to the project. A previously removed
// member is reactivated with the requested role; an active one is rejected
// with already_member.
func (s *MembershipService) AddMember(ctx context.Context, id authz.Identity, projectID uint, req *AddMemberRequest) (*models.ProjectMember, error) {
	db := s.db.WithContext(ctx)
	role := req.Role
	if role == "" {
		role = models.RoleContributor
	}

	project, err := findProject(db, projectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{})
	if err != nil {
		return nil, err
	}

	var target models.User
	if err := db.Where("username = ?", strings.TrimSpace(req.Username)).First(&target).Error; err != nil {
		return nil, notFound(err, ReasonUserNotFound, "user not found")
	}
	res.TargetUserID = target.ID
	res.TargetGlobalRole = target.Role
	res.TargetIsCreator = target.ID == project.CreatedBy
	res.RequestedRole = role

	if err := authz.Authorize(id, authz.ActionAddMember, res).Err(); err != nil {
		return nil, err
	}
	if err := ensureWritable(project); err != nil {
		return nil, err
	}
	if target.Banned {
		return nil, apperr.Validation(ReasonUserBanned, "banned users cannot be added to projects")
	}

	alreadyMember := apperr.Validation(ReasonAlreadyMember, fmt.Sprintf("%s is already a member of this project", target.Username))
	now := s.now()

	var member models.ProjectMember
	err = db.Transaction(func(tx *gorm.DB) error {
		var existing []models.ProjectMember
		if err := tx.Where("project_id = ? AND user_id = ?", project.ID, target.ID).
			Limit(1).Find(&existing).Error; err != nil {
			return err
		}

		if len(existing) > 0 {
			if existing[0].IsActive {
				return alreadyMember
			}
			// Conditional on is_active so two concurrent re-adds cannot both win.
			upd := tx.Model(&models.ProjectMember{}).
				Where("id = ? AND is_active = ?", existing[0].ID, false).
				Updates(map[string]interface{}{
					"is_active": true,
					"role":      role,
					"joined_at": now,
					"left_at":   nil,
				})
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected == 0 {
				return alreadyMember
			}
			return tx.First(&member, existing[0].ID).Error
		}

		member = models.ProjectMember{
			ProjectID: project.ID,
			UserID:    target.ID,
			Role:      role,
			IsActive:  true,
			JoinedAt:  now,
		}
		if err := tx.Create(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return alreadyMember
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Uint("project", project.ID).Uint("user", target.ID).Str("role", string(role)).
		Uint("by", id.UserID).Msg("[Membership] member added")
	LogInfo("membership", "add_member", fmt.Sprintf("%s added %s to %s as %s", id.Username, target.Username, project.Name, role), &id.UserID, "", "", nil)

	s.notifier.dispatch(ctx, Event{
		Kind:         models.NotificationMemberAdded,
		ActorID:      id.UserID,
		ProjectID:    project.ID,
		MemberUserID: target.ID,
	})
	return &member, nil
}

// RemoveMember deactivates a membership. Tasks assigned to the member keep
// their assignee.
func (s *MembershipService) RemoveMember(ctx context.Context, id authz.Identity, projectID, memberID uint) error {
	db := s.db.WithContext(ctx)

	member, project, res, err := s.loadMember(db, id, projectID, memberID)
	if err != nil {
		return err
	}
	if err := authz.Authorize(id, authz.ActionRemoveMember, res).Err(); err != nil {
		return err
	}
	if err := ensureWritable(project); err != nil {
		return err
	}
	if !member.IsActive {
		return apperr.Validation(ReasonNotActive, "member has already left the project")
	}

	now := s.now()
	upd := db.Model(&models.ProjectMember{}).
		Where("id = ? AND is_active = ?", member.ID, true).
		Updates(map[string]interface{}{"is_active": false, "left_at": now})
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected == 0 {
		return apperr.Validation(ReasonNotActive, "member has already left the project")
	}

	logger.Info().Uint("project", project.ID).Uint("user", member.UserID).Uint("by", id.UserID).
		Msg("[Membership] member removed")
	LogInfo("membership", "remove_member", fmt.Sprintf("user %d removed from %s", member.UserID, project.Name), &id.UserID, "", "", nil)
	return nil
}

// ChangeRole sets an active member's project role.
func (s *MembershipService) ChangeRole(ctx context.Context, id authz.Identity, projectID, memberID uint, role models.Role) (*models.ProjectMember, error) {
	db := s.db.WithContext(ctx)

	member, project, res, err := s.loadMember(db, id, projectID, memberID)
	if err != nil {
		return nil, err
	}
	res.RequestedRole = role
	if err := authz.Authorize(id, authz.ActionChangeMemberRole, res).Err(); err != nil {
		return nil, err
	}
	if err := ensureWritable(project); err != nil {
		return nil, err
	}
	notActive := apperr.Validation(ReasonNotActive, "member has left the project")
	if !member.IsActive {
		return nil, notActive
	}
	if member.Role == role {
		return member, nil
	}

	// a removal that commits after loadMember must not be overridden
	upd := db.Model(&models.ProjectMember{}).
		Where("id = ? AND is_active = ?", member.ID, true).
		Update("role", role)
	if upd.Error != nil {
		return nil, upd.Error
	}
	if upd.RowsAffected == 0 {
		return nil, notActive
	}
	member.Role = role

	LogInfo("membership", "change_role", fmt.Sprintf("user %d in %s is now %s", member.UserID, project.Name, role), &id.UserID, "", "", nil)
	return member, nil
}

// ListMembers returns the project's members, active ones only unless
// includeInactive is set.
func (s *MembershipService) ListMembers(ctx context.Context, id authz.Identity, projectID uint, includeInactive bool) ([]MemberView, error) {
	db := s.db.WithContext(ctx)

	project, err := findProject(db, projectID)
	if err != nil {
		return nil, err
	}
	res, err := projectFacts(db, id, project, authz.Resource{})
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(id, authz.ActionListMembers, res).Err(); err != nil {
		return nil, err
	}

	query := db.Table("project_members").
		Select("project_members.*, users.username, users.nickname, users.email").
		Joins("JOIN users ON users.id = project_members.user_id").
		Where("project_members.project_id = ?", project.ID)
	if !includeInactive {
		query = query.Where("project_members.is_active = ?", true)
	}

	var views []MemberView
	if err := query.Order("project_members.joined_at ASC").Scan(&views).Error; err != nil {
		return nil, err
	}
	return views, nil
}

func (s *MembershipService) loadMember(db *gorm.DB, id authz.Identity, projectID, memberID uint) (*models.ProjectMember, *models.Project, authz.Resource, error) {
	var res authz.Resource

	var member models.ProjectMember
	if err := db.Where("id = ? AND project_id = ?", memberID, projectID).First(&member).Error; err != nil {
		return nil, nil, res, notFound(err, ReasonMemberNotFound, "member not found")
	}
	project, err := findProject(db, projectID)
	if err != nil {
		return nil, nil, res, err
	}
	res, err = projectFacts(db, id, project, res)
	if err != nil {
		return nil, nil, res, err
	}

	target, err := findUser(db, member.UserID)
	if err != nil {
		return nil, nil, res, err
	}
	res.TargetUserID = target.ID
	res.TargetGlobalRole = target.Role
	res.TargetIsCreator = target.ID == project.CreatedBy
	return &member, project, res, nil
}
