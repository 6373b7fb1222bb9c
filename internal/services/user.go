package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/utils"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

const ReasonUsernameTaken apperr.Reason = "username_taken"

// UserService covers global user administration: accounts, bans and
// global roles.
type UserService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db, now: time.Now}
}

type CreateUserRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required,min=6,max=72"`
	Email    string      `json:"email"`
	Nickname string      `json:"nickname"`
	Role     models.Role `json:"role"`
}

type UserSearchRequest struct {
	Query    string `form:"q"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

type UserListResponse struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []models.User `json:"items"`
}

// Create registers a local account. Global admins only.
func (s *UserService) Create(ctx context.Context, id authz.Identity, req *CreateUserRequest) (*models.User, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = models.RoleContributor
	}
	if !role.Valid() {
		return nil, apperr.Validation(authz.ReasonInvalidRole, "invalid role")
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, apperr.Validation(ReasonInvalidField, "username is required")
	}

	hashed, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username: username,
		Password: hashed,
		Email:    strings.TrimSpace(req.Email),
		Nickname: req.Nickname,
		Role:     role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Validation(ReasonUsernameTaken, "username already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	LogInfo("user", "create", fmt.Sprintf("%s created user %s (%s)", id.Username, user.Username, role), &id.UserID, "", "", nil)
	return &user, nil
}

// Search finds users by username, nickname or email, e.g. to pick someone
// to add to a project.
func (s *UserService) Search(ctx context.Context, id authz.Identity, req *UserSearchRequest) (*UserListResponse, error) {
	if err := authz.Authorize(id, authz.ActionSearchUsers, authz.Resource{}).Err(); err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.db.WithContext(ctx).Model(&models.User{})
	if q := strings.TrimSpace(req.Query); q != "" {
		like := "%" + q + "%"
		query = query.Where("username LIKE ? OR nickname LIKE ? OR email LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var users []models.User
	if err := query.Order("username ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		return nil, err
	}
	return &UserListResponse{Total: total, Page: page, PageSize: pageSize, Items: users}, nil
}

// Ban blocks every action of the target while keeping their history.
func (s *UserService) Ban(ctx context.Context, id authz.Identity, userID uint) (*models.User, error) {
	return s.setBanned(ctx, id, userID, true)
}

// Unban reactivates a banned user.
func (s *UserService) Unban(ctx context.Context, id authz.Identity, userID uint) (*models.User, error) {
	return s.setBanned(ctx, id, userID, false)
}

func (s *UserService) setBanned(ctx context.Context, id authz.Identity, userID uint, banned bool) (*models.User, error) {
	db := s.db.WithContext(ctx)
	target, err := findUser(db, userID)
	if err != nil {
		return nil, err
	}

	action := authz.ActionUnbanUser
	if banned {
		action = authz.ActionBanUser
	}
	res := authz.Resource{TargetUserID: target.ID, TargetGlobalRole: target.Role}
	if err := authz.Authorize(id, action, res).Err(); err != nil {
		return nil, err
	}
	if target.Banned == banned {
		return target, nil
	}

	updates := map[string]interface{}{"banned": banned, "banned_at": nil}
	if banned {
		updates["banned_at"] = s.now()
	}
	if err := db.Model(target).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	verb := "unbanned"
	if banned {
		verb = "banned"
	}
	logger.Info().Uint("user", target.ID).Uint("by", id.UserID).Msgf("[User] %s", verb)
	LogWarning("user", string(action), fmt.Sprintf("%s %s %s", id.Username, verb, target.Username), &id.UserID, "", "", nil)
	return findUser(db, target.ID)
}

// ChangeGlobalRole sets a user's system-wide role. Promotion to admin
// deactivates the user's project memberships, except on projects the user
// created: a creator's membership is never deactivated.
func (s *UserService) ChangeGlobalRole(ctx context.Context, id authz.Identity, userID uint, role models.Role) (*models.User, error) {
	db := s.db.WithContext(ctx)
	target, err := findUser(db, userID)
	if err != nil {
		return nil, err
	}
	res := authz.Resource{TargetUserID: target.ID, TargetGlobalRole: target.Role, RequestedRole: role}
	if err := authz.Authorize(id, authz.ActionChangeGlobalRole, res).Err(); err != nil {
		return nil, err
	}
	if target.Role == role {
		return target, nil
	}

	now := s.now()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(target).Update("role", role).Error; err != nil {
			return err
		}
		if role != models.RoleAdmin {
			return nil
		}
		owned := tx.Unscoped().Model(&models.Project{}).Select("id").Where("created_by = ?", target.ID)
		return tx.Model(&models.ProjectMember{}).
			Where("user_id = ? AND is_active = ?", target.ID, true).
			Where("project_id NOT IN (?)", owned).
			Updates(map[string]interface{}{"is_active": false, "left_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("change role: %w", err)
	}

	LogWarning("user", string(authz.ActionChangeGlobalRole),
		fmt.Sprintf("%s changed %s from %s to %s", id.Username, target.Username, target.Role, role), &id.UserID, "", "", nil)
	return findUser(db, target.ID)
}

func (s *UserService) Get(ctx context.Context, id authz.Identity, userID uint) (*models.User, error) {
	if err := requireActive(id); err != nil {
		return nil, err
	}
	return findUser(s.db.WithContext(ctx), userID)
}
