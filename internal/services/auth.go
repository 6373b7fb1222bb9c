package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/utils"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserBanned         = errors.New("user is banned")
)

type AuthService struct {
	db        *gorm.DB
	jwtConfig *config.JWTConfig
}

func NewAuthService(db *gorm.DB, jwtCfg *config.JWTConfig) *AuthService {
	return &AuthService{db: db, jwtConfig: jwtCfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string       `json:"token"`
	User     *models.User `json:"user"`
	ExpireAt time.Time    `json:"expire_at"`
}

// Login checks a local password and issues an access token.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	if user.Banned {
		return nil, ErrUserBanned
	}

	hours := s.jwtConfig.ExpireHour
	if hours <= 0 {
		hours = 24
	}
	token, err := utils.GenerateToken(user.ID, user.Username, user.Role.String(), hours)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := db.Model(&user).Update("last_login", now).Error; err != nil {
		logger.Warn().Err(err).Uint("user", user.ID).Msg("[Auth] failed to record last login")
	}
	user.LastLogin = &now

	return &LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: now.Add(time.Duration(hours) * time.Hour),
	}, nil
}

// ResolveIdentity builds the per-request identity from the current user row,
// so role changes and bans apply to tokens that were issued earlier.
func (s *AuthService) ResolveIdentity(ctx context.Context, userID uint) (authz.Identity, error) {
	user, err := findUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return authz.Identity{}, err
	}
	return IdentityOf(user), nil
}

// IdentityOf converts a user row into an Identity.
func IdentityOf(user *models.User) authz.Identity {
	return authz.Identity{
		UserID:     user.ID,
		Username:   user.Username,
		GlobalRole: user.Role,
		IsActive:   !user.Banned,
	}
}

func (s *AuthService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	return findUser(s.db.WithContext(ctx), id)
}

// CreateAdminIfNotExists seeds a global admin when none exists yet.
func (s *AuthService) CreateAdminIfNotExists(cfg *config.AdminConfig) error {
	var count int64
	if err := s.db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashedPassword, err := utils.HashPassword(cfg.Password)
	if err != nil {
		return err
	}
	admin := models.User{
		Username: cfg.Username,
		Password: hashedPassword,
		Nickname: "Administrator",
		Role:     models.RoleAdmin,
	}
	if err := s.db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	logger.Infof("[Auth] Created default admin user %q", cfg.Username)
	return nil
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=6,max=72"`
}

func (s *AuthService) ChangePassword(ctx context.Context, id authz.Identity, req *ChangePasswordRequest) error {
	if err := requireActive(id); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	user, err := findUser(db, id.UserID)
	if err != nil {
		return err
	}
	if !utils.CheckPassword(req.OldPassword, user.Password) {
		return apperr.Validation("incorrect_password", "incorrect old password")
	}

	hashedPassword, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	return db.Model(user).Update("password", hashedPassword).Error
}
