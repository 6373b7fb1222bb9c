package models

import (
	"time"
)

// ProjectMember represents a user's membership and role within a project.
// At most one row exists per (project, user); removal flips IsActive and
// re-adding reuses the same row.
type ProjectMember struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ProjectID uint       `gorm:"uniqueIndex:idx_project_user;not null" json:"project_id"`
	UserID    uint       `gorm:"uniqueIndex:idx_project_user;index;not null" json:"user_id"`
	Role      Role       `gorm:"size:50;not null;default:contributor" json:"role"`
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (ProjectMember) TableName() string { return "project_members" }
