package models

import (
	"time"
)

// User represents a system user. Users are never deleted; Banned blocks
// every action while keeping historical attribution intact.
type User struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Username  string     `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Password  string     `gorm:"size:255" json:"-"` // bcrypt hash
	Email     string     `gorm:"size:255" json:"email"`
	Nickname  string     `gorm:"size:100" json:"nickname"`
	Role      Role       `gorm:"size:50;not null;default:contributor" json:"role"`
	Banned    bool       `gorm:"default:false" json:"banned"`
	BannedAt  *time.Time `json:"banned_at"`
	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// DisplayName prefers the nickname when set.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}
