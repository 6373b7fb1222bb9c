package models

import "time"

type NotificationKind string

const (
	NotificationTaskAssigned     NotificationKind = "task_assigned"
	NotificationCommentMention   NotificationKind = "comment_added"
	NotificationTaskSubmitted    NotificationKind = "task_submitted"
	NotificationChangesRequested NotificationKind = "changes_requested"
	NotificationTaskApproved     NotificationKind = "task_approved"
	NotificationMemberAdded      NotificationKind = "member_added"
)

// Notification is one recipient's copy of an event. CreatedAt is stored in
// UTC; the digest groups by its calendar date.
type Notification struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	RecipientID   uint             `gorm:"index:idx_recipient_created,priority:1;not null" json:"recipient_id"`
	TriggeredByID uint             `gorm:"not null" json:"triggered_by_id"`
	Kind          NotificationKind `gorm:"size:50;not null" json:"kind"`
	Message       string           `gorm:"type:text;not null" json:"message"`
	ProjectID     *uint            `gorm:"index" json:"project_id"`
	TaskID        *uint            `gorm:"index" json:"task_id"`
	IsRead        bool             `gorm:"not null;default:false" json:"is_read"`
	CreatedAt     time.Time        `gorm:"index:idx_recipient_created,priority:2" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
