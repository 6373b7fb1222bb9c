package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type TaskStatus string

const (
	TaskStatusToDo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusToDo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

func ParseTaskPriority(s string) (TaskPriority, error) {
	switch p := TaskPriority(s); p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical:
		return p, nil
	case "":
		return TaskPriorityMedium, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

// Task is a unit of work inside a project. Related rows (project, assignee,
// parent) are referenced by id only.
type Task struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ProjectID    uint           `gorm:"index;not null" json:"project_id"`
	Title        string         `gorm:"size:300;not null" json:"title"`
	Description  string         `gorm:"type:text" json:"description"`
	Status       TaskStatus     `gorm:"size:20;index;not null;default:todo" json:"status"`
	Priority     TaskPriority   `gorm:"size:20;not null;default:medium" json:"priority"`
	AssigneeID   *uint          `gorm:"index" json:"assignee_id"`
	CreatedBy    uint           `gorm:"not null" json:"created_by"`
	ParentTaskID *uint          `gorm:"index" json:"parent_task_id"`
	DueDate      *time.Time     `json:"due_date"`
	CompletedAt  *time.Time     `json:"completed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string { return "tasks" }

// IsAssignee reports whether userID is the task's current assignee.
func (t *Task) IsAssignee(userID uint) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// TaskComment is attributed to its author even after the author leaves
// the project.
type TaskComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    uint      `gorm:"index;not null" json:"task_id"`
	AuthorID  uint      `gorm:"index;not null" json:"author_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (TaskComment) TableName() string { return "task_comments" }

type TaskAttachment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TaskID      uint      `gorm:"index;not null" json:"task_id"`
	UploadedBy  uint      `gorm:"not null" json:"uploaded_by"`
	FileName    string    `gorm:"size:255;not null" json:"file_name"`
	StoragePath string    `gorm:"size:500;not null" json:"-"`
	ContentType string    `gorm:"size:100" json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func (TaskAttachment) TableName() string { return "task_attachments" }
