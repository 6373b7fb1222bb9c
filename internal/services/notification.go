package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

const ReasonNotificationNotFound apperr.Reason = "notification_not_found"

// Event is a domain occurrence that may fan out into notifications. Only the
// fields relevant to Kind need to be set.
type Event struct {
	Kind      models.NotificationKind
	ActorID   uint
	ProjectID uint
	TaskID    uint

	// Comment is scanned for @mentions on NotificationCommentMention.
	Comment string
	// MemberUserID is the user added on NotificationMemberAdded.
	MemberUserID uint
}

// NotificationService records per-recipient notifications for domain events
// and serves them back to their recipients.
type NotificationService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db, now: time.Now}
}

// SetClock replaces the time source; tests use it to pin CreatedAt.
func (s *NotificationService) SetClock(now func() time.Time) {
	s.now = now
}

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_.\-]*)`)

// ParseMentions returns the distinct usernames mentioned as @name in text,
// in order of first appearance. Email addresses are not mentions.
func ParseMentions(text string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimRight(m[1], ".-")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// RecordEvent derives the recipients for ev and stores one notification per
// recipient in a single insert. The actor never notifies themselves. It
// returns the ids of the stored notifications.
func (s *NotificationService) RecordEvent(ctx context.Context, ev Event) ([]uint, error) {
	db := s.db.WithContext(ctx)

	actor, err := findUser(db, ev.ActorID)
	if err != nil {
		return nil, err
	}
	name := actor.DisplayName()

	var (
		recipients []uint
		message    string
		projectID  = ev.ProjectID
		taskID     *uint
	)

	var task *models.Task
	if ev.TaskID != 0 {
		task, err = findTask(db, ev.TaskID)
		if err != nil {
			return nil, err
		}
		projectID = task.ProjectID
		taskID = &task.ID
	}

	switch ev.Kind {
	case models.NotificationTaskAssigned:
		if task == nil || task.AssigneeID == nil {
			return nil, nil
		}
		recipients = []uint{*task.AssigneeID}
		message = fmt.Sprintf("%s assigned you to task \"%s\"", name, task.Title)

	case models.NotificationCommentMention:
		if task == nil {
			return nil, fmt.Errorf("comment event without task")
		}
		recipients, err = s.mentionedMembers(db, task.ProjectID, ParseMentions(ev.Comment))
		if err != nil {
			return nil, err
		}
		message = fmt.Sprintf("%s mentioned you on task \"%s\"", name, task.Title)

	case models.NotificationTaskSubmitted:
		if task == nil {
			return nil, fmt.Errorf("submit event without task")
		}
		recipients, err = s.reviewers(db, task)
		if err != nil {
			return nil, err
		}
		message = fmt.Sprintf("%s submitted task \"%s\" for review", name, task.Title)

	case models.NotificationChangesRequested, models.NotificationTaskApproved:
		if task == nil || task.AssigneeID == nil {
			return nil, nil
		}
		recipients = []uint{*task.AssigneeID}
		if ev.Kind == models.NotificationTaskApproved {
			message = fmt.Sprintf("%s approved task \"%s\"", name, task.Title)
		} else {
			message = fmt.Sprintf("%s requested changes on task \"%s\"", name, task.Title)
		}

	case models.NotificationMemberAdded:
		project, err := findProject(db, projectID)
		if err != nil {
			return nil, err
		}
		recipients = []uint{ev.MemberUserID}
		message = fmt.Sprintf("%s added you to project \"%s\"", name, project.Name)

	default:
		return nil, fmt.Errorf("unknown notification kind %q", ev.Kind)
	}

	var pid *uint
	if projectID != 0 {
		pid = &projectID
	}

	createdAt := s.now().UTC()
	rows := make([]models.Notification, 0, len(recipients))
	for _, rid := range uniqueIDs(recipients) {
		if rid == ev.ActorID {
			continue
		}
		rows = append(rows, models.Notification{
			RecipientID:   rid,
			TriggeredByID: ev.ActorID,
			Kind:          ev.Kind,
			Message:       message,
			ProjectID:     pid,
			TaskID:        taskID,
			CreatedAt:     createdAt,
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if err := db.Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("store notifications: %w", err)
	}

	ids := make([]uint, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	logger.Debug().Str("kind", string(ev.Kind)).Uint("actor", ev.ActorID).Int("recipients", len(ids)).
		Msg("[Notification] event recorded")
	return ids, nil
}

// dispatch records ev after a committed mutation. Failures are logged and
// never undo the mutation that caused them.
func (s *NotificationService) dispatch(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	if _, err := s.RecordEvent(ctx, ev); err != nil {
		logger.Error().Err(err).Str("kind", string(ev.Kind)).Uint("task", ev.TaskID).
			Msg("[Notification] failed to record event")
	}
}

func (s *NotificationService) mentionedMembers(db *gorm.DB, projectID uint, usernames []string) ([]uint, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	var ids []uint
	err := db.Model(&models.ProjectMember{}).
		Joins("JOIN users ON users.id = project_members.user_id").
		Where("project_members.project_id = ? AND project_members.is_active = ? AND users.username IN ?",
			projectID, true, usernames).
		Pluck("project_members.user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("resolve mentions: %w", err)
	}
	return ids, nil
}

// reviewers are the active Admin/ProjectManager members plus the project
// creator.
func (s *NotificationService) reviewers(db *gorm.DB, task *models.Task) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.ProjectMember{}).
		Where("project_id = ? AND is_active = ? AND role IN ?", task.ProjectID, true,
			[]models.Role{models.RoleAdmin, models.RoleProjectManager}).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("resolve reviewers: %w", err)
	}
	project, err := findProject(db, task.ProjectID)
	if err != nil {
		return nil, err
	}
	return append(ids, project.CreatedBy), nil
}

type NotificationListRequest struct {
	Page       int  `form:"page"`
	PageSize   int  `form:"page_size"`
	UnreadOnly bool `form:"unread_only"`
}

type NotificationListResponse struct {
	Total    int64                 `json:"total"`
	Unread   int64                 `json:"unread"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Items    []models.Notification `json:"items"`
}

// List returns the caller's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, id authz.Identity, req *NotificationListRequest) (*NotificationListResponse, error) {
	if err := requireActive(id); err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("recipient_id = ?", id.UserID)
	if req.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.Notification
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; err != nil {
		return nil, err
	}

	unread, err := s.UnreadCount(ctx, id)
	if err != nil {
		return nil, err
	}

	return &NotificationListResponse{
		Total:    total,
		Unread:   unread,
		Page:     page,
		PageSize: pageSize,
		Items:    items,
	}, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, id authz.Identity) (int64, error) {
	if err := requireActive(id); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = ?", id.UserID, false).
		Count(&n).Error
	return n, err
}

// MarkRead marks the given notifications read. Either all of ids belong to
// the caller and are updated, or nothing changes.
func (s *NotificationService) MarkRead(ctx context.Context, id authz.Identity, ids []uint) error {
	return s.bulk(ctx, id, ids, func(tx *gorm.DB, ids []uint) error {
		return tx.Model(&models.Notification{}).
			Where("id IN ? AND recipient_id = ?", ids, id.UserID).
			Update("is_read", true).Error
	})
}

// MarkAllRead marks every unread notification of the caller read and
// returns how many changed.
func (s *NotificationService) MarkAllRead(ctx context.Context, id authz.Identity) (int64, error) {
	if err := requireActive(id); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = ?", id.UserID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// Delete removes the given notifications with the same all-or-nothing rule
// as MarkRead.
func (s *NotificationService) Delete(ctx context.Context, id authz.Identity, ids []uint) error {
	return s.bulk(ctx, id, ids, func(tx *gorm.DB, ids []uint) error {
		return tx.Where("id IN ? AND recipient_id = ?", ids, id.UserID).
			Delete(&models.Notification{}).Error
	})
}

func (s *NotificationService) bulk(ctx context.Context, id authz.Identity, ids []uint, apply func(tx *gorm.DB, ids []uint) error) error {
	if err := requireActive(id); err != nil {
		return err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return apperr.Validation("empty_ids", "at least one notification id is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&models.Notification{}).
			Where("id IN ? AND recipient_id = ?", ids, id.UserID).
			Count(&owned).Error; err != nil {
			return err
		}
		if owned != int64(len(ids)) {
			return apperr.NotFound(ReasonNotificationNotFound, "one or more notifications do not exist")
		}
		return apply(tx, ids)
	})
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
