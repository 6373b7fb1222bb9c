package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const (
	DigestDateLayout = "2006-01-02"
	digestLockName   = "digest"
)

// DigestResult summarises one RunDigest call.
type DigestResult struct {
	Date     string `json:"date"`
	Projects int    `json:"projects"`
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
}

// DigestService aggregates a day's notifications per project member into
// one email each. The cron scheduler, the queue worker and the CLI all go
// through RunDigest.
type DigestService struct {
	db         *gorm.DB
	mailer     MailSender
	holidays   *HolidayService
	cfg        config.DigestConfig
	queue      TaskQueue
	cron       *cron.Cron
	now        func() time.Time
	instanceID string
}

func NewDigestService(db *gorm.DB, mailer MailSender, holidays *HolidayService, cfg config.DigestConfig) *DigestService {
	host, _ := os.Hostname()
	return &DigestService{
		db:         db,
		mailer:     mailer,
		holidays:   holidays,
		cfg:        cfg,
		now:        time.Now,
		instanceID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// SetQueue sets the queue used by RequestRun.
func (s *DigestService) SetQueue(q TaskQueue) {
	s.queue = q
}

func (s *DigestService) SetClock(now func() time.Time) {
	s.now = now
}

// ParseDigestDate parses YYYY-MM-DD as a UTC day. An empty string means the
// day before now.
func ParseDigestDate(value string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return startOfDay(now.UTC()).AddDate(0, 0, -1), nil
	}
	d, err := time.ParseInLocation(DigestDateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, apperr.Validation(ReasonInvalidField, "date must be YYYY-MM-DD")
	}
	return d, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type digestRecipient struct {
	UserID   uint
	Username string
	Nickname string
	Email    string
	Banned   bool
}

type digestItem struct {
	RecipientID uint
	Message     string
	TaskTitle   string
	CreatedAt   time.Time
}

// RunDigest sends, for every project (or only projectID), one email to each
// active member who received at least one notification about the project's
// tasks on date (a UTC calendar day). A failed send is logged and counted;
// it does not stop the run.
func (s *DigestService) RunDigest(ctx context.Context, date time.Time, projectID *uint) (DigestResult, error) {
	day := startOfDay(date.UTC())
	result := DigestResult{Date: day.Format(DigestDateLayout)}
	db := s.db.WithContext(ctx)

	var projects []models.Project
	if projectID != nil {
		p, err := findProject(db, *projectID)
		if err != nil {
			return result, err
		}
		projects = []models.Project{*p}
	} else if err := db.Order("id ASC").Find(&projects).Error; err != nil {
		return result, fmt.Errorf("load projects: %w", err)
	}

	log := logger.Component("digest")
	for i := range projects {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		sent, failed, skipped, err := s.digestProject(ctx, &projects[i], day)
		if err != nil {
			return result, err
		}
		result.Projects++
		result.Sent += sent
		result.Failed += failed
		result.Skipped += skipped
	}

	log.Info().Str("date", result.Date).Int("projects", result.Projects).
		Int("sent", result.Sent).Int("failed", result.Failed).Int("skipped", result.Skipped).
		Msg("digest run finished")
	return result, nil
}

func (s *DigestService) digestProject(ctx context.Context, project *models.Project, day time.Time) (sent, failed, skipped int, err error) {
	db := s.db.WithContext(ctx)
	log := logger.Component("digest")

	var members []digestRecipient
	err = db.Table("project_members").
		Select("users.id AS user_id, users.username, users.nickname, users.email, users.banned").
		Joins("JOIN users ON users.id = project_members.user_id").
		Where("project_members.project_id = ? AND project_members.is_active = ?", project.ID, true).
		Order("users.id ASC").
		Scan(&members).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load members of project %d: %w", project.ID, err)
	}
	if len(members) == 0 {
		return 0, 0, 0, nil
	}

	ids := make([]uint, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}

	var items []digestItem
	err = db.Table("notifications").
		Select("notifications.recipient_id, notifications.message, tasks.title AS task_title, notifications.created_at").
		Joins("JOIN tasks ON tasks.id = notifications.task_id").
		Where("tasks.project_id = ? AND notifications.recipient_id IN ? AND notifications.created_at >= ? AND notifications.created_at < ?",
			project.ID, ids, day, day.Add(24*time.Hour)).
		Order("notifications.recipient_id ASC, notifications.created_at ASC, notifications.id ASC").
		Scan(&items).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load notifications of project %d: %w", project.ID, err)
	}

	byRecipient := make(map[uint][]digestItem)
	for _, it := range items {
		byRecipient[it.RecipientID] = append(byRecipient[it.RecipientID], it)
	}

	for _, m := range members {
		entries := byRecipient[m.UserID]
		if len(entries) == 0 {
			continue
		}
		if m.Banned || m.Email == "" {
			log.Debug().Uint("user", m.UserID).Uint("project", project.ID).Bool("banned", m.Banned).
				Msg("skipping digest recipient")
			skipped++
			continue
		}

		body, err := renderDigest(project, m, day, entries)
		if err != nil {
			return sent, failed, skipped, err
		}
		mail := Mail{
			To:       m.Email,
			Subject:  s.subject(project, day),
			HTMLBody: body,
		}
		if err := s.mailer.Send(ctx, mail); err != nil {
			log.Error().Err(err).Uint("user", m.UserID).Uint("project", project.ID).Msg("digest send failed")
			failed++
			continue
		}
		sent++
	}
	return sent, failed, skipped, nil
}

func (s *DigestService) subject(project *models.Project, day time.Time) string {
	subject := fmt.Sprintf("Daily digest for %s - %s", project.Name, day.Format(DigestDateLayout))
	if s.cfg.SubjectPrefix != "" {
		subject = s.cfg.SubjectPrefix + " " + subject
	}
	return subject
}

var digestTemplate = template.Must(template.New("digest").Parse(`<html><body style="font-family: Arial, sans-serif;">
<h2>{{.Project}}: activity on {{.Date}}</h2>
<p>Hi {{.Name}}, here is what happened in your project.</p>
<ol>
{{- range .Items}}
<li><strong>{{.TaskTitle}}</strong>: {{.Message}} <span style="color: #888;">({{.CreatedAt.Format "15:04"}} UTC)</span></li>
{{- end}}
</ol>
<hr><p style="color: #888; font-size: 12px;">Sent by Taskboard</p>
</body></html>`))

func renderDigest(project *models.Project, m digestRecipient, day time.Time, items []digestItem) (string, error) {
	name := m.Nickname
	if name == "" {
		name = m.Username
	}
	var buf bytes.Buffer
	err := digestTemplate.Execute(&buf, map[string]interface{}{
		"Project": project.Name,
		"Date":    day.Format(DigestDateLayout),
		"Name":    name,
		"Items":   items,
	})
	if err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

// --- triggers ---

// StartScheduler runs RunScheduled on the given cron schedule, evaluated
// in UTC.
func (s *DigestService) StartScheduler(schedule string) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, _, err := s.RunScheduled(context.Background()); err != nil {
			logger.Errorf("[Digest] Scheduled run failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid digest schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	logger.Infof("[Digest] Scheduler started (cron: %s UTC)", schedule)
	return nil
}

func (s *DigestService) StopScheduler() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunScheduled digests the previous UTC day once per cluster. It reports
// false when the day was skipped (non-workday or already claimed).
func (s *DigestService) RunScheduled(ctx context.Context) (bool, DigestResult, error) {
	day := startOfDay(s.now().UTC()).AddDate(0, 0, -1)
	key := day.Format(DigestDateLayout)

	if s.cfg.HolidayCountry != "" && s.holidays != nil && !s.holidays.IsWorkday(day, s.cfg.HolidayCountry) {
		logger.Infof("[Digest] %s is not a workday in %s, skipping", key, s.cfg.HolidayCountry)
		return false, DigestResult{Date: key}, nil
	}

	ok, err := s.acquireLock(ctx, key)
	if err != nil {
		return false, DigestResult{Date: key}, err
	}
	if !ok {
		logger.Infof("[Digest] %s already claimed by another instance", key)
		return false, DigestResult{Date: key}, nil
	}

	res, err := s.RunDigest(ctx, day, nil)
	return true, res, err
}

// acquireLock claims (digest, key). An expired claim may be taken over.
func (s *DigestService) acquireLock(ctx context.Context, key string) (bool, error) {
	db := s.db.WithContext(ctx)
	now := s.now().UTC()
	lock := models.SchedulerLock{
		LockName:  digestLockName,
		LockKey:   key,
		LockedBy:  s.instanceID,
		LockedAt:  now,
		ExpiresAt: now.Add(48 * time.Hour),
	}

	err := db.Create(&lock).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, fmt.Errorf("acquire digest lock: %w", err)
	}

	res := db.Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND lock_key = ? AND expires_at < ?", digestLockName, key, now).
		Updates(map[string]interface{}{"locked_by": s.instanceID, "locked_at": now, "expires_at": lock.ExpiresAt})
	if res.Error != nil {
		return false, fmt.Errorf("take over digest lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

type DigestRunRequest struct {
	Date      string `json:"date"`
	ProjectID *uint  `json:"project_id"`
}

// RequestRun authorizes an on-demand digest and hands it to the task queue.
func (s *DigestService) RequestRun(ctx context.Context, id authz.Identity, req *DigestRunRequest) (*DigestJob, error) {
	if err := authz.Authorize(id, authz.ActionRunDigest, authz.Resource{}).Err(); err != nil {
		return nil, err
	}
	day, err := ParseDigestDate(req.Date, s.now())
	if err != nil {
		return nil, err
	}
	if req.ProjectID != nil {
		if _, err := findProject(s.db.WithContext(ctx), *req.ProjectID); err != nil {
			return nil, err
		}
	}
	if s.queue == nil {
		return nil, apperr.Dependency("queue_unavailable", "task queue is not configured", nil)
	}

	job := &DigestJob{
		Date:        day.Format(DigestDateLayout),
		ProjectID:   req.ProjectID,
		RequestedBy: id.UserID,
	}
	if err := s.queue.Enqueue(job); err != nil {
		if !errors.Is(err, ErrAlreadyQueued) {
			return nil, apperr.Dependency("queue_unavailable", "failed to enqueue digest", err)
		}
		// the pending job covers this request
		logger.Info().Str("date", job.Date).Msg("[Digest] identical digest job already queued")
		return job, nil
	}
	LogInfo("digest", "run", fmt.Sprintf("%s requested digest for %s", id.Username, job.Date), &id.UserID, "", "", job)
	return job, nil
}

// ProcessJob is the queue processor for DigestJob.
func (s *DigestService) ProcessJob(ctx context.Context, job *DigestJob) error {
	day, err := ParseDigestDate(job.Date, s.now())
	if err != nil {
		return err
	}
	_, err = s.RunDigest(ctx, day, job.ProjectID)
	return err
}
