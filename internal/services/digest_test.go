package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// digestDay is the fixture clock's calendar day.
var digestDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type digestSetup struct {
	*taskSetup
	mailer *fakeMailer
	digest *DigestService
}

func newDigestSetup(t *testing.T, cfg config.DigestConfig) *digestSetup {
	t.Helper()
	s := &digestSetup{taskSetup: newTaskSetup(t), mailer: &fakeMailer{}}
	s.digest = NewDigestService(s.db, s.mailer, NewHolidayService(), cfg)
	s.digest.SetClock(s.clock.Now)
	return s
}

func (s *digestSetup) note(t *testing.T, to authz.Identity, taskID uint, at time.Time, msg string) {
	t.Helper()
	require.NoError(t, s.db.Create(&models.Notification{
		RecipientID:   to.UserID,
		TriggeredByID: s.alice.UserID,
		Kind:          models.NotificationCommentMention,
		Message:       msg,
		TaskID:        &taskID,
		ProjectID:     &s.project.ID,
		CreatedAt:     at,
	}).Error)
}

func TestRunDigest_OneEmailPerRecipient(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{SubjectPrefix: "[TB]"})

	// bob already holds the task_assigned notification from setup
	s.note(t, s.bob, s.task.ID, digestDay.Add(10*time.Hour), "second")
	s.note(t, s.bob, s.task.ID, digestDay.Add(23*time.Hour+59*time.Minute), "third")
	s.note(t, s.bob, s.task.ID, digestDay.Add(-time.Second), "yesterday")
	s.note(t, s.bob, s.task.ID, digestDay.Add(24*time.Hour), "tomorrow")

	res, err := s.digest.RunDigest(context.Background(), digestDay, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", res.Date)
	assert.Equal(t, 1, res.Projects)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Failed)

	require.Len(t, s.mailer.sent, 1)
	mail := s.mailer.sent[0]
	assert.Equal(t, "bob@example.com", mail.To)
	assert.Equal(t, "[TB] Daily digest for Website - 2026-03-10", mail.Subject)
	assert.Equal(t, 3, strings.Count(mail.HTMLBody, "<li>"))
	assert.Contains(t, mail.HTMLBody, "third")
	assert.NotContains(t, mail.HTMLBody, "yesterday")
	assert.NotContains(t, mail.HTMLBody, "tomorrow")
}

func TestRunDigest_SendFailureDoesNotStopRun(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	s.note(t, s.alice, s.task.ID, digestDay.Add(time.Hour), "for alice")
	s.mailer.fail = map[string]error{"alice@example.com": errors.New("mailbox full")}

	res, err := s.digest.RunDigest(context.Background(), digestDay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"bob@example.com"}, s.mailer.recipients())
}

func TestRunDigest_SkipsBannedAndAddressless(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	s.note(t, s.alice, s.task.ID, digestDay.Add(time.Hour), "for alice")
	require.NoError(t, s.db.Model(&models.User{}).Where("id = ?", s.bob.UserID).Update("banned", true).Error)
	require.NoError(t, s.db.Model(&models.User{}).Where("id = ?", s.alice.UserID).Update("email", "").Error)

	res, err := s.digest.RunDigest(context.Background(), digestDay, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, s.mailer.sent)
}

func TestRunDigest_OnlyActiveMembers(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	var bm models.ProjectMember
	require.NoError(t, s.db.Where("project_id = ? AND user_id = ?", s.project.ID, s.bob.UserID).First(&bm).Error)
	require.NoError(t, s.members.RemoveMember(context.Background(), s.alice, s.project.ID, bm.ID))

	res, err := s.digest.RunDigest(context.Background(), digestDay, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Empty(t, s.mailer.sent)
}

func TestRunDigest_SingleProject(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	other := s.fixture.project(t, s.alice, "Intranet")
	otherTask, err := s.tasks.CreateTask(context.Background(), s.alice, other.ID, &CreateTaskRequest{Title: "VPN"})
	require.NoError(t, err)
	s.note(t, s.alice, otherTask.ID, digestDay.Add(time.Hour), "vpn is down")

	res, err := s.digest.RunDigest(context.Background(), digestDay, &other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Projects)
	assert.Equal(t, []string{"alice@example.com"}, s.mailer.recipients())

	missing := uint(4242)
	_, err = s.digest.RunDigest(context.Background(), digestDay, &missing)
	assert.True(t, apperr.HasReason(err, ReasonProjectNotFound), "got %v", err)
}

func TestRunScheduled_OncePerDay(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	s.clock.Set(digestDay.Add(30 * time.Hour))
	ctx := context.Background()

	ran, res, err := s.digest.RunScheduled(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "2026-03-10", res.Date)
	assert.Equal(t, 1, res.Sent)

	ran, _, err = s.digest.RunScheduled(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "second instance must not send again")
	assert.Len(t, s.mailer.sent, 1)

	// an expired claim can be taken over
	require.NoError(t, s.db.Model(&models.SchedulerLock{}).
		Where("lock_name = ?", digestLockName).
		Update("expires_at", digestDay).Error)
	ran, _, err = s.digest.RunScheduled(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunScheduled_SkipsNonWorkday(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{HolidayCountry: "NONE"})
	// 2026-03-14 is a Saturday
	s.clock.Set(time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC))

	ran, res, err := s.digest.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, "2026-03-14", res.Date)

	var locks int64
	s.db.Model(&models.SchedulerLock{}).Count(&locks)
	assert.Zero(t, locks)
}

func TestParseDigestDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)

	d, err := ParseDigestDate("", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDigestDate("2026-02-28", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDigestDate("28/02/2026", now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*DigestJob
	err  error
}

func (q *recordingQueue) Enqueue(job *DigestJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) IsAsync() bool { return true }
func (q *recordingQueue) Close() error  { return nil }

func TestRequestRun(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	ctx := context.Background()
	root := s.user(t, "root", models.RoleAdmin)

	_, err := s.digest.RequestRun(ctx, root, &DigestRunRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindDependency), "no queue configured: %v", err)

	queue := &recordingQueue{}
	s.digest.SetQueue(queue)

	_, err = s.digest.RequestRun(ctx, s.alice, &DigestRunRequest{})
	assert.True(t, apperr.HasReason(err, authz.ReasonAdminOnly), "got %v", err)

	job, err := s.digest.RequestRun(ctx, root, &DigestRunRequest{ProjectID: &s.project.ID})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", job.Date)
	assert.Equal(t, root.UserID, job.RequestedBy)
	require.Len(t, queue.jobs, 1)

	_, err = s.digest.RequestRun(ctx, root, &DigestRunRequest{Date: "yesterday"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	queue.err = errors.New("redis down")
	_, err = s.digest.RequestRun(ctx, root, &DigestRunRequest{Date: "2026-03-10"})
	assert.True(t, apperr.IsKind(err, apperr.KindDependency))
}

func TestRequestRun_DuplicateIsReportedAsQueued(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	root := s.user(t, "root", models.RoleAdmin)
	queue := &recordingQueue{err: enqueueError(asynq.ErrDuplicateTask)}
	s.digest.SetQueue(queue)

	job, err := s.digest.RequestRun(context.Background(), root, &DigestRunRequest{Date: "2026-03-10"})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", job.Date)
	assert.Empty(t, queue.jobs)
}

func TestProcessJob_RunsDigest(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})

	require.NoError(t, s.digest.ProcessJob(context.Background(), &DigestJob{Date: "2026-03-10"}))
	assert.Equal(t, []string{"bob@example.com"}, s.mailer.recipients())
}

func TestSyncQueue_RunsProcessor(t *testing.T) {
	s := newDigestSetup(t, config.DigestConfig{})
	q := NewSyncQueue()
	q.SetProcessor(s.digest.ProcessJob)

	require.NoError(t, q.Enqueue(&DigestJob{Date: "2026-03-10"}))
	require.NoError(t, q.Close())
	assert.False(t, q.IsAsync())
	assert.Equal(t, []string{"bob@example.com"}, s.mailer.recipients())
}
