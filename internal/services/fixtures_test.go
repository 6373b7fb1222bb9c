package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

type fixture struct {
	db       *gorm.DB
	notifier *NotificationService
	members  *MembershipService
	tasks    *TaskService
	projects *ProjectService
	users    *UserService
	files    *memFileStore
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	notifier := NewNotificationService(db)
	notifier.SetClock(clock.Now)
	files := newMemFileStore()

	f := &fixture{
		db:       db,
		notifier: notifier,
		members:  NewMembershipService(db, notifier),
		tasks:    NewTaskService(db, notifier, files),
		projects: NewProjectService(db),
		users:    NewUserService(db),
		files:    files,
		clock:    clock,
	}
	f.members.now = clock.Now
	f.tasks.now = clock.Now
	f.projects.now = clock.Now
	f.users.now = clock.Now
	return f
}

// user inserts an account and returns its identity.
func (f *fixture) user(t *testing.T, username string, role models.Role) authz.Identity {
	t.Helper()
	u := models.User{Username: username, Email: username + "@example.com", Role: role}
	require.NoError(t, f.db.Create(&u).Error)
	return IdentityOf(&u)
}

func (f *fixture) project(t *testing.T, owner authz.Identity, name string) *models.Project {
	t.Helper()
	p, err := f.projects.Create(context.Background(), owner, &CreateProjectRequest{Name: name})
	require.NoError(t, err)
	return p
}

func (f *fixture) addMember(t *testing.T, by authz.Identity, projectID uint, who authz.Identity, role models.Role) *models.ProjectMember {
	t.Helper()
	m, err := f.members.AddMember(context.Background(), by, projectID, &AddMemberRequest{Username: who.Username, Role: role})
	require.NoError(t, err)
	return m
}

func (f *fixture) notificationsFor(t *testing.T, userID uint) []models.Notification {
	t.Helper()
	var out []models.Notification
	require.NoError(t, f.db.Where("recipient_id = ?", userID).Order("id ASC").Find(&out).Error)
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memFileStore struct {
	mu    sync.Mutex
	files map[string][]byte
	seq   int
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (s *memFileStore) Put(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	path := fmt.Sprintf("mem/%d/%s", s.seq, name)
	s.files[path] = data
	return path, int64(len(data)), nil
}

func (s *memFileStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memFileStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

func (s *memFileStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// fakeMailer records sends; addresses in fail get an error instead.
type fakeMailer struct {
	mu   sync.Mutex
	sent []Mail
	fail map[string]error
}

func (m *fakeMailer) Send(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[mail.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func (m *fakeMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.To
	}
	return out
}
