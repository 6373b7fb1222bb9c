package services

import (
	"context"
	"testing"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProjectCreate_CreatorBecomesManager(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleProjectManager)

	p := f.project(t, alice, "Website")

	var m models.ProjectMember
	require.NoError(t, f.db.Where("project_id = ? AND user_id = ?", p.ID, alice.UserID).First(&m).Error)
	assert.Equal(t, models.RoleProjectManager, m.Role)
	assert.True(t, m.IsActive)
	assert.Equal(t, alice.UserID, p.CreatedBy)
}

func TestAddMember_RemoveThenAddReusesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")

	first := f.addMember(t, alice, p.ID, bob, models.RoleContributor)
	require.NoError(t, f.members.RemoveMember(ctx, alice, p.ID, first.ID))

	var removed models.ProjectMember
	require.NoError(t, f.db.First(&removed, first.ID).Error)
	assert.False(t, removed.IsActive)
	assert.NotNil(t, removed.LeftAt)

	second := f.addMember(t, alice, p.ID, bob, models.RoleProjectManager)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.IsActive)
	assert.Equal(t, models.RoleProjectManager, second.Role)
	assert.Nil(t, second.LeftAt)

	assert.Empty(t, f.notificationsFor(t, bob.UserID), "a failed add announces nothing")
}

func TestAddMember_AlreadyMember(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")
	f.addMember(t, alice, p.ID, bob, models.RoleContributor)

	_, err := f.members.AddMember(context.Background(), alice, p.ID, &AddMemberRequest{Username: "bob"})
	assert.True(t, apperr.HasReason(err, ReasonAlreadyMember), "got %v", err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestAddMember_RejectsAdminAndBannedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	f.user(t, "root", models.RoleAdmin)
	eve := f.user(t, "eve", models.RoleContributor)
	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", eve.UserID).Update("banned", true).Error)
	p := f.project(t, alice, "Website")

	_, err := f.members.AddMember(ctx, alice, p.ID, &AddMemberRequest{Username: "root"})
	assert.True(t, apperr.HasReason(err, authz.ReasonAdminNotMember), "got %v", err)

	_, err = f.members.AddMember(ctx, alice, p.ID, &AddMemberRequest{Username: "eve"})
	assert.True(t, apperr.HasReason(err, ReasonUserBanned), "got %v", err)

	_, err = f.members.AddMember(ctx, alice, p.ID, &AddMemberRequest{Username: "nobody"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAddMember_NonMemberDenied(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleProjectManager)
	carol := f.user(t, "carol", models.RoleContributor)
	f.user(t, "dave", models.RoleContributor)
	p := f.project(t, alice, "Website")

	_, err := f.members.AddMember(context.Background(), carol, p.ID, &AddMemberRequest{Username: "dave"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied), "got %v", err)
}

func TestAddMember_NotifiesAddedUser(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")

	f.addMember(t, alice, p.ID, bob, models.RoleContributor)

	got := f.notificationsFor(t, bob.UserID)
	require.Len(t, got, 1)
	assert.Equal(t, models.NotificationMemberAdded, got[0].Kind)
	assert.Equal(t, alice.UserID, got[0].TriggeredByID)
	assert.Contains(t, got[0].Message, "Website")
	assert.False(t, got[0].IsRead)
}

func TestCreatorMembershipIsProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	root := f.user(t, "root", models.RoleAdmin)
	p := f.project(t, alice, "Website")

	var creator models.ProjectMember
	require.NoError(t, f.db.Where("project_id = ? AND user_id = ?", p.ID, alice.UserID).First(&creator).Error)

	err := f.members.RemoveMember(ctx, root, p.ID, creator.ID)
	assert.True(t, apperr.HasReason(err, authz.ReasonOwnerProtected), "got %v", err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.members.ChangeRole(ctx, root, p.ID, creator.ID, models.RoleContributor)
	assert.True(t, apperr.HasReason(err, authz.ReasonOwnerProtected), "got %v", err)

	require.NoError(t, f.db.First(&creator, creator.ID).Error)
	assert.True(t, creator.IsActive)
	assert.Equal(t, models.RoleProjectManager, creator.Role)
}

func TestChangeRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	carl := f.user(t, "carl", models.RoleContributor)
	p := f.project(t, alice, "Website")
	bm := f.addMember(t, alice, p.ID, bob, models.RoleContributor)
	cm := f.addMember(t, alice, p.ID, carl, models.RoleContributor)

	// owner may change roles
	updated, err := f.members.ChangeRole(ctx, alice, p.ID, bm.ID, models.RoleProjectManager)
	require.NoError(t, err)
	assert.Equal(t, models.RoleProjectManager, updated.Role)

	// a project manager who is not the owner may not
	_, err = f.members.ChangeRole(ctx, bob, p.ID, cm.ID, models.RoleProjectManager)
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied), "got %v", err)

	_, err = f.members.ChangeRole(ctx, alice, p.ID, cm.ID, models.RoleAdmin)
	assert.True(t, apperr.HasReason(err, authz.ReasonInvalidRole), "got %v", err)
}

func TestRemoveMember_KeepsAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")
	bm := f.addMember(t, alice, p.ID, bob, models.RoleContributor)

	task, err := f.tasks.CreateTask(ctx, alice, p.ID, &CreateTaskRequest{Title: "Landing page", AssigneeID: &bob.UserID})
	require.NoError(t, err)

	require.NoError(t, f.members.RemoveMember(ctx, alice, p.ID, bm.ID))
	err = f.members.RemoveMember(ctx, alice, p.ID, bm.ID)
	assert.True(t, apperr.HasReason(err, ReasonNotActive))

	reloaded, err := f.tasks.GetTask(ctx, alice, task.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsAssignee(bob.UserID))

	_, err = f.tasks.GetTask(ctx, bob, task.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied))
}

func TestListMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	carol := f.user(t, "carol", models.RoleContributor)
	p := f.project(t, alice, "Website")
	bm := f.addMember(t, alice, p.ID, bob, models.RoleContributor)
	require.NoError(t, f.members.RemoveMember(ctx, alice, p.ID, bm.ID))

	active, err := f.members.ListMembers(ctx, alice, p.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Username)

	all, err := f.members.ListMembers(ctx, alice, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.members.ListMembers(ctx, carol, p.ID, false)
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied))
}

func TestArchivedProject_MembershipIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	carl := f.user(t, "carl", models.RoleContributor)
	p := f.project(t, alice, "Website")
	bm := f.addMember(t, alice, p.ID, bob, models.RoleContributor)

	_, err := f.projects.SetArchived(ctx, alice, p.ID, true)
	require.NoError(t, err)

	_, err = f.members.ChangeRole(ctx, alice, p.ID, bm.ID, models.RoleProjectManager)
	assert.True(t, apperr.HasReason(err, ReasonProjectArchived), "got %v", err)
	err = f.members.RemoveMember(ctx, alice, p.ID, bm.ID)
	assert.True(t, apperr.HasReason(err, ReasonProjectArchived), "got %v", err)
	_, err = f.members.AddMember(ctx, alice, p.ID, &AddMemberRequest{Username: carl.Username})
	assert.True(t, apperr.HasReason(err, ReasonProjectArchived), "got %v", err)

	var m models.ProjectMember
	require.NoError(t, f.db.First(&m, bm.ID).Error)
	assert.True(t, m.IsActive)
	assert.Equal(t, models.RoleContributor, m.Role)

	_, err = f.projects.SetArchived(ctx, alice, p.ID, false)
	require.NoError(t, err)
	_, err = f.members.ChangeRole(ctx, alice, p.ID, bm.ID, models.RoleProjectManager)
	assert.NoError(t, err)
}

// onNextWrite runs fn inside the next create or update statement against
// table, on the statement's own connection, just before the write.
func onNextWrite(t *testing.T, db *gorm.DB, op, table string, fn func(tx *gorm.DB)) {
	t.Helper()
	armed := true
	hook := func(tx *gorm.DB) {
		if !armed || tx.Statement.Table != table {
			return
		}
		armed = false
		fn(tx.Session(&gorm.Session{NewDB: true}))
	}
	name := "test:before_" + op + "_" + table
	var err error
	switch op {
	case "create":
		err = db.Callback().Create().Before("gorm:create").Register(name, hook)
	case "update":
		err = db.Callback().Update().Before("gorm:update").Register(name, hook)
	default:
		t.Fatalf("unsupported op %q", op)
	}
	require.NoError(t, err)
}

func TestAddMember_ConcurrentInsertReportsAlreadyMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")

	// another request inserts bob's row after the existence check
	onNextWrite(t, f.db, "create", "project_members", func(tx *gorm.DB) {
		require.NoError(t, tx.Exec(
			"INSERT INTO project_members (project_id, user_id, role, is_active, joined_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			p.ID, bob.UserID, "contributor", true, f.clock.Now(), f.clock.Now(), f.clock.Now()).Error)
	})

	_, err := f.members.AddMember(ctx, alice, p.ID, &AddMemberRequest{Username: bob.Username})
	assert.True(t, apperr.HasReason(err, ReasonAlreadyMember), "got %v", err)

	assert.Empty(t, f.notificationsFor(t, bob.UserID), "a failed add announces nothing")
}

func TestChangeRole_ConcurrentRemovalWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleProjectManager)
	bob := f.user(t, "bob", models.RoleContributor)
	p := f.project(t, alice, "Website")
	bm := f.addMember(t, alice, p.ID, bob, models.RoleContributor)

	// bob is removed between the membership read and the role write
	onNextWrite(t, f.db, "update", "project_members", func(tx *gorm.DB) {
		require.NoError(t, tx.Exec("UPDATE project_members SET is_active = ? WHERE id = ?", false, bm.ID).Error)
	})

	_, err := f.members.ChangeRole(ctx, alice, p.ID, bm.ID, models.RoleProjectManager)
	assert.True(t, apperr.HasReason(err, ReasonNotActive), "got %v", err)

	var m models.ProjectMember
	require.NoError(t, f.db.First(&m, bm.ID).Error)
	assert.False(t, m.IsActive)
	assert.Equal(t, models.RoleContributor, m.Role)
}
