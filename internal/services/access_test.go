package services

import (
	"context"
	"testing"

	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessService_ResolveTask(t *testing.T) {
	s := newTaskSetup(t)
	access := NewAccessService(s.db)

	res, err := access.Resolve(context.Background(), s.bob, ResourceRef{TaskID: s.task.ID})
	require.NoError(t, err)
	assert.Equal(t, s.project.ID, res.ProjectID)
	assert.Equal(t, models.RoleContributor, res.ProjectRole)
	assert.False(t, res.IsOwner)
	assert.Equal(t, s.alice.UserID, res.TaskCreatorID)
	assert.Equal(t, s.bob.UserID, res.TaskAssigneeID)
}

func TestAccessService_ResolveMemberTarget(t *testing.T) {
	s := newTaskSetup(t)
	access := NewAccessService(s.db)

	var creator models.ProjectMember
	require.NoError(t, s.db.Where("project_id = ? AND user_id = ?", s.project.ID, s.alice.UserID).First(&creator).Error)

	res, err := access.Resolve(context.Background(), s.alice, ResourceRef{MemberID: creator.ID})
	require.NoError(t, err)
	assert.True(t, res.IsOwner)
	assert.True(t, res.TargetIsCreator)
	assert.Equal(t, s.alice.UserID, res.TargetUserID)
	assert.Equal(t, models.RoleProjectManager, res.TargetGlobalRole)
}

func TestAccessService_Check(t *testing.T) {
	s := newTaskSetup(t)
	access := NewAccessService(s.db)
	ctx := context.Background()
	carol := s.user(t, "carol", models.RoleContributor)

	d, err := access.Check(ctx, s.bob, authz.ActionViewProject, ResourceRef{ProjectID: s.project.ID})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = access.Check(ctx, carol, authz.ActionViewProject, ResourceRef{ProjectID: s.project.ID})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, authz.ReasonNotMember, d.Reason)

	err = access.Authorize(ctx, s.bob, authz.ActionAssignTask, ResourceRef{TaskID: s.task.ID})
	assert.True(t, apperr.HasReason(err, authz.ReasonInsufficientRole), "got %v", err)

	_, err = access.Check(ctx, s.bob, authz.ActionViewTasks, ResourceRef{TaskID: 12345})
	assert.True(t, apperr.HasReason(err, ReasonTaskNotFound))
}
