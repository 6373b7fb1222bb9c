// Package authz decides whether an identity may perform an action on a
// project-scoped resource. It is a pure function of its inputs: callers
// resolve memberships and ownership from the store and pass the facts in.
package authz

import (
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
)

// Identity is the verified caller attached to a request. It is passed by
// value into every call and never mutated.
type Identity struct {
	UserID     uint
	Username   string
	GlobalRole models.Role
	IsActive   bool
}

func (i Identity) IsAdmin() bool { return i.GlobalRole == models.RoleAdmin }

type Action string

const (
	ActionViewProject      Action = "project:view"
	ActionViewTasks        Action = "task:view"
	ActionListMembers      Action = "member:list"
	ActionCreateProject    Action = "project:create"
	ActionUpdateProject    Action = "project:update"
	ActionArchiveProject   Action = "project:archive"
	ActionDeleteProject    Action = "project:delete"
	ActionSearchUsers      Action = "user:search"
	ActionAddMember        Action = "member:add"
	ActionRemoveMember     Action = "member:remove"
	ActionChangeMemberRole Action = "member:change_role"
	ActionCreateTask       Action = "task:create"
	ActionUpdateTask       Action = "task:update"
	ActionAssignTask       Action = "task:assign"
	ActionDeleteTask       Action = "task:delete"
	ActionTransitionTask   Action = "task:transition"
	ActionCommentTask      Action = "task:comment"
	ActionAttachFile       Action = "task:attach"
	ActionBanUser          Action = "user:ban"
	ActionUnbanUser        Action = "user:unban"
	ActionChangeGlobalRole Action = "user:change_role"
	ActionRunDigest        Action = "digest:run"
)

var knownActions = map[Action]struct{}{
	ActionViewProject: {}, ActionViewTasks: {}, ActionListMembers: {},
	ActionCreateProject: {}, ActionUpdateProject: {}, ActionArchiveProject: {}, ActionDeleteProject: {},
	ActionSearchUsers: {}, ActionAddMember: {}, ActionRemoveMember: {}, ActionChangeMemberRole: {},
	ActionCreateTask: {}, ActionUpdateTask: {}, ActionAssignTask: {}, ActionDeleteTask: {},
	ActionTransitionTask: {}, ActionCommentTask: {}, ActionAttachFile: {},
	ActionBanUser: {}, ActionUnbanUser: {}, ActionChangeGlobalRole: {}, ActionRunDigest: {},
}

// Resource carries the facts about the target that the rules depend on.
// ProjectRole is empty when the caller has no active membership.
type Resource struct {
	ProjectID   uint
	ProjectRole models.Role
	IsOwner     bool

	TaskCreatorID  uint
	TaskAssigneeID uint

	TargetUserID     uint
	TargetGlobalRole models.Role
	TargetIsCreator  bool
	RequestedRole    models.Role
}

// IsMember reports an active membership or ownership of the project.
func (r Resource) IsMember() bool { return r.ProjectRole != "" || r.IsOwner }

// IsManager reports manager-class standing within the project. The owner
// always counts, whatever role its membership row records.
func (r Resource) IsManager() bool { return r.ProjectRole.IsManager() || r.IsOwner }

const (
	ReasonInactive         apperr.Reason = "account_banned"
	ReasonNotMember        apperr.Reason = "not_member"
	ReasonInsufficientRole apperr.Reason = "insufficient_role"
	ReasonNotOwner         apperr.Reason = "not_owner"
	ReasonAdminOnly        apperr.Reason = "admin_only"
	ReasonSelfTarget       apperr.Reason = "self_target"
	ReasonProtectedAdmin   apperr.Reason = "protected_admin"
	ReasonOwnerProtected   apperr.Reason = "owner_protected"
	ReasonInvalidRole      apperr.Reason = "invalid_role"
	ReasonAdminNotMember   apperr.Reason = "admin_cannot_be_member"
	ReasonUnknownAction    apperr.Reason = "unknown_action"
)

// Decision is the outcome of Authorize. A denial always carries a reason.
type Decision struct {
	Allowed bool
	Kind    apperr.Kind
	Reason  apperr.Reason
	Message string
}

// Err converts a denial into an *apperr.Error; it returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(d.Kind, d.Reason, d.Message)
}

var allow = Decision{Allowed: true}

func denied(reason apperr.Reason, msg string) Decision {
	return Decision{Kind: apperr.KindAccessDenied, Reason: reason, Message: msg}
}

func invalid(reason apperr.Reason, msg string) Decision {
	return Decision{Kind: apperr.KindValidation, Reason: reason, Message: msg}
}

// Authorize evaluates action for id against res.
//
// Banned identities are rejected outright. Global admins skip the role
// table; everyone else must satisfy it. Target rules (no self-targeting,
// creator and admin protection, role validity) apply to every caller and
// are reported as validation failures.
func Authorize(id Identity, action Action, res Resource) Decision {
	if !id.IsActive {
		return denied(ReasonInactive, "account is banned")
	}
	if _, ok := knownActions[action]; !ok {
		return denied(ReasonUnknownAction, "unknown action "+string(action))
	}
	if !id.IsAdmin() {
		if d := evaluateRole(id, action, res); !d.Allowed {
			return d
		}
	}
	return checkTarget(id, action, res)
}

func evaluateRole(id Identity, action Action, res Resource) Decision {
	switch action {
	case ActionViewProject, ActionViewTasks, ActionListMembers,
		ActionCreateTask, ActionCommentTask, ActionAttachFile, ActionTransitionTask:
		if !res.IsMember() {
			return denied(ReasonNotMember, "you are not a member of this project")
		}
		return allow

	case ActionCreateProject, ActionSearchUsers:
		if id.GlobalRole != models.RoleProjectManager {
			return denied(ReasonInsufficientRole, "project manager or admin role required")
		}
		return allow

	case ActionUpdateProject, ActionArchiveProject, ActionAddMember, ActionAssignTask:
		if !res.IsMember() {
			return denied(ReasonNotMember, "you are not a member of this project")
		}
		if !res.IsManager() {
			return denied(ReasonInsufficientRole, "project manager role required")
		}
		return allow

	case ActionDeleteProject:
		if !res.IsOwner {
			return denied(ReasonNotOwner, "only the project creator can delete it")
		}
		return allow

	case ActionRemoveMember, ActionChangeMemberRole:
		if !res.IsMember() {
			return denied(ReasonNotMember, "you are not a member of this project")
		}
		if !res.IsOwner && res.ProjectRole != models.RoleAdmin {
			return denied(ReasonInsufficientRole, "project admin role required")
		}
		return allow

	case ActionUpdateTask:
		if !res.IsMember() {
			return denied(ReasonNotMember, "you are not a member of this project")
		}
		if res.IsManager() || res.TaskCreatorID == id.UserID || res.TaskAssigneeID == id.UserID {
			return allow
		}
		return denied(ReasonInsufficientRole, "only the creator, assignee or a manager can edit this task")

	case ActionDeleteTask:
		if !res.IsMember() {
			return denied(ReasonNotMember, "you are not a member of this project")
		}
		if res.TaskCreatorID == id.UserID || res.ProjectRole == models.RoleAdmin || res.IsOwner {
			return allow
		}
		return denied(ReasonInsufficientRole, "only the task creator or a project admin can delete this task")

	case ActionBanUser, ActionUnbanUser, ActionChangeGlobalRole, ActionRunDigest:
		return denied(ReasonAdminOnly, "admin access required")
	}
	return denied(ReasonUnknownAction, "unknown action "+string(action))
}

func checkTarget(id Identity, action Action, res Resource) Decision {
	switch action {
	case ActionAddMember:
		if !res.RequestedRole.Assignable() {
			return invalid(ReasonInvalidRole, "role must be contributor or project_manager")
		}
		if res.TargetGlobalRole == models.RoleAdmin {
			return invalid(ReasonAdminNotMember, "administrators cannot be added as project members")
		}

	case ActionRemoveMember:
		if res.TargetIsCreator {
			return invalid(ReasonOwnerProtected, "the project creator cannot be removed")
		}
		if res.TargetUserID == id.UserID {
			return invalid(ReasonSelfTarget, "you cannot remove yourself")
		}

	case ActionChangeMemberRole:
		if res.TargetUserID == id.UserID {
			return invalid(ReasonSelfTarget, "you cannot change your own role")
		}
		if res.TargetIsCreator {
			return invalid(ReasonOwnerProtected, "the project creator's role cannot be changed")
		}
		if !res.RequestedRole.Assignable() {
			return invalid(ReasonInvalidRole, "role must be contributor or project_manager")
		}

	case ActionBanUser, ActionUnbanUser, ActionChangeGlobalRole:
		if res.TargetUserID == id.UserID {
			return invalid(ReasonSelfTarget, "you cannot modify your own account")
		}
		if res.TargetGlobalRole == models.RoleAdmin {
			return invalid(ReasonProtectedAdmin, "administrator accounts cannot be modified")
		}
		if action == ActionChangeGlobalRole && !res.RequestedRole.Valid() {
			return invalid(ReasonInvalidRole, "invalid role")
		}
	}
	return allow
}
