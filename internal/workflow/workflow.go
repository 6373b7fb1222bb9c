// Package workflow holds the task status state machine:
//
//	todo -> in_progress -> in_review -> in_progress (changes requested)
//	                                 -> done (approved, terminal)
//
// Forward progress belongs to the assignee, review outcomes to managers.
// Status is only ever changed through these transitions; editing a task's
// fields never touches it.
package workflow

import (
	"fmt"

	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/pkg/apperr"
)

// ActorClass names who may trigger a transition.
type ActorClass int

const (
	ActorAssignee ActorClass = iota + 1
	ActorManager
)

func (a ActorClass) String() string {
	switch a {
	case ActorAssignee:
		return "assignee"
	case ActorManager:
		return "manager"
	}
	return "unknown"
}

type Transition struct {
	Name  string
	From  models.TaskStatus
	To    models.TaskStatus
	Actor ActorClass
}

const (
	TransitionStart          = "start"
	TransitionSubmit         = "submit"
	TransitionRequestChanges = "request_changes"
	TransitionApprove        = "approve"
)

var transitions = []Transition{
	{Name: TransitionStart, From: models.TaskStatusToDo, To: models.TaskStatusInProgress, Actor: ActorAssignee},
	{Name: TransitionSubmit, From: models.TaskStatusInProgress, To: models.TaskStatusInReview, Actor: ActorAssignee},
	{Name: TransitionRequestChanges, From: models.TaskStatusInReview, To: models.TaskStatusInProgress, Actor: ActorManager},
	{Name: TransitionApprove, From: models.TaskStatusInReview, To: models.TaskStatusDone, Actor: ActorManager},
}

const (
	ReasonInvalidTransition apperr.Reason = "invalid_transition"
	ReasonTerminalStatus    apperr.Reason = "terminal_status"
	ReasonWrongActor        apperr.Reason = "wrong_actor"
	ReasonNoAssignee        apperr.Reason = "no_assignee"
	ReasonStaleStatus       apperr.Reason = "stale_status"
)

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// Lookup returns the transition from -> to, or a workflow violation.
func Lookup(from, to models.TaskStatus) (Transition, error) {
	if from == models.TaskStatusDone {
		return Transition{}, apperr.Validation(ReasonTerminalStatus, "task is done; no further transitions are allowed")
	}
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return t, nil
		}
	}
	return Transition{}, apperr.Validation(ReasonInvalidTransition,
		fmt.Sprintf("cannot move a task from %s to %s", from, to))
}

// Actor describes the caller relative to a task. IsManager is true for
// project Admin/ProjectManager members, the project owner and global admins.
type Actor struct {
	UserID    uint
	IsManager bool
}

// Next validates moving task to target on behalf of actor and returns the
// matching transition. It does not mutate task.
func Next(task *models.Task, target models.TaskStatus, actor Actor) (Transition, error) {
	t, err := Lookup(task.Status, target)
	if err != nil {
		return Transition{}, err
	}

	switch t.Actor {
	case ActorAssignee:
		if task.AssigneeID == nil {
			return Transition{}, apperr.Validation(ReasonNoAssignee, "task has no assignee")
		}
		if !task.IsAssignee(actor.UserID) {
			return Transition{}, apperr.Validation(ReasonWrongActor,
				fmt.Sprintf("only the assignee can %s this task", humanize(t.Name)))
		}
	case ActorManager:
		if !actor.IsManager {
			return Transition{}, apperr.Validation(ReasonWrongActor,
				fmt.Sprintf("only a project manager can %s this task", humanize(t.Name)))
		}
	}
	return t, nil
}

// StaleError is returned when the stored status changed between read and
// write.
func StaleError(observed models.TaskStatus) error {
	return apperr.Validation(ReasonStaleStatus,
		fmt.Sprintf("task is no longer %s; reload and try again", observed))
}

func humanize(name string) string {
	switch name {
	case TransitionRequestChanges:
		return "request changes on"
	case TransitionSubmit:
		return "submit"
	}
	return name
}
