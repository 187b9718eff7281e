package service

import (
	"fmt"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// Sentinel errors for the engine's failure taxonomy. Callers branch with
// errors.Is; the richer error types below carry the context needed to
// explain the situation to an end user without a second round-trip.
var (
	ErrTemplateInactive = errors.New("template is inactive")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrUnauthorized     = errors.New("not authorized for this stage")
	ErrAlreadyDecided   = errors.New("stage already decided")
	ErrWorkflowTerminal = errors.New("workflow is in a terminal state")
	ErrInvalidRange     = errors.New("delegation start must not be after end")
	ErrSelfDelegation   = errors.New("cannot delegate to yourself")
)

// UnauthorizedError reports that the actor's effective role set does not
// intersect the current stage's required roles.
type UnauthorizedError struct {
	StageOrder    int
	StageName     string
	RequiredRoles []string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized for stage %d (%s): requires one of %v", e.StageOrder, e.StageName, e.RequiredRoles)
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// AlreadyDecidedError reports that another actor's decision at this stage
// was accepted first. It names the first decision so the losing caller can
// show who already decided.
type AlreadyDecidedError struct {
	StageOrder int
	Action     models.DecisionAction
	DecidedBy  string
	ActedFor   string
	DecidedAt  time.Time
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("stage %d was already %s by %s at %s", e.StageOrder, e.Action, e.DecidedBy, e.DecidedAt.Format(time.RFC3339))
}

func (e *AlreadyDecidedError) Is(target error) bool { return target == ErrAlreadyDecided }

// TerminalError reports that the instance already reached a terminal
// status and cannot be decided or cancelled further. Decision names the
// StageAction that closed the stage, when one exists (cancellation leaves
// it nil).
type TerminalError struct {
	Status       models.InstanceStatus
	CurrentStage int
	Decision     *models.StageAction
}

func (e *TerminalError) Error() string {
	if e.Decision != nil {
		return fmt.Sprintf("workflow is already %s: stage %d %s by %s", e.Status, e.Decision.StageOrder, e.Decision.Action, e.Decision.Actor)
	}
	return fmt.Sprintf("workflow is already %s at stage %d", e.Status, e.CurrentStage)
}

func (e *TerminalError) Is(target error) bool { return target == ErrWorkflowTerminal }
