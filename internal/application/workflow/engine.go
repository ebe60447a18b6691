package workflow

import (
	"context"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Engine owns requisition status and level. Every transition is serialized
// per requisition and commits the projection together with its ledger entry.
type Engine interface {
	// Submit moves a Draft or Returned requisition to Pending at level 1
	Submit(ctx context.Context, requisitionID int64, actor entity.Actor) (*Result, error)

	Approve(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error)
	Reject(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error)
	Return(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error)
	AdminApprove(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error)

	// Fire runs an arbitrary trigger on behalf of actor
	Fire(ctx context.Context, requisitionID int64, actor entity.Actor, trigger domainwf.Trigger, comment string) (*Result, error)

	// FireAtLevel is Fire that fails with ErrInvalidTransition unless the
	// requisition is still at level
	FireAtLevel(ctx context.Context, requisitionID int64, actor entity.Actor, trigger domainwf.Trigger, comment string, level int) (*Result, error)

	// Get returns the requisition, rewriting its projection from the ledger
	// first if the two disagree
	Get(ctx context.Context, requisitionID int64) (*entity.Requisition, error)

	// Heal compares projection and ledger under the requisition lock and
	// repairs the projection. Reports whether a repair happened.
	Heal(ctx context.Context, requisitionID int64) (bool, error)
}

// Result describes a committed transition
type Result struct {
	Requisition *entity.Requisition
	Entry       *entity.AuditEntry
	Transition  domainwf.Transition
}

// Router resolves approval routing. It must not perform I/O.
type Router interface {
	Resolve(req *entity.Requisition, currentLevel int) (routing.Decision, error)
	DepartmentCode(department string) string
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
