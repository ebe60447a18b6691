package workflow

import (
	"context"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Facts are the per-request inputs the transition guards consult
type Facts struct {
	IsRequester       bool
	IsCurrentApprover bool
	IsAdmin           bool

	// Complete is set when routing reports no further level is required
	Complete bool
}

type factsKey struct{}

// WithFacts attaches guard facts to ctx
func WithFacts(ctx context.Context, f Facts) context.Context {
	return context.WithValue(ctx, factsKey{}, f)
}

func factsFrom(ctx context.Context) Facts {
	f, _ := ctx.Value(factsKey{}).(Facts)
	return f
}

func isRequester(ctx context.Context) bool {
	return factsFrom(ctx).IsRequester
}

func isCurrentApprover(ctx context.Context) bool {
	return factsFrom(ctx).IsCurrentApprover
}

func isAdmin(ctx context.Context) bool {
	return factsFrom(ctx).IsAdmin
}

// BuildRequisitionStateMachine creates a state machine configured for the
// requisition approval workflow
func BuildRequisitionStateMachine(initialState domainwf.State) domainwf.StateMachine {
	builder := domainwf.NewBuilder()

	builder.Configure(domainwf.StateDraft).
		PermitIf(domainwf.TriggerSubmit, domainwf.StatePending, isRequester)

	// Only the original requester may re-submit
	builder.Configure(domainwf.StateReturned).
		PermitIf(domainwf.TriggerSubmit, domainwf.StatePending, isRequester)

	builder.Configure(domainwf.StatePending).
		PermitIf(domainwf.TriggerApprove, domainwf.StateApproved, func(ctx context.Context) bool {
			f := factsFrom(ctx)
			return f.IsCurrentApprover && f.Complete
		}).
		PermitReentryIf(domainwf.TriggerApprove, func(ctx context.Context) bool {
			f := factsFrom(ctx)
			return f.IsCurrentApprover && !f.Complete
		}).
		PermitIf(domainwf.TriggerReject, domainwf.StateRejected, isCurrentApprover).
		PermitIf(domainwf.TriggerReturn, domainwf.StateReturned, isCurrentApprover).
		PermitIf(domainwf.TriggerAdminApprove, domainwf.StateApproved, isAdmin)

	// APPROVED and REJECTED are terminal states - no outgoing transitions

	return builder.Build(initialState)
}

// ActionFor maps a trigger onto the ledger action it records
func ActionFor(trigger domainwf.Trigger) string {
	switch trigger {
	case domainwf.TriggerSubmit:
		return entity.ActionSubmitted
	case domainwf.TriggerApprove:
		return entity.ActionApproved
	case domainwf.TriggerReject:
		return entity.ActionRejected
	case domainwf.TriggerReturn:
		return entity.ActionReturned
	case domainwf.TriggerAdminApprove:
		return entity.ActionAdminApproved
	default:
		return ""
	}
}

// TriggerFor maps a ledger action back onto its trigger
func TriggerFor(action string) (domainwf.Trigger, bool) {
	for _, t := range []domainwf.Trigger{
		domainwf.TriggerSubmit,
		domainwf.TriggerApprove,
		domainwf.TriggerReject,
		domainwf.TriggerReturn,
		domainwf.TriggerAdminApprove,
	} {
		if ActionFor(t) == action {
			return t, true
		}
	}
	return "", false
}
