package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/requisition-portal/internal/application/dispatcher"
	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/event"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// engineImpl is the concrete implementation of Engine
type engineImpl struct {
	requisitions port.RequisitionRepository
	ledger       port.AuditLedger
	sequences    port.SequenceRepository
	txManager    port.TransactionManager
	locker       port.Locker
	router       Router
	dispatcher   dispatcher.Dispatcher
	logger       Logger
	now          func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithDispatcher sets the event dispatcher for emitting events
func WithDispatcher(d dispatcher.Dispatcher) EngineOption {
	return func(e *engineImpl) {
		e.dispatcher = d
	}
}

// WithLogger sets the engine logger
func WithLogger(logger Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = logger
	}
}

// WithClock overrides the time source used for numbering and timestamps
func WithClock(now func() time.Time) EngineOption {
	return func(e *engineImpl) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine
func NewEngine(
	requisitions port.RequisitionRepository,
	ledger port.AuditLedger,
	sequences port.SequenceRepository,
	txManager port.TransactionManager,
	locker port.Locker,
	router Router,
	opts ...EngineOption,
) Engine {
	e := &engineImpl{
		requisitions: requisitions,
		ledger:       ledger,
		sequences:    sequences,
		txManager:    txManager,
		locker:       locker,
		router:       router,
		logger:       nopLogger{},
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// plannedTransition is a validated transition waiting to be committed
type plannedTransition struct {
	trigger    domainwf.Trigger
	transition domainwf.Transition
	next       entity.Projection
	entry      *entity.AuditEntry
}

func (e *engineImpl) Submit(ctx context.Context, requisitionID int64, actor entity.Actor) (*Result, error) {
	return e.Fire(ctx, requisitionID, actor, domainwf.TriggerSubmit, "")
}

func (e *engineImpl) Approve(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error) {
	return e.Fire(ctx, requisitionID, actor, domainwf.TriggerApprove, comment)
}

func (e *engineImpl) Reject(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error) {
	return e.Fire(ctx, requisitionID, actor, domainwf.TriggerReject, comment)
}

func (e *engineImpl) Return(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error) {
	return e.Fire(ctx, requisitionID, actor, domainwf.TriggerReturn, comment)
}

func (e *engineImpl) AdminApprove(ctx context.Context, requisitionID int64, actor entity.Actor, comment string) (*Result, error) {
	return e.Fire(ctx, requisitionID, actor, domainwf.TriggerAdminApprove, comment)
}

func (e *engineImpl) Fire(ctx context.Context, requisitionID int64, actor entity.Actor, trigger domainwf.Trigger, comment string) (*Result, error) {
	return e.fire(ctx, requisitionID, actor, trigger, comment, nil)
}

func (e *engineImpl) FireAtLevel(ctx context.Context, requisitionID int64, actor entity.Actor, trigger domainwf.Trigger, comment string, level int) (*Result, error) {
	return e.fire(ctx, requisitionID, actor, trigger, comment, &level)
}

// fire validates and commits one transition while holding the requisition lock
func (e *engineImpl) fire(ctx context.Context, requisitionID int64, actor entity.Actor, trigger domainwf.Trigger, comment string, level *int) (*Result, error) {
	if !trigger.IsValid() {
		return nil, fmt.Errorf("%w: unknown action %q", domainwf.ErrInvalidTransition, trigger)
	}

	unlock, err := e.locker.Lock(ctx, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock requisition %d: %v", domainwf.ErrConcurrencyConflict, requisitionID, err)
	}
	defer unlock()

	req, err := e.load(ctx, requisitionID)
	if err != nil {
		return nil, err
	}
	if level != nil && req.CurrentLevel != *level {
		return nil, fmt.Errorf("%w: requisition %d is at level %d, not %d",
			domainwf.ErrInvalidTransition, req.ID, req.CurrentLevel, *level)
	}

	plan, err := e.plan(ctx, req, actor, trigger, comment)
	if err != nil {
		var gap *domainwf.RoutingGapError
		if errors.As(err, &gap) {
			e.flagRoutingGap(ctx, req, actor, gap)
		}
		return nil, err
	}

	entry, err := e.commit(ctx, req, plan)
	if err != nil {
		e.logger.Error("Failed to commit transition",
			"requisition_id", requisitionID,
			"trigger", trigger,
			"error", err,
		)
		return nil, err
	}

	e.logger.Info("Requisition transitioned",
		"requisition_id", req.ID,
		"number", req.Number,
		"trigger", trigger,
		"from", plan.transition.From,
		"to", plan.transition.To,
		"level", req.CurrentLevel,
		"actor_id", actor.ID,
	)

	e.emit(ctx, req, plan, entry, actor)

	return &Result{Requisition: req, Entry: entry, Transition: plan.transition}, nil
}

// plan runs the state machine against the current projection without
// touching storage
func (e *engineImpl) plan(ctx context.Context, req *entity.Requisition, actor entity.Actor, trigger domainwf.Trigger, comment string) (*plannedTransition, error) {
	machine := BuildRequisitionStateMachine(domainwf.State(req.Status))
	if !machine.CanFire(trigger) {
		return nil, fmt.Errorf("%w: cannot %s requisition %d in status %s",
			domainwf.ErrInvalidTransition, strings.ToLower(trigger.String()), req.ID, req.Status)
	}

	facts := Facts{
		IsRequester:       actor.ID == req.RequesterID,
		IsCurrentApprover: req.IsCurrentApprover(actor.ID),
		IsAdmin:           actor.IsAdmin(),
	}

	var decision routing.Decision
	if trigger == domainwf.TriggerApprove && facts.IsCurrentApprover {
		d, err := e.router.Resolve(req, req.CurrentLevel)
		if err != nil {
			return nil, err
		}
		decision = d
		facts.Complete = d.Complete
	}

	tr, err := machine.Fire(WithFacts(ctx, facts), trigger)
	if err != nil {
		if errors.Is(err, domainwf.ErrGuardFailed) {
			return nil, fmt.Errorf("%w: %s may not %s requisition %d",
				domainwf.ErrNotAuthorized, actor.ID, strings.ToLower(trigger.String()), req.ID)
		}
		return nil, err
	}

	next := entity.Projection{Status: tr.To.String(), Level: req.CurrentLevel}

	switch trigger {
	case domainwf.TriggerSubmit:
		if err := ValidateForSubmit(req); err != nil {
			return nil, err
		}
		d, err := e.router.Resolve(req, 0)
		if err != nil {
			return nil, err
		}
		next.Level = d.NextLevel
		next.CurrentApproverID = entity.StringPtr(d.NextApproverID)
	case domainwf.TriggerApprove:
		if !decision.Complete {
			next.Level = decision.NextLevel
			next.CurrentApproverID = entity.StringPtr(decision.NextApproverID)
		}
	}

	entry := &entity.AuditEntry{
		RequisitionID:      req.ID,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		Action:             ActionFor(trigger),
		Level:              req.CurrentLevel,
		Comment:            comment,
		FromStatus:         req.Status,
		ToStatus:           next.Status,
		ToLevel:            next.Level,
		AssignedApproverID: next.CurrentApproverID,
	}

	return &plannedTransition{trigger: trigger, transition: tr, next: next, entry: entry}, nil
}

// commit applies the plan to req and appends the ledger entry in one transaction
func (e *engineImpl) commit(ctx context.Context, req *entity.Requisition, plan *plannedTransition) (*entity.AuditEntry, error) {
	now := e.now()
	updated := *req
	expected := req.Version

	var committed *entity.AuditEntry
	err := e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if plan.trigger == domainwf.TriggerSubmit {
			if updated.Number == "" {
				number, err := e.nextNumber(txCtx, req.Department, now)
				if err != nil {
					return err
				}
				updated.Number = number
			}
			updated.SubmittedAt = &now
			updated.CompletedAt = nil
		}
		if domainwf.State(plan.next.Status).IsTerminal() {
			updated.CompletedAt = &now
		}
		updated.ApplyProjection(plan.next)
		updated.NeedsAttention = false
		updated.UpdatedAt = now

		if err := e.requisitions.UpdateProjection(txCtx, &updated, expected); err != nil {
			return fmt.Errorf("update projection: %w", err)
		}

		entry, err := e.ledger.Append(txCtx, plan.entry)
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		committed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	*req = updated
	return committed, nil
}

func (e *engineImpl) nextNumber(ctx context.Context, department string, now time.Time) (string, error) {
	code := e.router.DepartmentCode(department)
	period := now.Format("200601")

	seq, err := e.sequences.Next(ctx, code, period)
	if err != nil {
		return "", fmt.Errorf("allocate requisition number: %w", err)
	}

	return fmt.Sprintf("PR-%s-%s-%04d", code, period, seq), nil
}

// getAttempts bounds how often Get retries a heal that lost to a commit
const getAttempts = 3

// Get returns the requisition with a ledger-consistent projection
func (e *engineImpl) Get(ctx context.Context, requisitionID int64) (*entity.Requisition, error) {
	for attempt := 1; attempt <= getAttempts; attempt++ {
		req, err := e.load(ctx, requisitionID)
		if !errors.Is(err, domainwf.ErrConcurrencyConflict) {
			return req, err
		}
	}

	e.logger.Error("Projection kept changing while healing, serving ledger view",
		"requisition_id", requisitionID,
		"attempts", getAttempts,
	)
	return e.view(ctx, requisitionID)
}

// view folds the ledger onto the stored row without writing it back
func (e *engineImpl) view(ctx context.Context, requisitionID int64) (*entity.Requisition, error) {
	req, err := e.requisitions.GetByID(ctx, requisitionID)
	if err != nil {
		return nil, err
	}
	entries, err := e.ledger.HistoryFor(ctx, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	folded, err := Fold(entries)
	if err != nil {
		return nil, err
	}
	req.ApplyProjection(folded)
	return req, nil
}

// Heal repairs a requisition's projection under its lock
func (e *engineImpl) Heal(ctx context.Context, requisitionID int64) (bool, error) {
	unlock, err := e.locker.Lock(ctx, requisitionID)
	if err != nil {
		return false, fmt.Errorf("%w: lock requisition %d: %v", domainwf.ErrConcurrencyConflict, requisitionID, err)
	}
	defer unlock()

	req, err := e.requisitions.GetByID(ctx, requisitionID)
	if err != nil {
		return false, err
	}
	return e.reconcile(ctx, req)
}

// load fetches a requisition and folds its ledger, healing the cached
// projection on mismatch
func (e *engineImpl) load(ctx context.Context, requisitionID int64) (*entity.Requisition, error) {
	req, err := e.requisitions.GetByID(ctx, requisitionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.reconcile(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (e *engineImpl) reconcile(ctx context.Context, req *entity.Requisition) (bool, error) {
	entries, err := e.ledger.HistoryFor(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}

	folded, err := Fold(entries)
	if err != nil {
		e.logger.Error("Ledger replay failed", "requisition_id", req.ID, "error", err)
		return false, err
	}

	cached := req.Projection()
	if folded.Equal(cached) {
		return false, nil
	}

	e.logger.Error("Projection disagrees with ledger, healing",
		"requisition_id", req.ID,
		"cached_status", cached.Status,
		"cached_level", cached.Level,
		"ledger_status", folded.Status,
		"ledger_level", folded.Level,
	)

	updated := *req
	updated.ApplyProjection(folded)
	updated.UpdatedAt = e.now()
	if err := e.requisitions.UpdateProjection(ctx, &updated, req.Version); err != nil {
		return false, fmt.Errorf("heal projection: %w", err)
	}
	*req = updated

	if e.dispatcher != nil {
		evt := event.NewEvent(event.TypeProjectionHealed, req.ID, req.Number, map[string]interface{}{
			"cached_status": cached.Status,
			"cached_level":  cached.Level,
			"status":        folded.Status,
			"level":         folded.Level,
		})
		e.dispatcher.DispatchAsync(context.WithoutCancel(ctx), evt)
	}

	return true, nil
}

// flagRoutingGap marks a blocked requisition for operator attention. The
// projection itself is left at its last valid state.
func (e *engineImpl) flagRoutingGap(ctx context.Context, req *entity.Requisition, actor entity.Actor, gap *domainwf.RoutingGapError) {
	e.logger.Error("Routing gap blocked transition",
		"requisition_id", req.ID,
		"department", gap.Department,
		"level", gap.Level,
		"actor_id", actor.ID,
	)

	if err := e.requisitions.SetNeedsAttention(ctx, req.ID, true); err != nil {
		e.logger.Error("Failed to flag requisition", "requisition_id", req.ID, "error", err)
	} else {
		req.NeedsAttention = true
	}

	if e.dispatcher != nil {
		evt := event.NewEvent(event.TypeRoutingGap, req.ID, req.Number, map[string]interface{}{
			"department": gap.Department,
			"level":      gap.Level,
			"status":     req.Status,
		}).WithActor(actor.ID)
		e.dispatcher.DispatchAsync(context.WithoutCancel(ctx), evt)
	}
}

// emit dispatches the domain event for a committed transition
func (e *engineImpl) emit(ctx context.Context, req *entity.Requisition, plan *plannedTransition, entry *entity.AuditEntry, actor entity.Actor) {
	if e.dispatcher == nil {
		return
	}

	eventType, target := eventFor(req, plan.trigger)
	evt := event.NewEvent(eventType, req.ID, req.Number, map[string]interface{}{
		"from_status":  plan.transition.From.String(),
		"to_status":    req.Status,
		"level":        entry.Level,
		"to_level":     req.CurrentLevel,
		"target_id":    target,
		"requester_id": req.RequesterID,
		"actor_role":   actor.Role,
		"comment":      entry.Comment,
		"seq":          entry.Seq,
	}).WithActor(actor.ID)

	// Handlers outlive the request
	e.dispatcher.DispatchAsync(context.WithoutCancel(ctx), evt)
}

// eventFor picks the event type and the identity to notify
func eventFor(req *entity.Requisition, trigger domainwf.Trigger) (event.Type, string) {
	switch trigger {
	case domainwf.TriggerSubmit:
		return event.TypeRequisitionSubmitted, req.ApproverOrEmpty()
	case domainwf.TriggerApprove:
		if req.Status == entity.StatusPending {
			return event.TypeRequisitionAdvanced, req.ApproverOrEmpty()
		}
		return event.TypeRequisitionApproved, req.RequesterID
	case domainwf.TriggerReject:
		return event.TypeRequisitionRejected, req.RequesterID
	case domainwf.TriggerReturn:
		return event.TypeRequisitionReturned, req.RequesterID
	default:
		return event.TypeRequisitionAdminApproved, req.RequesterID
	}
}

// Verify interface compliance
var _ Engine = (*engineImpl)(nil)
