package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/application/workflow"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

const (
	defaultListLimit = 50
	maxListLimit     = 200

	defaultMaxAttachmentBytes = 20 << 20
)

// LineItemInput is a requested line item as supplied by a caller
type LineItemInput struct {
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// DraftInput carries the editable fields of a requisition
type DraftInput struct {
	Title                string          `json:"title"`
	Department           string          `json:"department"`
	Location             string          `json:"location"`
	JustificationCode    string          `json:"justification_code"`
	JustificationDetails string          `json:"justification_details"`
	LineItems            []LineItemInput `json:"line_items"`
}

// ActRequest is an approver decision. Level optionally pins the approval
// level the caller believes it is acting on; it keys duplicate detection.
type ActRequest struct {
	Action  string
	Comment string
	Level   *int
}

// ActionResult is the outcome of a workflow operation.
// Replayed is set when the request duplicated an already committed action.
type ActionResult struct {
	Requisition *entity.Requisition `json:"requisition"`
	Entry       *entity.AuditEntry  `json:"entry,omitempty"`
	Replayed    bool                `json:"replayed"`
}

// ListFilter narrows ListFor
type ListFilter struct {
	Status     string
	Department string
	Limit      int
	Offset     int
}

// Export is a rendered document
type Export struct {
	FileName    string
	ContentType string
	Content     []byte
}

// RequisitionService is the API surface of the approval workflow
type RequisitionService interface {
	CreateDraft(ctx context.Context, actor entity.Actor, input DraftInput) (*entity.Requisition, error)
	UpdateDraft(ctx context.Context, actor entity.Actor, id int64, input DraftInput) (*entity.Requisition, error)
	Submit(ctx context.Context, actor entity.Actor, id int64) (*ActionResult, error)
	Act(ctx context.Context, actor entity.Actor, id int64, req ActRequest) (*ActionResult, error)
	Get(ctx context.Context, actor entity.Actor, id int64) (*entity.Requisition, error)
	History(ctx context.Context, actor entity.Actor, id int64) ([]*entity.AuditEntry, error)
	ListFor(ctx context.Context, actor entity.Actor, filter ListFilter) ([]*entity.Requisition, error)
	AddAttachment(ctx context.Context, actor entity.Actor, id int64, file entity.AttachmentFile) (*entity.Attachment, error)
	ExportHistory(ctx context.Context, actor entity.Actor, id int64) (*Export, error)
}

type requisitionServiceImpl struct {
	engine             workflow.Engine
	requisitions       port.RequisitionRepository
	ledger             port.AuditLedger
	attachments        port.AttachmentRepository
	store              port.AttachmentStore
	exporter           port.HistoryExporter
	txManager          port.TransactionManager
	logger             Logger
	maxAttachmentBytes int64
}

// ServiceOption configures the requisition service
type ServiceOption func(*requisitionServiceImpl)

// WithMaxAttachmentBytes caps the size of a single attachment
func WithMaxAttachmentBytes(n int64) ServiceOption {
	return func(s *requisitionServiceImpl) {
		if n > 0 {
			s.maxAttachmentBytes = n
		}
	}
}

// NewRequisitionService creates a new RequisitionService
func NewRequisitionService(
	engine workflow.Engine,
	requisitions port.RequisitionRepository,
	ledger port.AuditLedger,
	attachments port.AttachmentRepository,
	store port.AttachmentStore,
	exporter port.HistoryExporter,
	txManager port.TransactionManager,
	logger Logger,
	opts ...ServiceOption,
) RequisitionService {
	s := &requisitionServiceImpl{
		engine:             engine,
		requisitions:       requisitions,
		ledger:             ledger,
		attachments:        attachments,
		store:              store,
		exporter:           exporter,
		txManager:          txManager,
		logger:             logger,
		maxAttachmentBytes: defaultMaxAttachmentBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDraft stores a new requisition in Draft
func (s *requisitionServiceImpl) CreateDraft(ctx context.Context, actor entity.Actor, input DraftInput) (*entity.Requisition, error) {
	if !PolicyFor(actor.Role).Can(PermCreate) {
		return nil, fmt.Errorf("%w: role %q may not create requisitions", domainwf.ErrNotAuthorized, actor.Role)
	}

	now := time.Now()
	req := &entity.Requisition{
		RequesterID: actor.ID,
		Status:      entity.StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyDraftInput(req, input, actor)

	if err := workflow.ValidateDraft(req); err != nil {
		return nil, err
	}

	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.requisitions.Create(txCtx, req); err != nil {
			return fmt.Errorf("create requisition: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to create requisition", "error", err, "requester_id", actor.ID)
		return nil, err
	}

	s.logger.Info("Requisition draft created",
		"id", req.ID,
		"requester_id", actor.ID,
		"department", req.Department,
		"total", req.TotalEstimatedCost.String(),
	)
	return req, nil
}

// UpdateDraft edits a Draft or Returned requisition
func (s *requisitionServiceImpl) UpdateDraft(ctx context.Context, actor entity.Actor, id int64, input DraftInput) (*entity.Requisition, error) {
	if !PolicyFor(actor.Role).Can(PermEdit) {
		return nil, fmt.Errorf("%w: role %q may not edit requisitions", domainwf.ErrNotAuthorized, actor.Role)
	}

	req, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actor.ID {
		return nil, &ActionError{
			Err:     fmt.Errorf("%w: only the requester may edit requisition %d", domainwf.ErrNotAuthorized, id),
			Current: req,
		}
	}
	if !req.IsEditable() {
		return nil, &ActionError{
			Err:     fmt.Errorf("%w: requisition %d is %s and can no longer be edited", domainwf.ErrInvalidTransition, id, req.Status),
			Current: req,
		}
	}

	applyDraftInput(req, input, actor)
	if err := workflow.ValidateDraft(req); err != nil {
		return nil, err
	}
	req.UpdatedAt = time.Now()

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.requisitions.UpdateDraft(txCtx, req)
	})
	if err != nil {
		s.logger.Error("Failed to update requisition", "error", err, "id", id)
		if errors.Is(err, domainwf.ErrConcurrencyConflict) {
			return nil, s.reject(ctx, id, err)
		}
		return nil, err
	}

	return req, nil
}

// Submit sends a requisition into approval
func (s *requisitionServiceImpl) Submit(ctx context.Context, actor entity.Actor, id int64) (*ActionResult, error) {
	return s.fire(ctx, actor, id, domainwf.TriggerSubmit, "", nil)
}

// Act applies an approver decision
func (s *requisitionServiceImpl) Act(ctx context.Context, actor entity.Actor, id int64, req ActRequest) (*ActionResult, error) {
	trigger, ok := domainwf.ParseTrigger(req.Action)
	if !ok || trigger == domainwf.TriggerSubmit {
		return nil, &domainwf.ValidationError{Fields: map[string]string{
			"action": "must be one of approve, reject, return, adminApprove",
		}}
	}
	if req.Level != nil && *req.Level < 1 {
		return nil, &domainwf.ValidationError{Fields: map[string]string{
			"level": "must be at least 1",
		}}
	}
	return s.fire(ctx, actor, id, trigger, req.Comment, req.Level)
}

func (s *requisitionServiceImpl) fire(ctx context.Context, actor entity.Actor, id int64, trigger domainwf.Trigger, comment string, level *int) (*ActionResult, error) {
	if !PolicyFor(actor.Role).Can(permissionFor(trigger)) {
		err := fmt.Errorf("%w: role %q may not %s", domainwf.ErrNotAuthorized, actor.Role, permissionFor(trigger))
		return nil, s.reject(ctx, id, err)
	}

	if level == nil && trigger != domainwf.TriggerSubmit {
		entries, err := s.ledger.HistoryFor(ctx, id)
		if err != nil {
			s.logger.Error("Failed to load ledger before action", "id", id, "error", err)
		} else {
			if last := repeatedAction(entries, actor, trigger); last != nil {
				if res, ok := s.replay(ctx, id, actor, last); ok {
					return res, nil
				}
			}
			if p, foldErr := workflow.Fold(entries); foldErr == nil && p.Status == entity.StatusPending {
				pinned := p.Level
				level = &pinned
			}
		}
	}

	var (
		res *workflow.Result
		err error
	)
	if level != nil {
		res, err = s.engine.FireAtLevel(ctx, id, actor, trigger, comment, *level)
	} else {
		res, err = s.engine.Fire(ctx, id, actor, trigger, comment)
	}
	if err == nil {
		return &ActionResult{Requisition: res.Requisition, Entry: res.Entry}, nil
	}
	if errors.Is(err, domainwf.ErrNotFound) {
		return nil, err
	}

	if errors.Is(err, domainwf.ErrInvalidTransition) || errors.Is(err, domainwf.ErrNotAuthorized) {
		if entry := s.findReplay(ctx, id, actor, trigger, level); entry != nil {
			if res, ok := s.replay(ctx, id, actor, entry); ok {
				return res, nil
			}
		}
	}

	s.logger.Error("Workflow action rejected",
		"id", id,
		"actor_id", actor.ID,
		"trigger", trigger,
		"error", err,
	)
	return nil, s.reject(ctx, id, err)
}

// replay answers a duplicate request with the current projection and the
// entry it duplicates
func (s *requisitionServiceImpl) replay(ctx context.Context, id int64, actor entity.Actor, entry *entity.AuditEntry) (*ActionResult, bool) {
	current, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	s.logger.Info("Duplicate action treated as replay",
		"id", id,
		"actor_id", actor.ID,
		"action", entry.Action,
		"level", entry.Level,
	)
	return &ActionResult{Requisition: current, Entry: entry, Replayed: true}, true
}

// repeatedAction returns the latest entry of the current round when the actor
// committed the same action and nothing has been committed since. A request
// without a level that matches it is a retry, not a decision at a new level.
func repeatedAction(entries []*entity.AuditEntry, actor entity.Actor, trigger domainwf.Trigger) *entity.AuditEntry {
	round := workflow.CurrentRound(entries)
	if len(round) == 0 {
		return nil
	}
	last := round[len(round)-1]
	if last.ActorID == actor.ID && last.Action == workflow.ActionFor(trigger) {
		return last
	}
	return nil
}

// findReplay looks for an already committed entry in the current submission
// round that the request duplicates: same actor, same action, same level.
// Without a level the actor's latest matching entry is used; level-less acts
// are normally pinned to the folded level before they reach the engine.
func (s *requisitionServiceImpl) findReplay(ctx context.Context, id int64, actor entity.Actor, trigger domainwf.Trigger, level *int) *entity.AuditEntry {
	entries, err := s.ledger.HistoryFor(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load ledger for replay check", "id", id, "error", err)
		return nil
	}

	action := workflow.ActionFor(trigger)
	round := workflow.CurrentRound(entries)
	for i := len(round) - 1; i >= 0; i-- {
		e := round[i]
		if e.ActorID != actor.ID || e.Action != action {
			continue
		}
		if level == nil || e.Level == *level {
			return e
		}
	}
	return nil
}

// reject attaches the authoritative current state to err
func (s *requisitionServiceImpl) reject(ctx context.Context, id int64, err error) error {
	current, getErr := s.engine.Get(ctx, id)
	if getErr != nil {
		if errors.Is(getErr, domainwf.ErrNotFound) {
			return getErr
		}
		return err
	}
	return &ActionError{Err: err, Current: current}
}

// Get returns a requisition the actor may view
func (s *requisitionServiceImpl) Get(ctx context.Context, actor entity.Actor, id int64) (*entity.Requisition, error) {
	req, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actor, req); err != nil {
		return nil, err
	}
	return req, nil
}

// History returns the ledger of a requisition the actor may view
func (s *requisitionServiceImpl) History(ctx context.Context, actor entity.Actor, id int64) ([]*entity.AuditEntry, error) {
	req, err := s.requisitions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actor, req); err != nil {
		return nil, err
	}
	return s.ledger.HistoryFor(ctx, id)
}

// ListFor lists requisitions visible to actor
func (s *requisitionServiceImpl) ListFor(ctx context.Context, actor entity.Actor, filter ListFilter) ([]*entity.Requisition, error) {
	policy := PolicyFor(actor.Role)
	if len(policy.Views) == 0 {
		return nil, fmt.Errorf("%w: role %q may not list requisitions", domainwf.ErrNotAuthorized, actor.Role)
	}
	if filter.Status != "" && !entity.IsValidStatus(filter.Status) {
		return nil, &domainwf.ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}

	repoFilter := port.RequisitionFilter{
		Status:     filter.Status,
		Department: filter.Department,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	}
	if repoFilter.Limit <= 0 {
		repoFilter.Limit = defaultListLimit
	}
	if repoFilter.Limit > maxListLimit {
		repoFilter.Limit = maxListLimit
	}
	if repoFilter.Offset < 0 {
		repoFilter.Offset = 0
	}

	switch {
	case policy.Views[ViewAll]:
	case policy.Views[ViewAssigned]:
		repoFilter.ParticipantID = actor.ID
	default:
		repoFilter.RequesterID = actor.ID
	}

	return s.requisitions.List(ctx, repoFilter)
}

// AddAttachment stores a file and links it to the requisition
func (s *requisitionServiceImpl) AddAttachment(ctx context.Context, actor entity.Actor, id int64, file entity.AttachmentFile) (*entity.Attachment, error) {
	if !PolicyFor(actor.Role).Can(PermAttach) {
		return nil, fmt.Errorf("%w: role %q may not attach files", domainwf.ErrNotAuthorized, actor.Role)
	}

	fields := map[string]string{}
	name := filepath.Base(strings.TrimSpace(file.FileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		fields["file_name"] = "is required"
	}
	if len(file.Content) == 0 {
		fields["file"] = "must not be empty"
	} else if int64(len(file.Content)) > s.maxAttachmentBytes {
		fields["file"] = fmt.Sprintf("must not exceed %d bytes", s.maxAttachmentBytes)
	}
	if len(fields) > 0 {
		return nil, &domainwf.ValidationError{Fields: fields}
	}

	req, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actor.ID && !req.IsCurrentApprover(actor.ID) && !actor.IsAdmin() {
		return nil, &ActionError{
			Err:     fmt.Errorf("%w: %s may not attach files to requisition %d", domainwf.ErrNotAuthorized, actor.ID, id),
			Current: req,
		}
	}
	if req.IsTerminal() {
		return nil, &ActionError{
			Err:     fmt.Errorf("%w: requisition %d is %s", domainwf.ErrInvalidTransition, id, req.Status),
			Current: req,
		}
	}

	ref, err := s.store.Store(ctx, id, name, file.Content)
	if err != nil {
		s.logger.Error("Failed to store attachment", "id", id, "file_name", name, "error", err)
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	att := &entity.Attachment{
		RequisitionID: id,
		FileName:      name,
		ContentType:   file.ContentType,
		FileSize:      int64(len(file.Content)),
		StoredRef:     ref,
		UploadedBy:    actor.ID,
		UploadedAt:    time.Now(),
	}
	if err := s.attachments.Create(ctx, att); err != nil {
		s.logger.Error("Failed to record attachment", "id", id, "stored_ref", ref, "error", err)
		return nil, fmt.Errorf("record attachment: %w", err)
	}

	s.logger.Info("Attachment added", "id", id, "attachment_id", att.ID, "size", att.FileSize)
	return att, nil
}

// ExportHistory renders the audit trail of a requisition
func (s *requisitionServiceImpl) ExportHistory(ctx context.Context, actor entity.Actor, id int64) (*Export, error) {
	req, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.HistoryFor(ctx, id)
	if err != nil {
		return nil, err
	}

	content, err := s.exporter.Export(ctx, req, entries)
	if err != nil {
		s.logger.Error("Failed to export history", "id", id, "error", err)
		return nil, fmt.Errorf("export history: %w", err)
	}

	name := req.Number
	if name == "" {
		name = fmt.Sprintf("requisition-%d", req.ID)
	}
	return &Export{
		FileName:    name + "-history.xlsx",
		ContentType: s.exporter.ContentType(),
		Content:     content,
	}, nil
}

func (s *requisitionServiceImpl) authorizeView(ctx context.Context, actor entity.Actor, req *entity.Requisition) error {
	policy := PolicyFor(actor.Role)
	if policy.CanView(actor, req, false) {
		return nil
	}
	if policy.Views[ViewAssigned] && s.participated(ctx, actor, req.ID) {
		return nil
	}
	return fmt.Errorf("%w: %s may not view requisition %d", domainwf.ErrNotAuthorized, actor.ID, req.ID)
}

func (s *requisitionServiceImpl) participated(ctx context.Context, actor entity.Actor, id int64) bool {
	entries, err := s.ledger.HistoryFor(ctx, id)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.ActorID == actor.ID {
			return true
		}
	}
	return false
}

func applyDraftInput(req *entity.Requisition, input DraftInput, actor entity.Actor) {
	req.Title = strings.TrimSpace(input.Title)
	req.Department = strings.TrimSpace(input.Department)
	if req.Department == "" {
		req.Department = actor.Department
	}
	req.Location = strings.TrimSpace(input.Location)
	req.JustificationCode = strings.TrimSpace(input.JustificationCode)
	req.JustificationDetails = input.JustificationDetails

	req.LineItems = make([]*entity.LineItem, 0, len(input.LineItems))
	for _, in := range input.LineItems {
		req.LineItems = append(req.LineItems, &entity.LineItem{
			RequisitionID: req.ID,
			Description:   strings.TrimSpace(in.Description),
			Quantity:      in.Quantity,
			Unit:          in.Unit,
			UnitCost:      in.UnitCost,
			EstimatedCost: in.EstimatedCost,
		})
	}
	req.RecalculateTotal()
}
