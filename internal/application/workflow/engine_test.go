package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garyjia/requisition-portal/internal/application/dispatcher"
	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/event"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Mock implementations

type mockRequisitionRepo struct {
	mu           sync.Mutex
	requisitions map[int64]*entity.Requisition
	beforeUpdate func(id int64)
}

func newMockRequisitionRepo(reqs ...*entity.Requisition) *mockRequisitionRepo {
	m := &mockRequisitionRepo{requisitions: make(map[int64]*entity.Requisition)}
	for _, r := range reqs {
		m.requisitions[r.ID] = cloneRequisition(r)
	}
	return m
}

func cloneRequisition(r *entity.Requisition) *entity.Requisition {
	cp := *r
	cp.LineItems = make([]*entity.LineItem, len(r.LineItems))
	for i, item := range r.LineItems {
		li := *item
		cp.LineItems[i] = &li
	}
	if r.CurrentApproverID != nil {
		cp.CurrentApproverID = entity.StringPtr(*r.CurrentApproverID)
	}
	return &cp
}

func (m *mockRequisitionRepo) Create(ctx context.Context, req *entity.Requisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.ID = int64(len(m.requisitions) + 1)
	m.requisitions[req.ID] = cloneRequisition(req)
	return nil
}

func (m *mockRequisitionRepo) GetByID(ctx context.Context, id int64) (*entity.Requisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, exists := m.requisitions[id]
	if !exists {
		return nil, domainwf.ErrNotFound
	}
	return cloneRequisition(req), nil
}

func (m *mockRequisitionRepo) UpdateDraft(ctx context.Context, req *entity.Requisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.requisitions[req.ID]
	if stored == nil || stored.Version != req.Version {
		return domainwf.ErrConcurrencyConflict
	}
	req.Version++
	m.requisitions[req.ID] = cloneRequisition(req)
	return nil
}

func (m *mockRequisitionRepo) UpdateProjection(ctx context.Context, req *entity.Requisition, expectedVersion int64) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(req.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.requisitions[req.ID]
	if stored == nil || stored.Version != expectedVersion {
		return domainwf.ErrConcurrencyConflict
	}
	req.Version = expectedVersion + 1
	m.requisitions[req.ID] = cloneRequisition(req)
	return nil
}

func (m *mockRequisitionRepo) SetNeedsAttention(ctx context.Context, id int64, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.requisitions[id]; ok {
		stored.NeedsAttention = flag
	}
	return nil
}

func (m *mockRequisitionRepo) List(ctx context.Context, filter port.RequisitionFilter) ([]*entity.Requisition, error) {
	return nil, nil
}

func (m *mockRequisitionRepo) ListOpenIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockRequisitionRepo) stored(id int64) *entity.Requisition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequisition(m.requisitions[id])
}

type mockLedger struct {
	mu        sync.Mutex
	entries   []*entity.AuditEntry
	appendErr error
}

func (m *mockLedger) Append(ctx context.Context, entry *entity.AuditEntry) (*entity.AuditEntry, error) {
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	cp.ID = int64(len(m.entries) + 1)
	cp.Seq = 1
	cp.Timestamp = time.Unix(1_700_000_000, 0).Add(time.Duration(len(m.entries)) * time.Second)
	for _, e := range m.entries {
		if e.RequisitionID == entry.RequisitionID {
			cp.Seq = e.Seq + 1
		}
	}
	m.entries = append(m.entries, &cp)
	return &cp, nil
}

func (m *mockLedger) HistoryFor(ctx context.Context, requisitionID int64) ([]*entity.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*entity.AuditEntry
	for _, e := range m.entries {
		if e.RequisitionID == requisitionID {
			result = append(result, e)
		}
	}
	return result, nil
}

type mockSequences struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *mockSequences) Next(ctx context.Context, deptCode, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[deptCode+period]++
	return m.counters[deptCode+period], nil
}

type mockTxManager struct {
	commitErr error
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	return fn(ctx)
}

type mockLocker struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	lockErr error
}

func (m *mockLocker) Lock(ctx context.Context, requisitionID int64) (func(), error) {
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := m.locks[requisitionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[requisitionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}

type mockDispatcher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (m *mockDispatcher) Subscribe(eventType event.Type, handler dispatcher.Handler) {}

func (m *mockDispatcher) SubscribeNamed(eventType event.Type, name string, handler dispatcher.Handler) {}

func (m *mockDispatcher) SubscribeMany(eventTypes []event.Type, name string, handler dispatcher.Handler) {}

func (m *mockDispatcher) Unsubscribe(eventType event.Type, name string) {}

func (m *mockDispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	m.DispatchAsync(ctx, evt)
	return nil
}

func (m *mockDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockDispatcher) ListHandlers(eventType event.Type) []dispatcher.HandlerInfo {
	return nil
}

func (m *mockDispatcher) Close() error {
	return nil
}

func (m *mockDispatcher) types() []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]event.Type, len(m.events))
	for i, e := range m.events {
		types[i] = e.Type
	}
	return types
}

// Fixtures

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func testRouter() *routing.Resolver {
	return routing.NewResolver(routing.NewPolicy(decimal.NewFromInt(10000), []*routing.DepartmentPolicy{
		{
			Name:      "Production",
			Code:      "PRD",
			Approvers: map[int]string{1: "prod-l1"},
		},
		{
			Name:      "Finance",
			Code:      "FIN",
			Approvers: map[int]string{1: "fin-l1", 2: "fin-l2"},
			Tiers: []routing.Tier{
				{MinCost: decimal.Zero, MaxLevel: 1},
				{MinCost: decimal.NewFromInt(10000), MaxLevel: 2},
			},
		},
		{
			Name:      "Operations",
			Code:      "OPS",
			Approvers: map[int]string{1: "ops-l1", 2: "ops-l2", 3: "ops-l3"},
			Tiers: []routing.Tier{
				{MinCost: decimal.Zero, MaxLevel: 3},
			},
		},
		{
			Name:      "Logistics",
			Approvers: map[int]string{1: "log-l1"},
			Tiers: []routing.Tier{
				{MinCost: decimal.Zero, MaxLevel: 2},
			},
		},
	}, nil))
}

func draft(id int64, dept string, unitCost int64) *entity.Requisition {
	req := &entity.Requisition{
		ID:                id,
		Title:             "Replacement conveyor belt",
		RequesterID:       "emp-1",
		Department:        dept,
		Location:          "Plant 2",
		JustificationCode: "MAINT",
		Status:            entity.StatusDraft,
		LineItems: []*entity.LineItem{
			{Description: "Belt", Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(unitCost)},
		},
	}
	req.RecalculateTotal()
	return req
}

type testHarness struct {
	repo       *mockRequisitionRepo
	ledger     *mockLedger
	locker     *mockLocker
	tx         *mockTxManager
	dispatcher *mockDispatcher
	engine     Engine
}

func newHarness(reqs ...*entity.Requisition) *testHarness {
	h := &testHarness{
		repo:       newMockRequisitionRepo(reqs...),
		ledger:     &mockLedger{},
		locker:     &mockLocker{},
		tx:         &mockTxManager{},
		dispatcher: &mockDispatcher{},
	}
	h.engine = NewEngine(h.repo, h.ledger, &mockSequences{}, h.tx, h.locker, testRouter(),
		WithDispatcher(h.dispatcher),
		WithClock(func() time.Time { return fixedNow }),
	)
	return h
}

var (
	requester = entity.Actor{ID: "emp-1", Role: entity.RoleRequester}
	admin     = entity.Actor{ID: "boss", Role: entity.RoleAdmin}
)

func approver(id string) entity.Actor {
	return entity.Actor{ID: id, Role: entity.RoleApprover}
}

func (h *testHarness) assertConsistent(t *testing.T, id int64) {
	t.Helper()
	entries, _ := h.ledger.HistoryFor(context.Background(), id)
	folded, err := Fold(entries)
	if err != nil {
		t.Fatalf("Fold() failed: %v", err)
	}
	stored := h.repo.stored(id)
	if !folded.Equal(stored.Projection()) {
		t.Fatalf("ledger fold %+v disagrees with projection %+v", folded, stored.Projection())
	}
	sum := decimal.Zero
	for _, item := range stored.LineItems {
		sum = sum.Add(item.EstimatedCost)
	}
	if !sum.Equal(stored.TotalEstimatedCost) {
		t.Fatalf("total %s != sum of line items %s", stored.TotalEstimatedCost, sum)
	}
}

func (h *testHarness) actions(id int64) []string {
	entries, _ := h.ledger.HistoryFor(context.Background(), id)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

func approverOf(req *entity.Requisition) string {
	return req.ApproverOrEmpty()
}

// Test factory

func TestBuildRequisitionStateMachine(t *testing.T) {
	tests := []struct {
		name         string
		initialState domainwf.State
		trigger      domainwf.Trigger
		facts        Facts
		wantState    domainwf.State
		wantErr      error
	}{
		{
			name:         "DRAFT -> PENDING on SUBMIT by requester",
			initialState: domainwf.StateDraft,
			trigger:      domainwf.TriggerSubmit,
			facts:        Facts{IsRequester: true},
			wantState:    domainwf.StatePending,
		},
		{
			name:         "DRAFT SUBMIT by someone else",
			initialState: domainwf.StateDraft,
			trigger:      domainwf.TriggerSubmit,
			wantState:    domainwf.StateDraft,
			wantErr:      domainwf.ErrGuardFailed,
		},
		{
			name:         "RETURNED -> PENDING on SUBMIT by requester",
			initialState: domainwf.StateReturned,
			trigger:      domainwf.TriggerSubmit,
			facts:        Facts{IsRequester: true},
			wantState:    domainwf.StatePending,
		},
		{
			name:         "PENDING -> APPROVED on final APPROVE",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerApprove,
			facts:        Facts{IsCurrentApprover: true, Complete: true},
			wantState:    domainwf.StateApproved,
		},
		{
			name:         "PENDING stays PENDING on intermediate APPROVE",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerApprove,
			facts:        Facts{IsCurrentApprover: true},
			wantState:    domainwf.StatePending,
		},
		{
			name:         "PENDING APPROVE by non-approver",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerApprove,
			facts:        Facts{IsAdmin: true, Complete: true},
			wantState:    domainwf.StatePending,
			wantErr:      domainwf.ErrGuardFailed,
		},
		{
			name:         "PENDING -> REJECTED on REJECT",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerReject,
			facts:        Facts{IsCurrentApprover: true},
			wantState:    domainwf.StateRejected,
		},
		{
			name:         "PENDING -> RETURNED on RETURN",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerReturn,
			facts:        Facts{IsCurrentApprover: true},
			wantState:    domainwf.StateReturned,
		},
		{
			name:         "PENDING -> APPROVED on ADMIN_APPROVE",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerAdminApprove,
			facts:        Facts{IsAdmin: true},
			wantState:    domainwf.StateApproved,
		},
		{
			name:         "ADMIN_APPROVE by current approver without admin role",
			initialState: domainwf.StatePending,
			trigger:      domainwf.TriggerAdminApprove,
			facts:        Facts{IsCurrentApprover: true},
			wantState:    domainwf.StatePending,
			wantErr:      domainwf.ErrGuardFailed,
		},
		{
			name:         "DRAFT APPROVE is not a transition",
			initialState: domainwf.StateDraft,
			trigger:      domainwf.TriggerApprove,
			facts:        Facts{IsCurrentApprover: true},
			wantState:    domainwf.StateDraft,
			wantErr:      domainwf.ErrInvalidTransition,
		},
		{
			name:         "APPROVED is terminal",
			initialState: domainwf.StateApproved,
			trigger:      domainwf.TriggerReject,
			facts:        Facts{IsCurrentApprover: true, IsAdmin: true},
			wantState:    domainwf.StateApproved,
			wantErr:      domainwf.ErrInvalidTransition,
		},
		{
			name:         "REJECTED is terminal",
			initialState: domainwf.StateRejected,
			trigger:      domainwf.TriggerSubmit,
			facts:        Facts{IsRequester: true},
			wantState:    domainwf.StateRejected,
			wantErr:      domainwf.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := BuildRequisitionStateMachine(tt.initialState)

			_, err := machine.Fire(WithFacts(context.Background(), tt.facts), tt.trigger)

			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
			if machine.State() != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, machine.State())
			}
		})
	}
}

// Test engine

func TestEngine_SingleLevelApproval(t *testing.T) {
	h := newHarness(draft(1, "Production", 80000))
	ctx := context.Background()

	res, err := h.engine.Submit(ctx, 1, requester)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	req := res.Requisition
	if req.Status != entity.StatusPending || req.CurrentLevel != 1 || approverOf(req) != "prod-l1" {
		t.Fatalf("after submit: status=%s level=%d approver=%s", req.Status, req.CurrentLevel, approverOf(req))
	}
	if req.Number != "PR-PRD-202610-0001" {
		t.Errorf("Number = %q, want PR-PRD-202610-0001", req.Number)
	}
	if req.SubmittedAt == nil || !req.SubmittedAt.Equal(fixedNow) {
		t.Errorf("SubmittedAt = %v", req.SubmittedAt)
	}
	h.assertConsistent(t, 1)

	res, err = h.engine.Approve(ctx, 1, approver("prod-l1"), "ok")
	if err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	req = res.Requisition
	if req.Status != entity.StatusApproved || req.CurrentApproverID != nil {
		t.Fatalf("after approve: status=%s approver=%v", req.Status, req.CurrentApproverID)
	}
	if req.CompletedAt == nil {
		t.Error("CompletedAt should be set on terminal state")
	}
	if res.Entry.Action != entity.ActionApproved || res.Entry.Level != 1 {
		t.Errorf("entry = %s at level %d, want APPROVED at 1", res.Entry.Action, res.Entry.Level)
	}

	entries, _ := h.ledger.HistoryFor(ctx, 1)
	if len(entries) != 2 {
		t.Fatalf("ledger length = %d, want 2", len(entries))
	}
	if entries[0].Action != entity.ActionSubmitted || entries[0].Level != 0 {
		t.Errorf("entries[0] = %s(L%d), want SUBMITTED(L0)", entries[0].Action, entries[0].Level)
	}
	if entries[1].Action != entity.ActionApproved || entries[1].Level != 1 {
		t.Errorf("entries[1] = %s(L%d), want APPROVED(L1)", entries[1].Action, entries[1].Level)
	}
	h.assertConsistent(t, 1)

	types := h.dispatcher.types()
	if len(types) != 2 || types[0] != event.TypeRequisitionSubmitted || types[1] != event.TypeRequisitionApproved {
		t.Errorf("dispatched events = %v", types)
	}
}

func TestEngine_ReturnAndResubmit(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	res, err := h.engine.Approve(ctx, 1, approver("fin-l1"), "")
	if err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if res.Requisition.Status != entity.StatusPending || res.Requisition.CurrentLevel != 2 || approverOf(res.Requisition) != "fin-l2" {
		t.Fatalf("after L1 approve: status=%s level=%d approver=%s",
			res.Requisition.Status, res.Requisition.CurrentLevel, approverOf(res.Requisition))
	}
	if !res.Transition.IsReentry() {
		t.Error("intermediate approve should re-enter PENDING")
	}
	number := res.Requisition.Number

	res, err = h.engine.Return(ctx, 1, approver("fin-l2"), "split the order")
	if err != nil {
		t.Fatalf("Return() failed: %v", err)
	}
	if res.Requisition.Status != entity.StatusReturned || res.Requisition.CurrentApproverID != nil {
		t.Fatalf("after return: status=%s approver=%v", res.Requisition.Status, res.Requisition.CurrentApproverID)
	}
	h.assertConsistent(t, 1)

	// Requester edits line items while Returned
	edited := h.repo.stored(1)
	edited.LineItems[0].Quantity = decimal.NewFromInt(2)
	edited.RecalculateTotal()
	if err := h.repo.UpdateDraft(ctx, edited); err != nil {
		t.Fatalf("UpdateDraft() failed: %v", err)
	}

	if _, err := h.engine.Submit(ctx, 1, approver("fin-l2")); !errors.Is(err, domainwf.ErrNotAuthorized) {
		t.Errorf("re-submit by non-requester error = %v, want %v", err, domainwf.ErrNotAuthorized)
	}

	res, err = h.engine.Submit(ctx, 1, requester)
	if err != nil {
		t.Fatalf("re-Submit() failed: %v", err)
	}
	if res.Requisition.CurrentLevel != 1 || approverOf(res.Requisition) != "fin-l1" {
		t.Errorf("after re-submit: level=%d approver=%s, want 1/fin-l1", res.Requisition.CurrentLevel, approverOf(res.Requisition))
	}
	if res.Requisition.Number != number {
		t.Errorf("Number changed on re-submit: %q -> %q", number, res.Requisition.Number)
	}
	if !res.Requisition.TotalEstimatedCost.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("total = %s, want 25000", res.Requisition.TotalEstimatedCost)
	}

	want := []string{entity.ActionSubmitted, entity.ActionApproved, entity.ActionReturned, entity.ActionSubmitted}
	got := h.actions(1)
	if len(got) != len(want) {
		t.Fatalf("ledger = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ledger[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	h.assertConsistent(t, 1)
}

func TestEngine_AdminApproveBypassesLevels(t *testing.T) {
	h := newHarness(draft(1, "Operations", 500))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if _, err := h.engine.AdminApprove(ctx, 1, approver("ops-l1"), ""); !errors.Is(err, domainwf.ErrNotAuthorized) {
		t.Errorf("AdminApprove() by non-admin error = %v, want %v", err, domainwf.ErrNotAuthorized)
	}

	res, err := h.engine.AdminApprove(ctx, 1, admin, "urgent")
	if err != nil {
		t.Fatalf("AdminApprove() failed: %v", err)
	}
	if res.Requisition.Status != entity.StatusApproved || res.Requisition.CurrentApproverID != nil {
		t.Errorf("status=%s approver=%v", res.Requisition.Status, res.Requisition.CurrentApproverID)
	}
	if res.Entry.Action != entity.ActionAdminApproved || res.Entry.Level != 1 {
		t.Errorf("entry = %s(L%d), want ADMIN_APPROVED(L1)", res.Entry.Action, res.Entry.Level)
	}
	h.assertConsistent(t, 1)
}

func TestEngine_NonApproverCannotAct(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	before := h.repo.stored(1)

	for _, act := range []func(context.Context, int64, entity.Actor, string) (*Result, error){
		h.engine.Approve, h.engine.Reject, h.engine.Return,
	} {
		_, err := act(ctx, 1, approver("fin-l2"), "")
		if !errors.Is(err, domainwf.ErrNotAuthorized) {
			t.Errorf("error = %v, want %v", err, domainwf.ErrNotAuthorized)
		}
	}

	after := h.repo.stored(1)
	if !before.Projection().Equal(after.Projection()) || before.Version != after.Version {
		t.Errorf("projection changed: %+v -> %+v", before.Projection(), after.Projection())
	}
	if n := len(h.actions(1)); n != 1 {
		t.Errorf("ledger length = %d, want 1", n)
	}
}

func TestEngine_InvalidTransitions(t *testing.T) {
	h := newHarness(draft(1, "Production", 100))
	ctx := context.Background()

	if _, err := h.engine.Approve(ctx, 1, approver("prod-l1"), ""); !errors.Is(err, domainwf.ErrInvalidTransition) {
		t.Errorf("Approve() on draft error = %v, want %v", err, domainwf.ErrInvalidTransition)
	}

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if _, err := h.engine.Reject(ctx, 1, approver("prod-l1"), "no budget"); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}

	if _, err := h.engine.Approve(ctx, 1, approver("prod-l1"), ""); !errors.Is(err, domainwf.ErrInvalidTransition) {
		t.Errorf("Approve() on rejected error = %v, want %v", err, domainwf.ErrInvalidTransition)
	}
	if _, err := h.engine.Submit(ctx, 1, requester); !errors.Is(err, domainwf.ErrInvalidTransition) {
		t.Errorf("Submit() on rejected error = %v, want %v", err, domainwf.ErrInvalidTransition)
	}
	if _, err := h.engine.Fire(ctx, 1, admin, domainwf.Trigger("ESCALATE"), ""); !errors.Is(err, domainwf.ErrInvalidTransition) {
		t.Errorf("Fire(unknown) error = %v, want %v", err, domainwf.ErrInvalidTransition)
	}
	if _, err := h.engine.Submit(ctx, 99, requester); !errors.Is(err, domainwf.ErrNotFound) {
		t.Errorf("Submit(missing) error = %v, want %v", err, domainwf.ErrNotFound)
	}
}

func TestEngine_SubmitValidation(t *testing.T) {
	incomplete := draft(1, "Production", 100)
	incomplete.Location = ""
	incomplete.LineItems = nil
	incomplete.RecalculateTotal()

	h := newHarness(incomplete)

	_, err := h.engine.Submit(context.Background(), 1, requester)
	var verr *domainwf.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Submit() error = %v, want ValidationError", err)
	}
	for _, field := range []string{"location", "line_items"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("missing validation field %q in %v", field, verr.Fields)
		}
	}
	if h.repo.stored(1).Status != entity.StatusDraft || len(h.actions(1)) != 0 {
		t.Error("failed submit must not change state or append to the ledger")
	}
}

func TestEngine_RoutingGapKeepsLastValidLevel(t *testing.T) {
	h := newHarness(draft(1, "Logistics", 100))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	_, err := h.engine.Approve(ctx, 1, approver("log-l1"), "")
	var gap *domainwf.RoutingGapError
	if !errors.As(err, &gap) || gap.Level != 2 {
		t.Fatalf("Approve() error = %v, want routing gap at level 2", err)
	}

	stored := h.repo.stored(1)
	if stored.Status != entity.StatusPending || stored.CurrentLevel != 1 || approverOf(stored) != "log-l1" {
		t.Errorf("stored = %s L%d %s, want PENDING L1 log-l1", stored.Status, stored.CurrentLevel, approverOf(stored))
	}
	if !stored.NeedsAttention {
		t.Error("requisition should be flagged for attention")
	}
	if n := len(h.actions(1)); n != 1 {
		t.Errorf("ledger length = %d, want 1", n)
	}

	found := false
	for _, typ := range h.dispatcher.types() {
		if typ == event.TypeRoutingGap {
			found = true
		}
	}
	if !found {
		t.Error("routing gap event should be dispatched")
	}

	// An admin can still clear the blocked requisition
	res, err := h.engine.AdminApprove(ctx, 1, admin, "")
	if err != nil {
		t.Fatalf("AdminApprove() failed: %v", err)
	}
	if res.Requisition.NeedsAttention {
		t.Error("successful transition should clear the attention flag")
	}
}

func TestEngine_UnknownDepartmentOnSubmit(t *testing.T) {
	h := newHarness(draft(1, "Marketing", 100))

	_, err := h.engine.Submit(context.Background(), 1, requester)
	if !errors.Is(err, domainwf.ErrRoutingGap) {
		t.Fatalf("Submit() error = %v, want %v", err, domainwf.ErrRoutingGap)
	}
	if stored := h.repo.stored(1); stored.Status != entity.StatusDraft || stored.Number != "" {
		t.Errorf("stored = %s %q, want untouched draft", stored.Status, stored.Number)
	}
}

func TestEngine_ConcurrentApprove(t *testing.T) {
	h := newHarness(draft(1, "Production", 100))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Approve(ctx, 1, approver("prod-l1"), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domainwf.ErrInvalidTransition), errors.Is(err, domainwf.ErrConcurrencyConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful approvals = %d, want 1", succeeded)
	}

	approvals := 0
	for _, action := range h.actions(1) {
		if action == entity.ActionApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("APPROVED entries = %d, want 1", approvals)
	}
	h.assertConsistent(t, 1)
}

func TestEngine_StaleVersionIsConflict(t *testing.T) {
	h := newHarness(draft(1, "Production", 100))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	// Another writer sneaks in between read and commit
	h.repo.beforeUpdate = func(id int64) {
		h.repo.mu.Lock()
		h.repo.requisitions[id].Version++
		h.repo.mu.Unlock()
	}

	_, err := h.engine.Approve(ctx, 1, approver("prod-l1"), "")
	if !errors.Is(err, domainwf.ErrConcurrencyConflict) {
		t.Fatalf("Approve() error = %v, want %v", err, domainwf.ErrConcurrencyConflict)
	}
	if n := len(h.actions(1)); n != 1 {
		t.Errorf("ledger length = %d, want 1", n)
	}
}

func TestEngine_LockFailureIsConflict(t *testing.T) {
	h := newHarness(draft(1, "Production", 100))
	h.locker.lockErr = context.DeadlineExceeded

	_, err := h.engine.Submit(context.Background(), 1, requester)
	if !errors.Is(err, domainwf.ErrConcurrencyConflict) {
		t.Errorf("Submit() error = %v, want %v", err, domainwf.ErrConcurrencyConflict)
	}
}

func TestEngine_CommitFailureChangesNothing(t *testing.T) {
	h := newHarness(draft(1, "Production", 100))
	h.tx.commitErr = errors.New("disk full")

	if _, err := h.engine.Submit(context.Background(), 1, requester); err == nil {
		t.Fatal("Submit() should fail when the transaction fails")
	}
	if stored := h.repo.stored(1); stored.Status != entity.StatusDraft {
		t.Errorf("status = %s, want %s", stored.Status, entity.StatusDraft)
	}
	if len(h.dispatcher.types()) != 0 {
		t.Error("no event should be dispatched for a failed commit")
	}
}

func TestEngine_GetHealsProjection(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if _, err := h.engine.Approve(ctx, 1, approver("fin-l1"), ""); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}

	// Corrupt the cached projection
	h.repo.mu.Lock()
	h.repo.requisitions[1].Status = entity.StatusApproved
	h.repo.requisitions[1].CurrentApproverID = nil
	h.repo.mu.Unlock()

	req, err := h.engine.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if req.Status != entity.StatusPending || req.CurrentLevel != 2 || approverOf(req) != "fin-l2" {
		t.Errorf("Get() = %s L%d %s, want PENDING L2 fin-l2", req.Status, req.CurrentLevel, approverOf(req))
	}
	h.assertConsistent(t, 1)

	healed, err := h.engine.Heal(ctx, 1)
	if err != nil || healed {
		t.Errorf("Heal() on consistent requisition = (%v, %v), want (false, nil)", healed, err)
	}

	types := h.dispatcher.types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	found := false
	for _, typ := range types {
		if typ == event.TypeProjectionHealed {
			found = true
		}
	}
	if !found {
		t.Error("projection healed event should be dispatched")
	}
}

// corruptAfterApproval leaves requisition 1 pending at level 2 in the ledger
// while its cached projection claims APPROVED
func corruptAfterApproval(t *testing.T, h *testHarness) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if _, err := h.engine.Approve(ctx, 1, approver("fin-l1"), ""); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	h.repo.mu.Lock()
	h.repo.requisitions[1].Status = entity.StatusApproved
	h.repo.requisitions[1].CurrentApproverID = nil
	h.repo.mu.Unlock()
}

// bumpVersion simulates a transition committing between a read and its write
func bumpVersion(h *testHarness, times int) *int {
	calls := 0
	h.repo.beforeUpdate = func(id int64) {
		calls++
		if calls > times {
			return
		}
		h.repo.mu.Lock()
		h.repo.requisitions[id].Version++
		h.repo.mu.Unlock()
	}
	return &calls
}

func TestEngine_GetRetriesHealAfterConflicts(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	corruptAfterApproval(t, h)
	calls := bumpVersion(h, getAttempts-1)

	req, err := h.engine.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if *calls != getAttempts {
		t.Errorf("heal writes = %d, want %d", *calls, getAttempts)
	}
	if req.Status != entity.StatusPending || req.CurrentLevel != 2 || approverOf(req) != "fin-l2" {
		t.Errorf("Get() = %s L%d %s, want PENDING L2 fin-l2", req.Status, req.CurrentLevel, approverOf(req))
	}
	h.assertConsistent(t, 1)
}

func TestEngine_GetServesLedgerViewWhenHealKeepsLosing(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	corruptAfterApproval(t, h)
	calls := bumpVersion(h, 100)

	req, err := h.engine.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get() = %v, want ledger view instead of a conflict", err)
	}
	if *calls != getAttempts {
		t.Errorf("heal writes = %d, want %d", *calls, getAttempts)
	}
	if req.Status != entity.StatusPending || req.CurrentLevel != 2 || approverOf(req) != "fin-l2" {
		t.Errorf("Get() = %s L%d %s, want PENDING L2 fin-l2", req.Status, req.CurrentLevel, approverOf(req))
	}
	if stored := h.repo.stored(1); stored.Status != entity.StatusApproved {
		t.Errorf("stored status = %s, ledger view must not write", stored.Status)
	}
}

func TestEngine_FireAtLevelRejectsStaleLevel(t *testing.T) {
	h := newHarness(draft(1, "Finance", 12500))
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, 1, requester); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if _, err := h.engine.FireAtLevel(ctx, 1, approver("fin-l1"), domainwf.TriggerApprove, "", 1); err != nil {
		t.Fatalf("FireAtLevel() failed: %v", err)
	}

	// A retry pinned to level 1 must not act on level 2
	_, err := h.engine.FireAtLevel(ctx, 1, approver("fin-l2"), domainwf.TriggerApprove, "", 1)
	if !errors.Is(err, domainwf.ErrInvalidTransition) {
		t.Fatalf("FireAtLevel() error = %v, want %v", err, domainwf.ErrInvalidTransition)
	}
	if stored := h.repo.stored(1); stored.CurrentLevel != 2 || stored.Status != entity.StatusPending {
		t.Errorf("stored = %s L%d, want PENDING L2", stored.Status, stored.CurrentLevel)
	}
}
