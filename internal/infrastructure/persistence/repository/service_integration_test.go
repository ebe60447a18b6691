package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/service"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// sameApproverPolicy gives one approver two consecutive levels. Validate
// rejects it; the resolver still routes it.
func sameApproverPolicy() *routing.Policy {
	return routing.NewPolicy(decimal.NewFromInt(50000), []*routing.DepartmentPolicy{
		{
			Name:      "Finance",
			Code:      "FIN",
			Approvers: map[int]string{1: "boss", 2: "boss"},
			Tiers:     []routing.Tier{{MinCost: decimal.Zero, MaxLevel: 2}},
		},
	}, nil)
}

func newServiceOver(t *testing.T, f *engineFixture) service.RequisitionService {
	t.Helper()
	logger := zap.NewNop()
	return service.NewRequisitionService(
		f.engine,
		f.reqs,
		f.ledger,
		NewAttachmentRepository(f.db.DB, logger),
		nil,
		nil,
		f.db,
		nopLogger{},
	)
}

var boss = entity.Actor{ID: "boss", Role: entity.RoleApprover, Department: "Finance"}

func TestRequisitionService_LevelLessRetryIsReplayed(t *testing.T) {
	f := newEngineFixtureFor(t, sameApproverPolicy())
	svc := newServiceOver(t, f)
	ctx := context.Background()
	req := createDraft(t, f.reqs, "emp-1", "Finance")

	_, err := svc.Submit(ctx, requesterActor, req.ID)
	require.NoError(t, err)

	first, err := svc.Act(ctx, boss, req.ID, service.ActRequest{Action: "approve"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, entity.StatusPending, first.Requisition.Status)
	assert.Equal(t, 2, first.Requisition.CurrentLevel)

	second, err := svc.Act(ctx, boss, req.ID, service.ActRequest{Action: "approve"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, entity.StatusPending, second.Requisition.Status)
	assert.Equal(t, 2, second.Requisition.CurrentLevel)
	assert.Equal(t, 1, second.Entry.Level)

	entries, err := f.ledger.HistoryFor(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// The second level is decided by naming it.
	level := 2
	final, err := svc.Act(ctx, boss, req.ID, service.ActRequest{Action: "approve", Level: &level})
	require.NoError(t, err)
	assert.False(t, final.Replayed)
	assert.Equal(t, entity.StatusApproved, final.Requisition.Status)

	entries, err = f.ledger.HistoryFor(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRequisitionService_ConcurrentLevelLessApprovesCommitOnce(t *testing.T) {
	f := newEngineFixtureFor(t, sameApproverPolicy())
	svc := newServiceOver(t, f)
	ctx := context.Background()
	req := createDraft(t, f.reqs, "emp-1", "Finance")

	_, err := svc.Submit(ctx, requesterActor, req.ID)
	require.NoError(t, err)

	const callers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		replayed int
		failed   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Act(ctx, boss, req.ID, service.ActRequest{Action: "approve"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed = append(failed, err)
			case res.Replayed:
				replayed++
			default:
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failed)
	assert.Equal(t, 1, fresh)
	assert.Equal(t, callers-1, replayed)

	entries, err := f.ledger.HistoryFor(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stored, err := f.reqs.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentLevel)
}
