package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/service"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "requisitions.db")
	cfg.Storage.AttachmentDir = filepath.Join(dir, "attachments")
	cfg.Reconciler.Interval = time.Hour
	cfg.Routing = routing.NewPolicy(decimal.NewFromInt(10000), []*routing.DepartmentPolicy{
		{
			Name:      "Finance",
			Code:      "FIN",
			Approvers: map[int]string{1: "fin-l1"},
			Tiers:     []routing.Tier{{MinCost: decimal.Zero, MaxLevel: 1}},
		},
	}, nil)
	return cfg
}

func TestNewContainer_Validation(t *testing.T) {
	bad := DefaultConfig()
	bad.Lock.Backend = "zookeeper"
	_, err := NewContainer(bad, zap.NewNop())
	assert.Error(t, err)

	_, err = NewContainer(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewContainer(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Database.Path = ""
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestContainer_Lifecycle(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Ready())
	assert.Error(t, c.Start(ctx), "second start must fail")

	require.NoError(t, c.Ping(ctx))

	health := c.Health(ctx)
	assert.True(t, health.Overall)
	for _, name := range []string{"database", "lock", "dispatcher", "workers"} {
		assert.True(t, health.Components[name].Healthy, name)
	}
	assert.Equal(t, 1, c.Workers().Count())

	requester := entity.Actor{ID: "alice", Role: entity.RoleRequester, Department: "Finance"}
	reqs := c.Services().Requisition

	draft, err := reqs.CreateDraft(ctx, requester, service.DraftInput{
		Title:             "Printer toner",
		Location:          "HQ",
		JustificationCode: "OPS",
		LineItems: []service.LineItemInput{{
			Description:   "Toner",
			Quantity:      decimal.NewFromInt(3),
			Unit:          "box",
			UnitCost:      decimal.NewFromInt(100),
			EstimatedCost: decimal.NewFromInt(300),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Finance", draft.Department)

	res, err := reqs.Submit(ctx, requester, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, res.Requisition.Status)
	require.NotNil(t, res.Requisition.CurrentApproverID)
	assert.Equal(t, "fin-l1", *res.Requisition.CurrentApproverID)
	assert.Regexp(t, `^PR-FIN-\d{6}-0001$`, res.Requisition.Number)

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Error(t, c.Close(), "second close must fail")
	assert.Error(t, c.Start(ctx), "start after close must fail")
}

func TestContainer_StartFailureReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Storage.AttachmentDir = filepath.Join(blocker, "attachments")

	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
	assert.False(t, c.Ready())
	assert.Nil(t, c.database)
}

func TestConvertToZapFields(t *testing.T) {
	fields := convertToZapFields("id", int64(7), 42, "skipped", "status", "PENDING", "dangling")
	require.Len(t, fields, 2)
	assert.Equal(t, "id", fields[0].Key)
	assert.Equal(t, "status", fields[1].Key)
}
