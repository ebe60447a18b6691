package workflow

import (
	"fmt"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// InitialProjection is the projection of a requisition with an empty ledger
func InitialProjection() entity.Projection {
	return entity.Projection{Status: entity.StatusDraft}
}

// Fold replays a ledger, oldest entry first, and returns the projection it
// implies. Every entry is checked against the transition table and the level
// arithmetic of its action; any mismatch yields ErrLedgerCorrupt.
func Fold(entries []*entity.AuditEntry) (entity.Projection, error) {
	p := InitialProjection()

	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Seq <= prev.Seq || !e.Timestamp.After(prev.Timestamp) {
				return p, corrupt(e, "entries out of order")
			}
		}
		next, err := applyEntry(p, e)
		if err != nil {
			return p, err
		}
		p = next
	}

	return p, nil
}

func applyEntry(p entity.Projection, e *entity.AuditEntry) (entity.Projection, error) {
	trigger, ok := TriggerFor(e.Action)
	if !ok {
		return p, corrupt(e, "unknown action %q", e.Action)
	}
	if e.FromStatus != p.Status {
		return p, corrupt(e, "from status %s, projection is %s", e.FromStatus, p.Status)
	}
	if e.Level != p.Level {
		return p, corrupt(e, "level %d, projection is at %d", e.Level, p.Level)
	}
	if !BuildRequisitionStateMachine(domainwf.State(p.Status)).CanFire(trigger) {
		return p, corrupt(e, "%s not permitted from %s", trigger, p.Status)
	}

	assigned := e.AssignedApproverID != nil && *e.AssignedApproverID != ""

	switch e.Action {
	case entity.ActionSubmitted:
		if e.ToStatus != entity.StatusPending || e.ToLevel != 1 || !assigned {
			return p, corrupt(e, "submit must move to %s level 1 with an approver", entity.StatusPending)
		}
	case entity.ActionApproved:
		advanced := e.ToStatus == entity.StatusPending && e.ToLevel == e.Level+1 && assigned
		completed := e.ToStatus == entity.StatusApproved && e.ToLevel == e.Level && !assigned
		if !advanced && !completed {
			return p, corrupt(e, "approve must advance one level or complete")
		}
	case entity.ActionRejected:
		if e.ToStatus != entity.StatusRejected || e.ToLevel != e.Level || assigned {
			return p, corrupt(e, "reject must end at %s", entity.StatusRejected)
		}
	case entity.ActionReturned:
		if e.ToStatus != entity.StatusReturned || e.ToLevel != e.Level || assigned {
			return p, corrupt(e, "return must end at %s", entity.StatusReturned)
		}
	case entity.ActionAdminApproved:
		if e.ToStatus != entity.StatusApproved || e.ToLevel != e.Level || assigned {
			return p, corrupt(e, "admin approve must end at %s", entity.StatusApproved)
		}
	}

	next := entity.Projection{Status: e.ToStatus, Level: e.ToLevel}
	if assigned {
		approver := *e.AssignedApproverID
		next.CurrentApproverID = &approver
	}
	return next, nil
}

func corrupt(e *entity.AuditEntry, format string, args ...interface{}) error {
	return fmt.Errorf("%w: requisition %d seq %d: %s", domainwf.ErrLedgerCorrupt, e.RequisitionID, e.Seq, fmt.Sprintf(format, args...))
}

// CurrentRound returns the entries since the most recent submission
func CurrentRound(entries []*entity.AuditEntry) []*entity.AuditEntry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == entity.ActionSubmitted {
			return entries[i:]
		}
	}
	return nil
}
