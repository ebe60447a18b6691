package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/sqlite"
)

// LedgerRepository implements port.AuditLedger on the audit_entries table.
// Rows are never updated or deleted.
type LedgerRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sql.DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Append assigns the next sequence number and a timestamp strictly after the
// previous entry, then inserts the entry
func (r *LedgerRepository) Append(ctx context.Context, entry *entity.AuditEntry) (*entity.AuditEntry, error) {
	exec := sqlite.Executor(ctx, r.db)

	var (
		lastSeq int
		lastAt  time.Time
	)
	err := exec.QueryRowContext(ctx,
		`SELECT seq, created_at FROM audit_entries WHERE requisition_id = ? ORDER BY seq DESC LIMIT 1`,
		entry.RequisitionID,
	).Scan(&lastSeq, &lastAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	cp := *entry
	cp.Seq = lastSeq + 1
	cp.Timestamp = r.now().UTC()
	if !lastAt.IsZero() && !cp.Timestamp.After(lastAt) {
		cp.Timestamp = lastAt.Add(time.Microsecond)
	}

	query := `
		INSERT INTO audit_entries (
			requisition_id, seq, actor_id, actor_role, action, level, comment,
			from_status, to_status, to_level, assigned_approver_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := exec.ExecContext(ctx, query,
		cp.RequisitionID,
		cp.Seq,
		cp.ActorID,
		cp.ActorRole,
		cp.Action,
		cp.Level,
		cp.Comment,
		cp.FromStatus,
		cp.ToStatus,
		cp.ToLevel,
		cp.AssignedApproverID,
		cp.Timestamp,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("%w: ledger seq %d already taken for requisition %d",
				domainwf.ErrConcurrencyConflict, cp.Seq, cp.RequisitionID)
		}
		r.logger.Error("Failed to append ledger entry",
			zap.Int64("requisition_id", cp.RequisitionID),
			zap.String("action", cp.Action),
			zap.Error(err))
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if cp.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &cp, nil
}

// HistoryFor returns the ledger of a requisition, oldest entry first
func (r *LedgerRepository) HistoryFor(ctx context.Context, requisitionID int64) ([]*entity.AuditEntry, error) {
	query := `
		SELECT id, requisition_id, seq, actor_id, actor_role, action, level, comment,
			from_status, to_status, to_level, assigned_approver_id, created_at
		FROM audit_entries
		WHERE requisition_id = ?
		ORDER BY seq
	`

	rows, err := sqlite.Executor(ctx, r.db).QueryContext(ctx, query, requisitionID)
	if err != nil {
		r.logger.Error("Failed to load ledger", zap.Int64("requisition_id", requisitionID), zap.Error(err))
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close()

	var entries []*entity.AuditEntry
	for rows.Next() {
		var (
			e        entity.AuditEntry
			assigned sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.RequisitionID,
			&e.Seq,
			&e.ActorID,
			&e.ActorRole,
			&e.Action,
			&e.Level,
			&e.Comment,
			&e.FromStatus,
			&e.ToStatus,
			&e.ToLevel,
			&assigned,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if assigned.Valid {
			e.AssignedApproverID = entity.StringPtr(assigned.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Verify interface compliance
var _ port.AuditLedger = (*LedgerRepository)(nil)
