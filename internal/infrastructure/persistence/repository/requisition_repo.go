package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/sqlite"
)

const requisitionColumns = `
	r.id, r.number, r.title, r.requester_id, r.department, r.location,
	r.justification_code, r.justification_details, r.total_estimated_cost,
	r.status, r.current_level, r.current_approver_id, r.needs_attention,
	r.version, r.submitted_at, r.completed_at, r.created_at, r.updated_at`

// RequisitionRepository implements port.RequisitionRepository
type RequisitionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequisitionRepository creates a new requisition repository
func NewRequisitionRepository(db *sql.DB, logger *zap.Logger) *RequisitionRepository {
	return &RequisitionRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a requisition and its line items
func (r *RequisitionRepository) Create(ctx context.Context, req *entity.Requisition) error {
	query := `
		INSERT INTO requisitions (
			title, requester_id, department, location, justification_code,
			justification_details, total_estimated_cost, status, current_level,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = now
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.Status == "" {
		req.Status = entity.StatusDraft
	}

	exec := sqlite.Executor(ctx, r.db)
	result, err := exec.ExecContext(ctx, query,
		req.Title,
		req.RequesterID,
		req.Department,
		req.Location,
		req.JustificationCode,
		req.JustificationDetails,
		req.TotalEstimatedCost,
		req.Status,
		req.CurrentLevel,
		req.Version,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create requisition", zap.Error(err))
		return fmt.Errorf("failed to create requisition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	req.ID = id

	return r.insertLineItems(ctx, exec, req)
}

// GetByID retrieves a requisition with its line items and attachments
func (r *RequisitionRepository) GetByID(ctx context.Context, id int64) (*entity.Requisition, error) {
	query := `SELECT ` + requisitionColumns + ` FROM requisitions r WHERE r.id = ?`

	exec := sqlite.Executor(ctx, r.db)
	req, err := scanRequisition(exec.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", domainwf.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get requisition by ID", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get requisition: %w", err)
	}

	if req.LineItems, err = r.loadLineItems(ctx, exec, id); err != nil {
		return nil, err
	}
	if req.Attachments, err = listAttachments(ctx, exec, id); err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateDraft rewrites the editable fields and line items of a Draft or
// Returned requisition
func (r *RequisitionRepository) UpdateDraft(ctx context.Context, req *entity.Requisition) error {
	query := `
		UPDATE requisitions SET
			title = ?, department = ?, location = ?, justification_code = ?,
			justification_details = ?, total_estimated_cost = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status IN (?, ?)
	`

	exec := sqlite.Executor(ctx, r.db)
	result, err := exec.ExecContext(ctx, query,
		req.Title,
		req.Department,
		req.Location,
		req.JustificationCode,
		req.JustificationDetails,
		req.TotalEstimatedCost,
		req.UpdatedAt.UTC(),
		req.ID,
		req.Version,
		entity.StatusDraft,
		entity.StatusReturned,
	)
	if err != nil {
		r.logger.Error("Failed to update requisition", zap.Int64("id", req.ID), zap.Error(err))
		return fmt.Errorf("failed to update requisition: %w", err)
	}
	if err := expectOneRow(result, req.ID, req.Version); err != nil {
		return err
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM line_items WHERE requisition_id = ?`, req.ID); err != nil {
		return fmt.Errorf("failed to clear line items: %w", err)
	}
	if err := r.insertLineItems(ctx, exec, req); err != nil {
		return err
	}

	req.Version++
	return nil
}

// UpdateProjection writes the workflow fields if the stored version still
// equals expectedVersion
func (r *RequisitionRepository) UpdateProjection(ctx context.Context, req *entity.Requisition, expectedVersion int64) error {
	query := `
		UPDATE requisitions SET
			number = ?, status = ?, current_level = ?, current_approver_id = ?,
			needs_attention = ?, submitted_at = ?, completed_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		nullString(req.Number),
		req.Status,
		req.CurrentLevel,
		req.CurrentApproverID,
		req.NeedsAttention,
		utcPtr(req.SubmittedAt),
		utcPtr(req.CompletedAt),
		req.UpdatedAt.UTC(),
		req.ID,
		expectedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update projection", zap.Int64("id", req.ID), zap.Error(err))
		return fmt.Errorf("failed to update projection: %w", err)
	}
	if err := expectOneRow(result, req.ID, expectedVersion); err != nil {
		return err
	}

	req.Version = expectedVersion + 1
	return nil
}

// SetNeedsAttention flags a requisition for operators without touching its version
func (r *RequisitionRepository) SetNeedsAttention(ctx context.Context, id int64, flag bool) error {
	_, err := sqlite.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE requisitions SET needs_attention = ? WHERE id = ?`, flag, id)
	if err != nil {
		r.logger.Error("Failed to set needs_attention", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to set needs_attention: %w", err)
	}
	return nil
}

// List returns requisitions matching filter, most recently updated first
func (r *RequisitionRepository) List(ctx context.Context, filter port.RequisitionFilter) ([]*entity.Requisition, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Department != "" {
		where = append(where, "r.department = ? COLLATE NOCASE")
		args = append(args, filter.Department)
	}
	if filter.RequesterID != "" {
		where = append(where, "r.requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.ParticipantID != "" {
		where = append(where, `(r.requester_id = ? OR r.current_approver_id = ? OR EXISTS (
			SELECT 1 FROM audit_entries a WHERE a.requisition_id = r.id AND a.actor_id = ?))`)
		args = append(args, filter.ParticipantID, filter.ParticipantID, filter.ParticipantID)
	}

	query := `SELECT ` + requisitionColumns + ` FROM requisitions r`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.updated_at DESC, r.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	exec := sqlite.Executor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list requisitions", zap.Error(err))
		return nil, fmt.Errorf("failed to list requisitions: %w", err)
	}

	var reqs []*entity.Requisition
	for rows.Next() {
		req, err := scanRequisition(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan requisition: %w", err)
		}
		reqs = append(reqs, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list requisitions: %w", err)
	}

	// Rows must be closed before issuing more queries on a single connection
	for _, req := range reqs {
		if req.LineItems, err = r.loadLineItems(ctx, exec, req.ID); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// ListOpenIDs returns, in id order, IDs above afterID of requisitions that
// were submitted and have not reached a final state
func (r *RequisitionRepository) ListOpenIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	query := `SELECT id FROM requisitions WHERE status NOT IN (?, ?, ?) AND id > ? ORDER BY id`
	args := []interface{}{entity.StatusDraft, entity.StatusApproved, entity.StatusRejected, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := sqlite.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list open requisitions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RequisitionRepository) insertLineItems(ctx context.Context, exec sqlite.Queryer, req *entity.Requisition) error {
	query := `
		INSERT INTO line_items (
			requisition_id, position, description, quantity, unit, unit_cost, estimated_cost
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for i, item := range req.LineItems {
		item.RequisitionID = req.ID
		item.Position = i + 1
		result, err := exec.ExecContext(ctx, query,
			req.ID,
			item.Position,
			item.Description,
			item.Quantity,
			item.Unit,
			item.UnitCost,
			item.EstimatedCost,
		)
		if err != nil {
			r.logger.Error("Failed to insert line item", zap.Int64("requisition_id", req.ID), zap.Error(err))
			return fmt.Errorf("failed to insert line item: %w", err)
		}
		if item.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}
	return nil
}

func (r *RequisitionRepository) loadLineItems(ctx context.Context, exec sqlite.Queryer, requisitionID int64) ([]*entity.LineItem, error) {
	query := `
		SELECT id, requisition_id, position, description, quantity, unit, unit_cost, estimated_cost
		FROM line_items
		WHERE requisition_id = ?
		ORDER BY position
	`
	rows, err := exec.QueryContext(ctx, query, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load line items: %w", err)
	}
	defer rows.Close()

	items := []*entity.LineItem{}
	for rows.Next() {
		var item entity.LineItem
		if err := rows.Scan(
			&item.ID,
			&item.RequisitionID,
			&item.Position,
			&item.Description,
			&item.Quantity,
			&item.Unit,
			&item.UnitCost,
			&item.EstimatedCost,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequisition(row rowScanner) (*entity.Requisition, error) {
	var (
		req          entity.Requisition
		number       sql.NullString
		approverID   sql.NullString
		submittedAt  sql.NullTime
		completedAt  sql.NullTime
		justDetails  sql.NullString
		attentionInt int64
	)

	err := row.Scan(
		&req.ID,
		&number,
		&req.Title,
		&req.RequesterID,
		&req.Department,
		&req.Location,
		&req.JustificationCode,
		&justDetails,
		&req.TotalEstimatedCost,
		&req.Status,
		&req.CurrentLevel,
		&approverID,
		&attentionInt,
		&req.Version,
		&submittedAt,
		&completedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Number = number.String
	req.JustificationDetails = justDetails.String
	req.NeedsAttention = attentionInt != 0
	if approverID.Valid {
		req.CurrentApproverID = entity.StringPtr(approverID.String)
	}
	if submittedAt.Valid {
		req.SubmittedAt = &submittedAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return &req, nil
}

func expectOneRow(result sql.Result, id, version int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: requisition %d is no longer at version %d", domainwf.ErrConcurrencyConflict, id, version)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Verify interface compliance
var _ port.RequisitionRepository = (*RequisitionRepository)(nil)
