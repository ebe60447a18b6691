package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/sqlite"
)

// AttachmentRepository implements port.AttachmentRepository
type AttachmentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAttachmentRepository creates a new attachment repository
func NewAttachmentRepository(db *sql.DB, logger *zap.Logger) *AttachmentRepository {
	return &AttachmentRepository{
		db:     db,
		logger: logger,
	}
}

// Create records attachment metadata
func (r *AttachmentRepository) Create(ctx context.Context, att *entity.Attachment) error {
	query := `
		INSERT INTO attachments (
			requisition_id, file_name, content_type, file_size, stored_ref, uploaded_by, uploaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if att.UploadedAt.IsZero() {
		att.UploadedAt = time.Now()
	}

	result, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		att.RequisitionID,
		att.FileName,
		att.ContentType,
		att.FileSize,
		att.StoredRef,
		att.UploadedBy,
		att.UploadedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create attachment", zap.Int64("requisition_id", att.RequisitionID), zap.Error(err))
		return fmt.Errorf("failed to create attachment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	att.ID = id
	return nil
}

// ListByRequisition returns the attachments of a requisition in upload order
func (r *AttachmentRepository) ListByRequisition(ctx context.Context, requisitionID int64) ([]*entity.Attachment, error) {
	atts, err := listAttachments(ctx, sqlite.Executor(ctx, r.db), requisitionID)
	if err != nil {
		r.logger.Error("Failed to list attachments", zap.Int64("requisition_id", requisitionID), zap.Error(err))
	}
	return atts, err
}

func listAttachments(ctx context.Context, exec sqlite.Queryer, requisitionID int64) ([]*entity.Attachment, error) {
	query := `
		SELECT id, requisition_id, file_name, content_type, file_size, stored_ref, uploaded_by, uploaded_at
		FROM attachments
		WHERE requisition_id = ?
		ORDER BY id
	`
	rows, err := exec.QueryContext(ctx, query, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var atts []*entity.Attachment
	for rows.Next() {
		var att entity.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.RequisitionID,
			&att.FileName,
			&att.ContentType,
			&att.FileSize,
			&att.StoredRef,
			&att.UploadedBy,
			&att.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		atts = append(atts, &att)
	}
	return atts, rows.Err()
}

// Verify interface compliance
var _ port.AttachmentRepository = (*AttachmentRepository)(nil)
