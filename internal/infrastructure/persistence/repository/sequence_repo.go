package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/sqlite"
)

// SequenceRepository hands out requisition number sequences per department
// code and period
type SequenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSequenceRepository creates a new sequence repository
func NewSequenceRepository(db *sql.DB, logger *zap.Logger) *SequenceRepository {
	return &SequenceRepository{
		db:     db,
		logger: logger,
	}
}

// Next increments and returns the counter for deptCode and period, starting at 1
func (r *SequenceRepository) Next(ctx context.Context, deptCode, period string) (int, error) {
	query := `
		INSERT INTO requisition_sequences (dept_code, period, last_value)
		VALUES (?, ?, 1)
		ON CONFLICT (dept_code, period) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`

	var next int
	if err := sqlite.Executor(ctx, r.db).QueryRowContext(ctx, query, deptCode, period).Scan(&next); err != nil {
		r.logger.Error("Failed to allocate sequence",
			zap.String("dept_code", deptCode),
			zap.String("period", period),
			zap.Error(err))
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return next, nil
}

// Verify interface compliance
var _ port.SequenceRepository = (*SequenceRepository)(nil)
