package port

import (
	"context"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
)

// RequisitionFilter narrows a requisition listing.
// ParticipantID matches requisitions the identity requested, is assigned to,
// or has acted on. An empty RequesterID and ParticipantID list everything.
type RequisitionFilter struct {
	Status        string
	Department    string
	RequesterID   string
	ParticipantID string
	Limit         int
	Offset        int
}

// RequisitionRepository defines persistence operations for Requisition.
// GetByID returns workflow.ErrNotFound for unknown IDs.
type RequisitionRepository interface {
	Create(ctx context.Context, req *entity.Requisition) error
	GetByID(ctx context.Context, id int64) (*entity.Requisition, error)

	// UpdateDraft rewrites descriptive fields and replaces line items.
	// Fails with workflow.ErrConcurrencyConflict if req.Version is stale.
	UpdateDraft(ctx context.Context, req *entity.Requisition) error

	// UpdateProjection writes the workflow projection, number and lifecycle
	// timestamps when the stored version equals expectedVersion, and bumps
	// the version. Fails with workflow.ErrConcurrencyConflict otherwise.
	UpdateProjection(ctx context.Context, req *entity.Requisition, expectedVersion int64) error

	// SetNeedsAttention flags or clears a requisition for operator review
	SetNeedsAttention(ctx context.Context, id int64, flag bool) error

	List(ctx context.Context, filter RequisitionFilter) ([]*entity.Requisition, error)

	// ListOpenIDs pages, in id order, through IDs above afterID of
	// non-terminal, submitted requisitions
	ListOpenIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// AuditLedger is the append-only history of workflow actions
type AuditLedger interface {
	// Append assigns ID, Seq and a timestamp later than the previous entry's
	Append(ctx context.Context, entry *entity.AuditEntry) (*entity.AuditEntry, error)

	// HistoryFor returns a requisition's entries oldest first
	HistoryFor(ctx context.Context, requisitionID int64) ([]*entity.AuditEntry, error)
}

// AttachmentRepository defines persistence operations for Attachment
type AttachmentRepository interface {
	Create(ctx context.Context, att *entity.Attachment) error
	ListByRequisition(ctx context.Context, requisitionID int64) ([]*entity.Attachment, error)
}

// SequenceRepository hands out requisition number sequences
type SequenceRepository interface {
	// Next returns the next value of the counter for (deptCode, period), starting at 1
	Next(ctx context.Context, deptCode, period string) (int, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
