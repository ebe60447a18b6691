package port

import (
	"context"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
)

// Locker serializes workflow transitions per requisition.
// Lock blocks until the lock is held or ctx ends; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, requisitionID int64) (unlock func(), err error)
}

// Notification is a fire-and-forget message about a committed transition
type Notification struct {
	RequisitionID int64
	Number        string
	Event         string
	ActorID       string
	Target        string
	Message       string
}

// NotificationSink delivers notifications to people
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// HistoryExporter renders a requisition's audit trail as a document
type HistoryExporter interface {
	ContentType() string
	Export(ctx context.Context, req *entity.Requisition, entries []*entity.AuditEntry) ([]byte, error)
}
