package service

import "github.com/garyjia/requisition-portal/internal/domain/entity"

// ActionError is a rejected operation together with the requisition's
// authoritative state at the time of rejection
type ActionError struct {
	Err     error
	Current *entity.Requisition
}

func (e *ActionError) Error() string {
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
