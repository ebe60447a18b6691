package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Requisition is a purchase request moving through the approval workflow.
// Status, CurrentLevel and CurrentApproverID are a cached projection of the
// requisition's audit ledger.
type Requisition struct {
	ID                   int64           `json:"id"`
	Number               string          `json:"number,omitempty"`
	Title                string          `json:"title"`
	RequesterID          string          `json:"requester_id"`
	Department           string          `json:"department"`
	Location             string          `json:"location"`
	JustificationCode    string          `json:"justification_code"`
	JustificationDetails string          `json:"justification_details,omitempty"`
	LineItems            []*LineItem     `json:"line_items"`
	Attachments          []*Attachment   `json:"attachments,omitempty"`
	TotalEstimatedCost   decimal.Decimal `json:"total_estimated_cost"`
	Status               string          `json:"status"`
	CurrentLevel         int             `json:"current_level"`
	CurrentApproverID    *string         `json:"current_approver_id"`
	NeedsAttention       bool            `json:"needs_attention"`
	Version              int64           `json:"version"`
	SubmittedAt          *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// LineItem is a single requested good or service. Owned by one requisition
// and frozen once the requisition leaves Draft or Returned.
type LineItem struct {
	ID            int64           `json:"id"`
	RequisitionID int64           `json:"requisition_id"`
	Position      int             `json:"position"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit,omitempty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// Projection is the workflow-relevant slice of a requisition's state.
type Projection struct {
	Status            string
	Level             int
	CurrentApproverID *string
}

// Projection returns the cached workflow projection of the requisition.
func (r *Requisition) Projection() Projection {
	return Projection{
		Status:            r.Status,
		Level:             r.CurrentLevel,
		CurrentApproverID: r.CurrentApproverID,
	}
}

// ApplyProjection overwrites the cached workflow fields.
func (r *Requisition) ApplyProjection(p Projection) {
	r.Status = p.Status
	r.CurrentLevel = p.Level
	r.CurrentApproverID = p.CurrentApproverID
}

// Equal reports whether two projections describe the same workflow state.
func (p Projection) Equal(other Projection) bool {
	if p.Status != other.Status || p.Level != other.Level {
		return false
	}
	if p.CurrentApproverID == nil || other.CurrentApproverID == nil {
		return p.CurrentApproverID == nil && other.CurrentApproverID == nil
	}
	return *p.CurrentApproverID == *other.CurrentApproverID
}

// ComputeCost derives the item's estimated cost. Items without a unit cost
// keep the estimated cost they were given.
func (li *LineItem) ComputeCost() {
	if li.UnitCost.IsZero() {
		return
	}
	li.EstimatedCost = li.Quantity.Mul(li.UnitCost).Round(2)
}

// RecalculateTotal sets TotalEstimatedCost to the sum of the line items.
func (r *Requisition) RecalculateTotal() {
	total := decimal.Zero
	for i, item := range r.LineItems {
		item.Position = i + 1
		item.ComputeCost()
		total = total.Add(item.EstimatedCost)
	}
	r.TotalEstimatedCost = total
}

// IsEditable reports whether line items and descriptive fields may change.
func (r *Requisition) IsEditable() bool {
	return r.Status == StatusDraft || r.Status == StatusReturned
}

// IsTerminal reports whether the requisition reached a final state.
func (r *Requisition) IsTerminal() bool {
	return r.Status == StatusApproved || r.Status == StatusRejected
}

// IsCurrentApprover reports whether actorID is the assigned approver.
func (r *Requisition) IsCurrentApprover(actorID string) bool {
	return r.CurrentApproverID != nil && *r.CurrentApproverID == actorID
}

// ApproverOrEmpty returns the current approver or "" when none is assigned.
func (r *Requisition) ApproverOrEmpty() string {
	if r.CurrentApproverID == nil {
		return ""
	}
	return *r.CurrentApproverID
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
