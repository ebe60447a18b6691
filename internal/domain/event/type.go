package event

// Type identifies the type of domain event
type Type string

const (
	TypeRequisitionSubmitted     Type = "requisition.submitted"
	TypeRequisitionAdvanced      Type = "requisition.advanced"
	TypeRequisitionApproved      Type = "requisition.approved"
	TypeRequisitionRejected      Type = "requisition.rejected"
	TypeRequisitionReturned      Type = "requisition.returned"
	TypeRequisitionAdminApproved Type = "requisition.admin_approved"
	TypeRoutingGap               Type = "requisition.routing_gap"
	TypeProjectionHealed         Type = "requisition.projection_healed"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeRequisitionSubmitted,
		TypeRequisitionAdvanced,
		TypeRequisitionApproved,
		TypeRequisitionRejected,
		TypeRequisitionReturned,
		TypeRequisitionAdminApproved,
		TypeRoutingGap,
		TypeProjectionHealed:
		return true
	default:
		return false
	}
}

// IsTransition reports whether the event follows a committed workflow transition
func (t Type) IsTransition() bool {
	switch t {
	case TypeRoutingGap, TypeProjectionHealed:
		return false
	default:
		return t.IsValid()
	}
}
