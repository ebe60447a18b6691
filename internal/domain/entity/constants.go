package entity

// Status constants for Requisition
const (
	StatusDraft    = "DRAFT"
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
	StatusReturned = "RETURNED"
)

// Action constants for AuditEntry
const (
	ActionSubmitted     = "SUBMITTED"
	ActionApproved      = "APPROVED"
	ActionRejected      = "REJECTED"
	ActionReturned      = "RETURNED"
	ActionAdminApproved = "ADMIN_APPROVED"
)

// Role constants supplied by the identity provider
const (
	RoleRequester = "requester"
	RoleApprover  = "approver"
	RoleAdmin     = "admin"
)

// ValidStatuses lists every requisition status
var ValidStatuses = []string{
	StatusDraft,
	StatusPending,
	StatusApproved,
	StatusRejected,
	StatusReturned,
}

// IsValidStatus reports whether s is a known requisition status
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}
