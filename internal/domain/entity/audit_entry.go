package entity

import "time"

// AuditEntry is one immutable record in a requisition's ledger.
// FromStatus/ToStatus/ToLevel/AssignedApproverID capture the outcome of the
// transition so that replaying the ledger does not depend on the routing
// policy in force at replay time.
type AuditEntry struct {
	ID                 int64     `json:"id"`
	RequisitionID      int64     `json:"requisition_id"`
	Seq                int       `json:"seq"`
	ActorID            string    `json:"actor_id"`
	ActorRole          string    `json:"actor_role"`
	Action             string    `json:"action"`
	Level              int       `json:"level"`
	Comment            string    `json:"comment,omitempty"`
	FromStatus         string    `json:"from_status"`
	ToStatus           string    `json:"to_status"`
	ToLevel            int       `json:"to_level"`
	AssignedApproverID *string   `json:"assigned_approver_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Actor is the trusted identity of the caller, supplied by the upstream
// identity provider.
type Actor struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
