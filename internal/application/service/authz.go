package service

import (
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Permission names an operation a role may perform
type Permission string

const (
	PermCreate       Permission = "create"
	PermEdit         Permission = "edit"
	PermSubmit       Permission = "submit"
	PermAttach       Permission = "attach"
	PermApprove      Permission = "approve"
	PermReject       Permission = "reject"
	PermReturn       Permission = "return"
	PermAdminApprove Permission = "adminApprove"
)

// View names a slice of requisitions a role may read
type View string

const (
	ViewOwn      View = "own"
	ViewAssigned View = "assigned"
	ViewAll      View = "all"
)

// RolePolicy is one row of the role dispatch table
type RolePolicy struct {
	Actions map[Permission]bool
	Views   map[View]bool
}

var requesterActions = []Permission{PermCreate, PermEdit, PermSubmit, PermAttach}

var roleTable = map[string]RolePolicy{
	entity.RoleRequester: newRolePolicy(requesterActions, []View{ViewOwn}),
	entity.RoleApprover: newRolePolicy(
		append(append([]Permission{}, requesterActions...), PermApprove, PermReject, PermReturn),
		[]View{ViewOwn, ViewAssigned},
	),
	entity.RoleAdmin: newRolePolicy(
		append(append([]Permission{}, requesterActions...), PermApprove, PermReject, PermReturn, PermAdminApprove),
		[]View{ViewOwn, ViewAssigned, ViewAll},
	),
}

func newRolePolicy(actions []Permission, views []View) RolePolicy {
	p := RolePolicy{Actions: map[Permission]bool{}, Views: map[View]bool{}}
	for _, a := range actions {
		p.Actions[a] = true
	}
	for _, v := range views {
		p.Views[v] = true
	}
	return p
}

// PolicyFor resolves the dispatch table row for a role. Unknown roles get
// an empty policy.
func PolicyFor(role string) RolePolicy {
	return roleTable[role]
}

// Can reports whether the policy allows the action
func (p RolePolicy) Can(action Permission) bool {
	return p.Actions[action]
}

// CanView reports whether the policy exposes the requisition to actor.
// participated reports whether the actor appears in the requisition's ledger.
func (p RolePolicy) CanView(actor entity.Actor, req *entity.Requisition, participated bool) bool {
	switch {
	case p.Views[ViewAll]:
		return true
	case p.Views[ViewOwn] && req.RequesterID == actor.ID:
		return true
	case p.Views[ViewAssigned] && (req.IsCurrentApprover(actor.ID) || participated):
		return true
	default:
		return false
	}
}

// AllowedActions lists the permissions in a stable order
func (p RolePolicy) AllowedActions() []Permission {
	all := []Permission{PermCreate, PermEdit, PermSubmit, PermAttach, PermApprove, PermReject, PermReturn, PermAdminApprove}
	allowed := make([]Permission, 0, len(all))
	for _, a := range all {
		if p.Actions[a] {
			allowed = append(allowed, a)
		}
	}
	return allowed
}

func permissionFor(trigger domainwf.Trigger) Permission {
	switch trigger {
	case domainwf.TriggerSubmit:
		return PermSubmit
	case domainwf.TriggerApprove:
		return PermApprove
	case domainwf.TriggerReject:
		return PermReject
	case domainwf.TriggerReturn:
		return PermReturn
	case domainwf.TriggerAdminApprove:
		return PermAdminApprove
	default:
		return ""
	}
}
