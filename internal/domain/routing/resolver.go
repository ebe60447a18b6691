package routing

import (
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	"github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// Decision is the outcome of resolving the next approval step
type Decision struct {
	Complete       bool
	NextLevel      int
	NextApproverID string
	MaxLevel       int
}

// Resolver resolves approval routing against a fixed policy
type Resolver struct {
	policy *Policy
}

// NewResolver creates a resolver over policy
func NewResolver(policy *Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Resolve returns the approver for currentLevel+1, or Complete when
// currentLevel already satisfies the requisition's maximum level. A level
// with no configured approver yields *workflow.RoutingGapError; levels are
// never skipped.
func (r *Resolver) Resolve(req *entity.Requisition, currentLevel int) (Decision, error) {
	dept, ok := r.policy.Lookup(req.Department)
	if !ok {
		return Decision{}, &workflow.RoutingGapError{Department: req.Department}
	}

	maxLevel := dept.MaxLevel(req.TotalEstimatedCost)
	next := currentLevel + 1
	if next > maxLevel {
		return Decision{Complete: true, NextLevel: currentLevel, MaxLevel: maxLevel}, nil
	}

	approver := dept.Approvers[next]
	if approver == "" {
		return Decision{}, &workflow.RoutingGapError{Department: req.Department, Level: next}
	}

	return Decision{
		NextLevel:      next,
		NextApproverID: approver,
		MaxLevel:       maxLevel,
	}, nil
}

// DepartmentCode returns the department code used in requisition numbers
func (r *Resolver) DepartmentCode(department string) string {
	return r.policy.DepartmentCode(department)
}
