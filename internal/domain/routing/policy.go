// Package routing decides who must act next on a requisition.
//
// Resolution is a pure function of the requisition's department, its total
// estimated cost and its current level. It performs no I/O, which keeps it
// safe to call while a per-requisition lock is held.
package routing

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Tier maps a cost floor to the highest approval level it requires
type Tier struct {
	MinCost  decimal.Decimal
	MaxLevel int
}

// DepartmentPolicy is the approval chain for one department
type DepartmentPolicy struct {
	Name      string
	Code      string
	Approvers map[int]string
	Tiers     []Tier
}

// Policy is the full routing configuration
type Policy struct {
	AdminThreshold decimal.Decimal
	Departments    map[string]*DepartmentPolicy
	Default        *DepartmentPolicy
}

// NewPolicy indexes department policies by case-folded name and sorts tiers.
// Department names are matched case-insensitively because configuration
// keys are.
func NewPolicy(adminThreshold decimal.Decimal, departments []*DepartmentPolicy, def *DepartmentPolicy) *Policy {
	p := &Policy{
		AdminThreshold: adminThreshold,
		Departments:    make(map[string]*DepartmentPolicy, len(departments)),
		Default:        def,
	}
	for _, d := range departments {
		sortTiers(d)
		p.Departments[normalize(d.Name)] = d
	}
	if def != nil {
		sortTiers(def)
	}
	return p
}

// Lookup returns the policy that governs a department, falling back to the
// default policy
func (p *Policy) Lookup(department string) (*DepartmentPolicy, bool) {
	if d, ok := p.Departments[normalize(department)]; ok {
		return d, true
	}
	if p.Default != nil {
		return p.Default, true
	}
	return nil, false
}

// MaxLevel returns the highest level required for a requisition of the given
// total
func (d *DepartmentPolicy) MaxLevel(total decimal.Decimal) int {
	if len(d.Tiers) == 0 {
		return 1
	}
	level := d.Tiers[0].MaxLevel
	for _, tier := range d.Tiers {
		if total.LessThan(tier.MinCost) {
			break
		}
		level = tier.MaxLevel
	}
	return level
}

// Validate rejects policies that can never route anything
func (p *Policy) Validate() error {
	all := make([]*DepartmentPolicy, 0, len(p.Departments)+1)
	for _, d := range p.Departments {
		all = append(all, d)
	}
	if p.Default != nil {
		all = append(all, p.Default)
	}

	for _, d := range all {
		for i, tier := range d.Tiers {
			if tier.MaxLevel < 1 {
				return fmt.Errorf("routing: department %q tier %d: max_level must be >= 1", d.Name, i)
			}
			if tier.MinCost.IsNegative() {
				return fmt.Errorf("routing: department %q tier %d: min_cost must not be negative", d.Name, i)
			}
		}
		for level, approver := range d.Approvers {
			if level < 1 {
				return fmt.Errorf("routing: department %q: approver level %d must be >= 1", d.Name, level)
			}
			// A level-less retry by the same approver would otherwise
			// commit as the next level's decision.
			if approver != "" && d.Approvers[level+1] == approver {
				return fmt.Errorf("routing: department %q: %s approves both level %d and level %d", d.Name, approver, level, level+1)
			}
		}
	}
	return nil
}

// Gaps lists every (department, level) a tier can require but no approver
// covers. Gaps are legal configuration; they surface at runtime as routing
// errors.
func (p *Policy) Gaps() []string {
	var gaps []string
	names := make([]string, 0, len(p.Departments))
	for name := range p.Departments {
		names = append(names, name)
	}
	sort.Strings(names)

	check := func(d *DepartmentPolicy) {
		highest := 1
		for _, tier := range d.Tiers {
			if tier.MaxLevel > highest {
				highest = tier.MaxLevel
			}
		}
		for level := 1; level <= highest; level++ {
			if d.Approvers[level] == "" {
				gaps = append(gaps, fmt.Sprintf("%s/L%d", d.Name, level))
			}
		}
	}
	for _, name := range names {
		check(p.Departments[name])
	}
	if p.Default != nil {
		check(p.Default)
	}
	return gaps
}

// DepartmentCode returns the code used in requisition numbers
func (p *Policy) DepartmentCode(department string) string {
	if d, ok := p.Departments[normalize(department)]; ok && d.Code != "" {
		return strings.ToUpper(d.Code)
	}
	return deriveCode(department)
}

func deriveCode(department string) string {
	var b strings.Builder
	for _, r := range department {
		if b.Len() == 4 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "GEN"
	}
	return b.String()
}

func sortTiers(d *DepartmentPolicy) {
	sort.SliceStable(d.Tiers, func(i, j int) bool {
		return d.Tiers[i].MinCost.LessThan(d.Tiers[j].MinCost)
	})
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
