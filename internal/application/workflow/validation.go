package workflow

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
)

// ValidateDraft checks what must hold for any saved requisition
func ValidateDraft(req *entity.Requisition) error {
	fields := map[string]string{}
	if strings.TrimSpace(req.Title) == "" {
		fields["title"] = "is required"
	}
	if strings.TrimSpace(req.Department) == "" {
		fields["department"] = "is required"
	}
	validateLineItems(req.LineItems, fields)
	return asValidationError(fields)
}

// ValidateForSubmit checks that a requisition is complete enough to enter
// approval
func ValidateForSubmit(req *entity.Requisition) error {
	fields := map[string]string{}
	required := map[string]string{
		"title":              req.Title,
		"department":         req.Department,
		"location":           req.Location,
		"justification_code": req.JustificationCode,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			fields[name] = "is required"
		}
	}

	if len(req.LineItems) == 0 {
		fields["line_items"] = "at least one line item is required"
	}
	validateLineItems(req.LineItems, fields)

	sum := decimal.Zero
	for _, item := range req.LineItems {
		sum = sum.Add(item.EstimatedCost)
	}
	if !sum.Equal(req.TotalEstimatedCost) {
		fields["total_estimated_cost"] = "does not match the sum of line items"
	} else if len(req.LineItems) > 0 && !sum.IsPositive() {
		fields["total_estimated_cost"] = "must be greater than zero"
	}

	return asValidationError(fields)
}

func validateLineItems(items []*entity.LineItem, fields map[string]string) {
	for i, item := range items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		if strings.TrimSpace(item.Description) == "" {
			fields[prefix+".description"] = "is required"
		}
		if !item.Quantity.IsPositive() {
			fields[prefix+".quantity"] = "must be greater than zero"
		}
		if item.UnitCost.IsNegative() {
			fields[prefix+".unit_cost"] = "must not be negative"
		}
		if item.EstimatedCost.IsNegative() {
			fields[prefix+".estimated_cost"] = "must not be negative"
		}
	}
}

func asValidationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &domainwf.ValidationError{Fields: fields}
}
