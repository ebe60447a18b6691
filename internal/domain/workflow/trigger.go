package workflow

// Trigger represents an actor action that can cause a state transition
type Trigger string

const (
	TriggerSubmit       Trigger = "SUBMIT"
	TriggerApprove      Trigger = "APPROVE"
	TriggerReject       Trigger = "REJECT"
	TriggerReturn       Trigger = "RETURN"
	TriggerAdminApprove Trigger = "ADMIN_APPROVE"
)

var validTriggers = map[Trigger]bool{
	TriggerSubmit:       true,
	TriggerApprove:      true,
	TriggerReject:       true,
	TriggerReturn:       true,
	TriggerAdminApprove: true,
}

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}

// IsValid returns true if the trigger is a known action
func (t Trigger) IsValid() bool {
	return validTriggers[t]
}

// ParseTrigger maps an API action name ("approve", "adminApprove", ...)
// onto a trigger.
func ParseTrigger(action string) (Trigger, bool) {
	switch action {
	case "submit", "SUBMIT":
		return TriggerSubmit, true
	case "approve", "APPROVE":
		return TriggerApprove, true
	case "reject", "REJECT":
		return TriggerReject, true
	case "return", "RETURN":
		return TriggerReturn, true
	case "adminApprove", "admin_approve", "ADMIN_APPROVE":
		return TriggerAdminApprove, true
	default:
		return "", false
	}
}
