package enums

import "strings"

// SubscriptionStatus is the closed set of subscription states an account can be
// in. Processor-reported statuses outside this set are normalized onto it so
// access checks never compare free-form strings.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// NormalizeSubscriptionStatus maps a processor status string onto the closed
// set. Unknown statuses do not grant access.
func NormalizeSubscriptionStatus(raw string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "past_due", "unpaid", "incomplete":
		return SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionCanceled
	default:
		return SubscriptionPastDue
	}
}

func (s SubscriptionStatus) String() string {
	return string(s)
}
