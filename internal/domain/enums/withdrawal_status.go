package enums

import (
	"fmt"
	"strings"
)

// WithdrawalStatus is the lifecycle of a withdrawal request. The reserved
// amount is returned to the account balance exactly when a request enters
// Rejected from any other status; leaving Rejected never re-reserves it.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalFailed   WithdrawalStatus = "failed"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	status := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case WithdrawalPending, WithdrawalPaid, WithdrawalFailed, WithdrawalRejected:
		return status, nil
	default:
		return "", fmt.Errorf("unknown withdrawal status %q", raw)
	}
}

func (s WithdrawalStatus) String() string {
	return string(s)
}
