package dto

import "encoding/json"

type AffiliateDashboardResponse struct {
	AffiliateID     string `json:"affiliate_id"`
	ReferralBalance string `json:"referral_balance"`
	TotalReferrals  int64  `json:"total_referrals"`
	PaidReferrals   int64  `json:"paid_referrals"`
	PayoutsEnabled  bool   `json:"payouts_enabled"`
}

type ReferralResponse struct {
	Email        string `json:"email"`
	BonusApplied bool   `json:"bonus_applied"`
}

type WithdrawMethodRequest struct {
	MethodType string          `json:"method_type"`
	Details    json.RawMessage `json:"details"`
}

type WithdrawMethodResponse struct {
	ID         string          `json:"id"`
	MethodType string          `json:"method_type"`
	Details    json.RawMessage `json:"details"`
}

type WithdrawalRequest struct {
	Amount   string  `json:"amount"`
	MethodID *string `json:"method_id"`
}

type WithdrawalResponse struct {
	ID               string  `json:"id"`
	Amount           string  `json:"amount"`
	Status           string  `json:"status"`
	Reason           *string `json:"reason,omitempty"`
	RemainingBalance string  `json:"remaining_balance,omitempty"`
}

type WithdrawalListResponse struct {
	Items []WithdrawalResponse `json:"items"`
	Total int64                `json:"total"`
}

type OnboardingResponse struct {
	URL string `json:"url"`
}

type AdminWithdrawalUpdateRequest struct {
	Status string  `json:"status"`
	Reason *string `json:"reason"`
}
