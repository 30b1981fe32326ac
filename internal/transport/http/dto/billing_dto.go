package dto

type SubscriptionCheckoutRequest struct {
	PriceID    string `json:"price_id"`
	CouponCode string `json:"coupon_code"`
}

type CreditsCheckoutRequest struct {
	CreditAmount int `json:"credit_amount"`
}

type CheckoutResponse struct {
	URL string `json:"url"`
}

type PlanResponse struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Description       *string `json:"description,omitempty"`
	Price             string  `json:"price"`
	StripePriceID     string  `json:"stripe_price_id"`
	ChatModel         *string `json:"chat_model,omitempty"`
	MessageLimit      int     `json:"message_limit"`
	ImageLimit        int     `json:"image_limit"`
	FileLimit         int     `json:"file_limit"`
	WeeklyReminder    bool    `json:"weekly_reminder"`
	TreatmentPlan     bool    `json:"treatment_plan"`
	CommissionPercent int     `json:"commission_percent"`
}

type PlanUpsertRequest struct {
	Name              string  `json:"name"`
	Description       *string `json:"description"`
	Price             string  `json:"price"`
	StripePriceID     string  `json:"stripe_price_id"`
	ChatModel         *string `json:"chat_model"`
	MessageLimit      int     `json:"message_limit"`
	ImageLimit        int     `json:"image_limit"`
	FileLimit         int     `json:"file_limit"`
	WeeklyReminder    bool    `json:"weekly_reminder"`
	TreatmentPlan     bool    `json:"treatment_plan"`
	CommissionPercent int     `json:"commission_percent"`
}
