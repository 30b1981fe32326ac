package dto

type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
}
