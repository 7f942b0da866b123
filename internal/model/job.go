package model

// DispatchJob is the queue payload for one dispatch. It carries everything the
// worker needs so that no join is required to act on it.
type DispatchJob struct {
	DispatchID     string `json:"dispatchId"`
	CampaignID     string `json:"campaignId"`
	SenderID       string `json:"senderId"`
	RecipientEmail string `json:"recipientEmail"`
	RecipientName  string `json:"recipientName,omitempty"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey"`
}
