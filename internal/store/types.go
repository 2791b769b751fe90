package store

import "time"

type Batch struct {
	ID                 string
	UserID             string
	TemplateID         string
	TotalMessages      int
	SuccessfulMessages int
	FailedMessages     int
	Status             string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

type SendLog struct {
	ID                string     `json:"id"`
	BatchID           string     `json:"batchId,omitempty"`
	UserID            string     `json:"userId"`
	LeadID            string     `json:"leadId,omitempty"`
	RecipientNumber   string     `json:"recipientNumber"`
	RecipientName     string     `json:"recipientName,omitempty"`
	TemplateID        string     `json:"templateId"`
	MessageContent    string     `json:"messageContent,omitempty"`
	ProviderMessageID string     `json:"whatsAppMessageId,omitempty"`
	Status            string     `json:"status"`
	SentAt            time.Time  `json:"sentAt"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time `json:"readAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
}

type SendLogInsert struct {
	ID                string
	BatchID           string // empty for batch-less sends (click replies)
	UserID            string
	LeadID            string
	RecipientNumber   string
	RecipientName     string
	TemplateID        string
	MessageContent    string
	ProviderMessageID string
	Status            string
	FailureReason     string
	Now               time.Time
}

type BatchCompletion struct {
	BatchID    string
	Successful int
	Failed     int
	Status     string
	Now        time.Time
}

type IdempotencyRecord struct {
	ID            string
	UserID        string
	Key           string
	MessagesCount int
	BatchID       string
	Status        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type MessageEventInsert struct {
	ID                string
	SendLogID         string
	ProviderMessageID string
	EventType         string
	RawPayload        []byte
	Now               time.Time
}

type DeadLetterInsert struct {
	ID                string
	ProviderMessageID string
	Reason            string
	RawPayload        []byte
	Now               time.Time
}
