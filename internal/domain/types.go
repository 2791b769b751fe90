package domain

import (
	"errors"
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

type SendStatus string

const (
	SendSent      SendStatus = "SENT"
	SendDelivered SendStatus = "DELIVERED"
	SendRead      SendStatus = "READ"
	SendFailed    SendStatus = "FAILED"
)

type IdempotencyStatus string

const (
	IdemPending   IdempotencyStatus = "PENDING"
	IdemCompleted IdempotencyStatus = "COMPLETED"
	IdemFailed    IdempotencyStatus = "FAILED"
)

// Lead is one recipient of a mass send. ContactID is the WhatsApp number
// the provider addresses; Variables fill the template placeholders.
type Lead struct {
	LeadID    string            `json:"leadId"`
	Name      string            `json:"name,omitempty"`
	ContactID string            `json:"contactId"`
	Variables map[string]string `json:"variables"`
}

type SendMassRequest struct {
	UserID         string `json:"userId"`
	TemplateID     string `json:"templateId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Leads          []Lead `json:"leads"`
}

func (r SendMassRequest) Validate() error {
	if r.UserID == "" || r.TemplateID == "" {
		return ErrMissingFields
	}
	if len(r.Leads) == 0 {
		return ErrNoLeads
	}
	for _, l := range r.Leads {
		if l.ContactID == "" {
			return ErrMissingFields
		}
	}
	return nil
}

type SendMassResponse struct {
	BatchID       string `json:"batchId"`
	Status        string `json:"status"`
	TotalMessages int    `json:"totalMessages"`
}

type BatchStatusResponse struct {
	BatchID            string     `json:"batchId"`
	Status             string     `json:"status"`
	TotalMessages      int        `json:"totalMessages"`
	SuccessfulMessages int        `json:"successfulMessages"`
	FailedMessages     int        `json:"failedMessages"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

type LimitsResponse struct {
	Limit          int `json:"limit"`
	SentToday      int `json:"sentToday"`
	Remaining      int `json:"remaining"`
	ResetInSeconds int `json:"resetInSeconds"`
}

type ValidateNumbersRequest struct {
	Numbers []string `json:"numbers"`
}

type ValidateNumberResult struct {
	Number  string `json:"number"`
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

type ValidateNumbersResponse struct {
	Results []ValidateNumberResult `json:"results"`
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrNoLeads       = errors.New("no leads to send")
	ErrUnauthorized  = errors.New("caller does not own this resource")
	ErrNotFound      = errors.New("not found")

	ErrTemplateNotApproved = errors.New("template is not approved for sending")
	// ErrRequestInFlight means the same idempotency key is being processed
	// right now and no batch id is visible yet.
	ErrRequestInFlight = errors.New("identical request already in flight")
)

// QuotaExceededError carries the structured detail the API returns as 429.
type QuotaExceededError struct {
	Requested int `json:"-"`
	Limit     int `json:"limit"`
	SentToday int `json:"sentToday"`
	Remaining int `json:"remaining"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily limit exceeded: requested %d, remaining %d", e.Requested, e.Remaining)
}
