package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wasend/internal/domain"
)

// DispatchJob is one queued mass-send batch. The dispatcher re-reads batch
// state from the store, so the job only needs enough to fan out.
type DispatchJob struct {
	BatchID        string        `json:"batchId"`
	UserID         string        `json:"userId"`
	TemplateID     string        `json:"templateId"`
	TemplateName   string        `json:"templateName"`
	ChannelID      string        `json:"channelId"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Leads          []domain.Lead `json:"leads"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) EnqueueDispatch(ctx context.Context, job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

func str(s string) *string { return &s }
