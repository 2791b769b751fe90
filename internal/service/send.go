package service

import (
	"context"
	"fmt"
	"time"

	"wasend/internal/directory"
	"wasend/internal/domain"
	"wasend/internal/observability"
	sqsqueue "wasend/internal/queue/sqs"
	"wasend/internal/store"
)

type Store interface {
	GetIdempotency(ctx context.Context, userID, key string, now time.Time) (store.IdempotencyRecord, bool, error)
	CreatePendingIdempotency(ctx context.Context, id, userID, key string, messagesCount int, now, expiresAt time.Time) (bool, error)
	AttachIdempotencyBatch(ctx context.Context, userID, key, batchID string) error
	MarkIdempotencyFailed(ctx context.Context, userID, key string) error

	ReserveQuota(ctx context.Context, userID string, day time.Time, n, limit int) (bool, int, error)
	ReleaseQuota(ctx context.Context, userID string, day time.Time, n int) error
	SentToday(ctx context.Context, userID string, day time.Time) (int, error)

	CreateBatch(ctx context.Context, id, userID, templateID string, total int, now time.Time) error
	CompleteBatch(ctx context.Context, in store.BatchCompletion) error
	GetBatch(ctx context.Context, id string) (store.Batch, bool, error)
	ListSendLogsByUser(ctx context.Context, userID string, limit, offset int) ([]store.SendLog, int, error)
}

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob) error
}

type SendService struct {
	Store     Store
	Queue     Queue
	Users     directory.UserDirectory
	Templates directory.TemplateCatalog

	DefaultDailyLimit int
	IdempotencyTTL    time.Duration

	BatchIDGen func() string
	IdemIDGen  func() string
}

// SubmitMassSend gates a mass-send request through the quota ledger and the
// idempotency store, registers the batch and hands it to the dispatch queue.
// created is false when an earlier submission with the same idempotency key
// already owns the batch.
func (s *SendService) SubmitMassSend(ctx context.Context, req domain.SendMassRequest, now time.Time) (resp domain.SendMassResponse, created bool, err error) {
	tpl, found, err := s.Templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return domain.SendMassResponse{}, false, fmt.Errorf("template lookup: %w", err)
	}
	if !found {
		return domain.SendMassResponse{}, false, fmt.Errorf("template %s: %w", req.TemplateID, domain.ErrNotFound)
	}
	if !tpl.IsApproved {
		return domain.SendMassResponse{}, false, domain.ErrTemplateNotApproved
	}

	// A COMPLETED or batch-carrying record under the same key means this
	// request already happened; answer with the original batch and touch
	// neither quota nor registry.
	if req.IdempotencyKey != "" {
		rec, found, err := s.Store.GetIdempotency(ctx, req.UserID, req.IdempotencyKey, now)
		if err != nil {
			return domain.SendMassResponse{}, false, err
		}
		if found && rec.Status != string(domain.IdemFailed) {
			return s.replayExisting(ctx, rec)
		}
	}

	user, found, err := s.Users.GetUser(ctx, req.UserID)
	if err != nil {
		return domain.SendMassResponse{}, false, fmt.Errorf("user lookup: %w", err)
	}
	if !found {
		return domain.SendMassResponse{}, false, fmt.Errorf("user %s: %w", req.UserID, domain.ErrNotFound)
	}
	limit := s.DefaultDailyLimit
	if user.DailyWhatsAppLimit != nil {
		limit = *user.DailyWhatsAppLimit
	}

	requested := len(req.Leads)
	allowed, sentToday, err := s.Store.ReserveQuota(ctx, req.UserID, now, requested, limit)
	if err != nil {
		return domain.SendMassResponse{}, false, err
	}
	if !allowed {
		observability.QuotaRejections.Inc()
		remaining := limit - sentToday
		if remaining < 0 {
			remaining = 0
		}
		return domain.SendMassResponse{}, false, &domain.QuotaExceededError{
			Requested: requested,
			Limit:     limit,
			SentToday: sentToday,
			Remaining: remaining,
		}
	}

	release := func() {
		_ = s.Store.ReleaseQuota(ctx, req.UserID, now, requested)
	}

	if req.IdempotencyKey != "" {
		claimed, err := s.Store.CreatePendingIdempotency(ctx, s.IdemIDGen(), req.UserID,
			req.IdempotencyKey, requested, now, now.Add(s.IdempotencyTTL))
		if err != nil {
			release()
			return domain.SendMassResponse{}, false, err
		}
		if !claimed {
			// a concurrent submission with the same key won the claim between
			// our read and this write; give the reservation back and answer
			// from the winner's record
			release()
			rec, found, err := s.Store.GetIdempotency(ctx, req.UserID, req.IdempotencyKey, now)
			if err != nil {
				return domain.SendMassResponse{}, false, err
			}
			if !found || rec.Status == string(domain.IdemFailed) {
				return domain.SendMassResponse{}, false, domain.ErrRequestInFlight
			}
			return s.replayExisting(ctx, rec)
		}
	}

	batchID := s.BatchIDGen()
	if err := s.Store.CreateBatch(ctx, batchID, req.UserID, req.TemplateID, requested, now); err != nil {
		release()
		return domain.SendMassResponse{}, false, err
	}
	if req.IdempotencyKey != "" {
		if err := s.Store.AttachIdempotencyBatch(ctx, req.UserID, req.IdempotencyKey, batchID); err != nil {
			release()
			return domain.SendMassResponse{}, false, err
		}
	}

	job := sqsqueue.DispatchJob{
		BatchID:        batchID,
		UserID:         req.UserID,
		TemplateID:     req.TemplateID,
		TemplateName:   tpl.ProviderTemplateID,
		ChannelID:      tpl.ChannelID,
		IdempotencyKey: req.IdempotencyKey,
		Leads:          req.Leads,
	}
	if err := s.Queue.EnqueueDispatch(ctx, job); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		release()
		_ = s.Store.CompleteBatch(ctx, store.BatchCompletion{
			BatchID: batchID, Status: string(domain.BatchFailed), Now: now,
		})
		if req.IdempotencyKey != "" {
			_ = s.Store.MarkIdempotencyFailed(ctx, req.UserID, req.IdempotencyKey)
		}
		return domain.SendMassResponse{}, false, err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()

	return domain.SendMassResponse{
		BatchID:       batchID,
		Status:        string(domain.BatchPending),
		TotalMessages: requested,
	}, true, nil
}

// replayExisting answers a duplicate submission from the record the original
// left behind: the original batch when it is visible, 409 while the original
// is still between key claim and batch creation.
func (s *SendService) replayExisting(ctx context.Context, rec store.IdempotencyRecord) (domain.SendMassResponse, bool, error) {
	if rec.BatchID == "" {
		return domain.SendMassResponse{}, false, domain.ErrRequestInFlight
	}
	status := string(domain.BatchPending)
	if b, ok, err := s.Store.GetBatch(ctx, rec.BatchID); err == nil && ok {
		status = b.Status
	}
	return domain.SendMassResponse{
		BatchID:       rec.BatchID,
		Status:        status,
		TotalMessages: rec.MessagesCount,
	}, false, nil
}

func (s *SendService) GetBatchStatus(ctx context.Context, batchID string) (domain.BatchStatusResponse, error) {
	b, found, err := s.Store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.BatchStatusResponse{}, err
	}
	if !found {
		return domain.BatchStatusResponse{}, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}
	return domain.BatchStatusResponse{
		BatchID:            b.ID,
		Status:             b.Status,
		TotalMessages:      b.TotalMessages,
		SuccessfulMessages: b.SuccessfulMessages,
		FailedMessages:     b.FailedMessages,
		CreatedAt:          b.CreatedAt,
		CompletedAt:        b.CompletedAt,
	}, nil
}

func (s *SendService) ListSendLogs(ctx context.Context, userID string, limit, offset int) ([]store.SendLog, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Store.ListSendLogsByUser(ctx, userID, limit, offset)
}

func (s *SendService) GetLimits(ctx context.Context, userID string, now time.Time) (domain.LimitsResponse, error) {
	user, found, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		return domain.LimitsResponse{}, err
	}
	if !found {
		return domain.LimitsResponse{}, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	limit := s.DefaultDailyLimit
	if user.DailyWhatsAppLimit != nil {
		limit = *user.DailyWhatsAppLimit
	}

	sentToday, err := s.Store.SentToday(ctx, userID, now)
	if err != nil {
		return domain.LimitsResponse{}, err
	}
	remaining := limit - sentToday
	if remaining < 0 {
		remaining = 0
	}

	return domain.LimitsResponse{
		Limit:          limit,
		SentToday:      sentToday,
		Remaining:      remaining,
		ResetInSeconds: SecondsToUTCMidnight(now),
	}, nil
}

// SecondsToUTCMidnight is the countdown the limits endpoint reports; the
// quota day rolls over at 00:00 UTC.
func SecondsToUTCMidnight(now time.Time) int {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return int(next.Sub(now).Seconds())
}
