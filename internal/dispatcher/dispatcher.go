// Package dispatcher fans a queued batch out to the provider, one send log
// row per recipient. It is built to be re-run: recipients that already have
// a log row are skipped, so an at-least-once queue delivery or a crash mid
// batch resumes instead of double-sending.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wasend/internal/analytics"
	"wasend/internal/domain"
	"wasend/internal/observability"
	"wasend/internal/providers/botmaker"
	sqsqueue "wasend/internal/queue/sqs"
	"wasend/internal/store"
)

type Store interface {
	GetBatch(ctx context.Context, id string) (store.Batch, bool, error)
	AttemptedLeadIDs(ctx context.Context, batchID string) (map[string]bool, error)
	InsertSendLog(ctx context.Context, in store.SendLogInsert) error
	CountBatchOutcomes(ctx context.Context, batchID string) (successful, failed int, err error)
	CompleteBatch(ctx context.Context, in store.BatchCompletion) error
	MarkIdempotencyCompleted(ctx context.Context, userID, key, batchID string) error
}

type Sender interface {
	SendTemplate(ctx context.Context, req botmaker.SendRequest) (botmaker.SendResponse, int, []byte, error)
}

type Processor struct {
	Store     Store
	Sender    Sender
	Analytics analytics.Aggregator
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker

	Concurrency int
	CallTimeout time.Duration

	LogIDGen func() string
	Now      func() time.Time
}

// errProviderDown aborts the remaining batch so the queue redelivers it once
// the breaker closes again; recipients already attempted stay attempted.
var errProviderDown = errors.New("provider circuit open, batch will be retried")

// maxSendAttempts bounds per-recipient retries of transient provider errors
// (429, 408, 5xx, timeouts). Hard rejections fail on the first attempt.
const maxSendAttempts = 3

func (p *Processor) Process(ctx context.Context, job sqsqueue.DispatchJob) error {
	batch, found, err := p.Store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return err
	}
	if !found {
		slog.Error("dispatch job for unknown batch, dropping", "batch_id", job.BatchID)
		return nil
	}
	if batch.Status != string(domain.BatchPending) {
		// duplicate queue delivery of a finished batch
		return nil
	}

	attempted, err := p.Store.AttemptedLeadIDs(ctx, job.BatchID)
	if err != nil {
		return err
	}

	var pending []domain.Lead
	for _, lead := range job.Leads {
		if lead.LeadID != "" && attempted[lead.LeadID] {
			continue
		}
		pending = append(pending, lead)
	}

	if err := p.fanOut(ctx, job, pending); err != nil {
		return err
	}

	successful, failed, err := p.Store.CountBatchOutcomes(ctx, job.BatchID)
	if err != nil {
		return err
	}

	// any-success policy: a batch only counts as FAILED when nothing went out
	status := string(domain.BatchCompleted)
	if successful == 0 {
		status = string(domain.BatchFailed)
	}
	now := p.now()
	if err := p.Store.CompleteBatch(ctx, store.BatchCompletion{
		BatchID:    job.BatchID,
		Successful: successful,
		Failed:     failed,
		Status:     status,
		Now:        now,
	}); err != nil {
		return err
	}
	observability.BatchesCompleted.WithLabelValues(status).Inc()

	if job.IdempotencyKey != "" {
		if err := p.Store.MarkIdempotencyCompleted(ctx, job.UserID, job.IdempotencyKey, job.BatchID); err != nil {
			return err
		}
	}

	slog.Info("batch dispatched",
		"batch_id", job.BatchID,
		"successful", successful,
		"failed", failed,
		"status", status,
	)
	return nil
}

// fanOut runs the per-recipient sends on a bounded worker pool. Each
// recipient's outcome is recorded independently; only a provider outage
// (open breaker) stops the loop.
func (p *Processor) fanOut(ctx context.Context, job sqsqueue.DispatchJob, leads []domain.Lead) error {
	workers := p.Concurrency
	if workers <= 0 {
		workers = 1
	}

	var (
		wg       sync.WaitGroup
		abortMu  sync.Mutex
		abortErr error
	)
	work := make(chan domain.Lead)

	abort := func(err error) {
		abortMu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		abortMu.Unlock()
	}
	aborted := func() bool {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortErr != nil
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for lead := range work {
				if aborted() {
					continue
				}
				if err := p.sendOne(ctx, job, lead); err != nil {
					abort(err)
				}
			}
		}()
	}

	for _, lead := range leads {
		work <- lead
	}
	close(work)
	wg.Wait()

	abortMu.Lock()
	defer abortMu.Unlock()
	return abortErr
}

// sendOne performs one provider call and writes exactly one send log row.
// Provider and persistence failures are both contained to this recipient; a
// non-nil return means the whole batch should stop and be redelivered.
func (p *Processor) sendOne(ctx context.Context, job sqsqueue.DispatchJob, lead domain.Lead) error {
	content, _ := json.Marshal(lead.Variables)

	start := time.Now()
	var (
		resp       botmaker.SendResponse
		httpStatus int
		err        error
	)
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(botmaker.Backoff(attempt - 1)):
			}
		}
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		resp, httpStatus, _, err = p.sendWithBreaker(ctx, job, lead)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderSend.WithLabelValues("cb_open", "0").Inc()
			return errProviderDown
		}
		if err == nil || !botmaker.ShouldRetry(err, httpStatus) {
			break
		}
		slog.Warn("provider send retry",
			"batch_id", job.BatchID,
			"lead_id", lead.LeadID,
			"attempt", attempt+1,
			"http_status", httpStatus,
			"err", err,
		)
	}

	entry := store.SendLogInsert{
		ID:              p.LogIDGen(),
		BatchID:         job.BatchID,
		UserID:          job.UserID,
		LeadID:          lead.LeadID,
		RecipientNumber: lead.ContactID,
		RecipientName:   lead.Name,
		TemplateID:      job.TemplateID,
		MessageContent:  string(content),
		Now:             p.now(),
	}

	if err != nil {
		observability.ProviderSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		entry.Status = string(domain.SendFailed)
		entry.FailureReason = err.Error()
	} else {
		observability.ProviderSend.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
		observability.ProviderLatency.Observe(time.Since(start).Seconds())
		entry.Status = string(domain.SendSent)
		entry.ProviderMessageID = resp.MessageID
		if p.Analytics != nil {
			if aerr := p.Analytics.IncrementCampaignCounter(ctx, job.BatchID, job.UserID, job.TemplateID, analytics.FieldTotalSent); aerr != nil {
				slog.Warn("campaign sent counter failed", "err", aerr, "batch_id", job.BatchID)
			}
		}
	}

	if err := p.Store.InsertSendLog(ctx, entry); err != nil {
		// isolate persistence failures the same way as provider failures:
		// log, count nothing for this recipient, move on
		slog.Error("send log write failed",
			"err", err,
			"batch_id", job.BatchID,
			"lead_id", lead.LeadID,
			"status", entry.Status,
		)
	}
	return nil
}

func (p *Processor) sendWithBreaker(ctx context.Context, job sqsqueue.DispatchJob, lead domain.Lead) (botmaker.SendResponse, int, []byte, error) {
	call := func() (any, error) {
		timeout := p.CallTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, raw, callErr := p.Sender.SendTemplate(reqCtx, botmaker.SendRequest{
			ChannelID:    job.ChannelID,
			TemplateName: job.TemplateName,
			Contacts: []botmaker.Contact{{
				ContactID: lead.ContactID,
				Variables: lead.Variables,
			}},
		})
		if callErr != nil {
			return nil, providerCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	var (
		res any
		err error
	)
	if p.Breaker == nil {
		res, err = call()
	} else {
		res, err = p.Breaker.Execute(call)
	}
	if err != nil {
		var pce providerCallError
		if errors.As(err, &pce) {
			return botmaker.SendResponse{}, pce.httpStatus, pce.raw, pce
		}
		return botmaker.SendResponse{}, 0, nil, err
	}
	r := res.(sendResult)
	return r.resp, r.httpStatus, r.raw, nil
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

type sendResult struct {
	resp       botmaker.SendResponse
	httpStatus int
	raw        []byte
}

type providerCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e providerCallError) Error() string { return e.err.Error() }
func (e providerCallError) Unwrap() error { return e.err }
