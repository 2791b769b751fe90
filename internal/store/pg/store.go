package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wasend/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// ---- batches ----

func (s *Store) CreateBatch(ctx context.Context, id, userID, templateID string, total int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO whatsapp_batches (id, user_id, template_id, total_messages, status, created_at)
		VALUES ($1,$2,$3,$4,'PENDING',$5)
	`, id, userID, templateID, total, now)
	return err
}

func (s *Store) CompleteBatch(ctx context.Context, in store.BatchCompletion) error {
	var completedAt any
	if in.Status == "COMPLETED" || in.Status == "FAILED" {
		completedAt = in.Now
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_batches
		SET successful_messages=$2, failed_messages=$3, status=$4, completed_at=$5
		WHERE id=$1
	`, in.BatchID, in.Successful, in.Failed, in.Status, completedAt)
	return err
}

func (s *Store) GetBatch(ctx context.Context, id string) (store.Batch, bool, error) {
	var b store.Batch
	row := s.DB.QueryRow(ctx, `
		SELECT id, user_id, template_id, total_messages,
		       COALESCE(successful_messages,0), COALESCE(failed_messages,0),
		       status, created_at, completed_at
		FROM whatsapp_batches WHERE id=$1
	`, id)
	err := row.Scan(&b.ID, &b.UserID, &b.TemplateID, &b.TotalMessages,
		&b.SuccessfulMessages, &b.FailedMessages, &b.Status, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Batch{}, false, nil
		}
		return store.Batch{}, false, err
	}
	return b, true, nil
}

// ---- send logs ----

func (s *Store) InsertSendLog(ctx context.Context, in store.SendLogInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO whatsapp_send_logs
		(id, batch_id, user_id, lead_id, recipient_number, recipient_name, template_id,
		 message_content, provider_msg_id, status, sent_at, failure_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, in.ID, nullIfEmpty(in.BatchID), in.UserID, nullIfEmpty(in.LeadID),
		in.RecipientNumber, nullIfEmpty(in.RecipientName), in.TemplateID,
		nullIfEmpty(in.MessageContent), nullIfEmpty(in.ProviderMessageID),
		in.Status, in.Now, nullIfEmpty(in.FailureReason))
	return err
}

func (s *Store) ListSendLogsByUser(ctx context.Context, userID string, limit, offset int) ([]store.SendLog, int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(batch_id,''), user_id, COALESCE(lead_id,''), recipient_number,
		       COALESCE(recipient_name,''), template_id, COALESCE(message_content,''),
		       COALESCE(provider_msg_id,''), status, sent_at, delivered_at, read_at,
		       COALESCE(failure_reason,'')
		FROM whatsapp_send_logs
		WHERE user_id=$1
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []store.SendLog
	for rows.Next() {
		var l store.SendLog
		if err := rows.Scan(&l.ID, &l.BatchID, &l.UserID, &l.LeadID, &l.RecipientNumber,
			&l.RecipientName, &l.TemplateID, &l.MessageContent, &l.ProviderMessageID,
			&l.Status, &l.SentAt, &l.DeliveredAt, &l.ReadAt, &l.FailureReason); err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.DB.QueryRow(ctx,
		`SELECT COUNT(*) FROM whatsapp_send_logs WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) GetSendLogByProviderMessageID(ctx context.Context, providerMsgID string) (store.SendLog, bool, error) {
	var l store.SendLog
	row := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(batch_id,''), user_id, COALESCE(lead_id,''), recipient_number,
		       COALESCE(recipient_name,''), template_id, COALESCE(message_content,''),
		       COALESCE(provider_msg_id,''), status, sent_at, delivered_at, read_at,
		       COALESCE(failure_reason,'')
		FROM whatsapp_send_logs
		WHERE provider_msg_id=$1
	`, providerMsgID)
	err := row.Scan(&l.ID, &l.BatchID, &l.UserID, &l.LeadID, &l.RecipientNumber,
		&l.RecipientName, &l.TemplateID, &l.MessageContent, &l.ProviderMessageID,
		&l.Status, &l.SentAt, &l.DeliveredAt, &l.ReadAt, &l.FailureReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SendLog{}, false, nil
		}
		return store.SendLog{}, false, err
	}
	return l, true, nil
}

// MarkDelivered records the delivery timestamp and moves SENT forward. A row
// already at READ keeps its status; webhooks can arrive out of order and
// status only ever moves forward.
func (s *Store) MarkDelivered(ctx context.Context, providerMsgID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_send_logs
		SET status = CASE WHEN status='SENT' THEN 'DELIVERED' ELSE status END,
		    delivered_at = COALESCE(delivered_at, $2)
		WHERE provider_msg_id=$1 AND status <> 'FAILED'
	`, providerMsgID, now)
	return err
}

func (s *Store) MarkRead(ctx context.Context, providerMsgID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_send_logs SET status='READ', read_at=$2
		WHERE provider_msg_id=$1 AND status NOT IN ('FAILED')
	`, providerMsgID, now)
	return err
}

// MarkSendFailed only fails rows still at SENT; a stray failed event cannot
// downgrade a message the provider already reported delivered or read.
func (s *Store) MarkSendFailed(ctx context.Context, providerMsgID, reason string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_send_logs SET status='FAILED', failure_reason=$2
		WHERE provider_msg_id=$1 AND status='SENT'
	`, providerMsgID, nullIfEmpty(reason))
	return err
}

// AttemptedLeadIDs returns the lead ids that already have a send log row for
// the batch. The dispatcher uses it to resume after a crash without sending
// the same recipient twice.
func (s *Store) AttemptedLeadIDs(ctx context.Context, batchID string) (map[string]bool, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT COALESCE(lead_id,'') FROM whatsapp_send_logs WHERE batch_id=$1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != "" {
			out[id] = true
		}
	}
	return out, rows.Err()
}

// CountBatchOutcomes tallies a batch's log rows. A row counts as successful
// unless it is FAILED; delivered/read transitions driven by webhooks while
// the batch is still dispatching keep counting as success.
func (s *Store) CountBatchOutcomes(ctx context.Context, batchID string) (successful, failed int, err error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status <> 'FAILED'),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM whatsapp_send_logs WHERE batch_id=$1
	`, batchID)
	if err := row.Scan(&successful, &failed); err != nil {
		return 0, 0, err
	}
	return successful, failed, nil
}

// ---- daily quota ----

// ReserveQuota atomically adds n to the user's counter for the given UTC day
// and checks the limit in the same transaction. If the increment would exceed
// the limit it is compensated before commit and the pre-reservation count is
// returned.
func (s *Store) ReserveQuota(ctx context.Context, userID string, day time.Time, n, limit int) (allowed bool, sentToday int, err error) {
	d := day.UTC().Truncate(24 * time.Hour)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var newCount int
	row := tx.QueryRow(ctx, `
		INSERT INTO send_quota_daily (user_id, day, count, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (user_id, day)
		DO UPDATE SET count = send_quota_daily.count + $3, updated_at=now()
		RETURNING count
	`, userID, d, n)
	if err := row.Scan(&newCount); err != nil {
		return false, 0, err
	}

	if newCount > limit {
		_, _ = tx.Exec(ctx, `
			UPDATE send_quota_daily SET count = count - $3, updated_at=now()
			WHERE user_id=$1 AND day=$2
		`, userID, d, n)
		if err := tx.Commit(ctx); err != nil {
			return false, 0, err
		}
		return false, newCount - n, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, newCount - n, nil
}

// ReleaseQuota gives a reservation back, used when a batch could not be
// enqueued after the quota was taken.
func (s *Store) ReleaseQuota(ctx context.Context, userID string, day time.Time, n int) error {
	d := day.UTC().Truncate(24 * time.Hour)
	_, err := s.DB.Exec(ctx, `
		UPDATE send_quota_daily SET count = GREATEST(count - $3, 0), updated_at=now()
		WHERE user_id=$1 AND day=$2
	`, userID, d, n)
	return err
}

func (s *Store) SentToday(ctx context.Context, userID string, day time.Time) (int, error) {
	d := day.UTC().Truncate(24 * time.Hour)
	var count int
	err := s.DB.QueryRow(ctx,
		`SELECT count FROM send_quota_daily WHERE user_id=$1 AND day=$2`, userID, d).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ---- idempotency ----

// GetIdempotency looks up a record by (user, key). PENDING records past their
// expiry are treated as absent so a crashed dispatch does not block retries
// under the same key forever.
func (s *Store) GetIdempotency(ctx context.Context, userID, key string, now time.Time) (store.IdempotencyRecord, bool, error) {
	var r store.IdempotencyRecord
	row := s.DB.QueryRow(ctx, `
		SELECT id, user_id, idempotency_key, messages_count, COALESCE(batch_id,''),
		       status, created_at, expires_at
		FROM whatsapp_idempotency
		WHERE user_id=$1 AND idempotency_key=$2
	`, userID, key)
	err := row.Scan(&r.ID, &r.UserID, &r.Key, &r.MessagesCount, &r.BatchID,
		&r.Status, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.IdempotencyRecord{}, false, nil
		}
		return store.IdempotencyRecord{}, false, err
	}
	if r.Status == "PENDING" && now.After(r.ExpiresAt) {
		return store.IdempotencyRecord{}, false, nil
	}
	return r, true, nil
}

// CreatePendingIdempotency reserves a key. FAILED rows and expired PENDING
// rows under the same key are overwritten and re-armed. Returns false when a
// live record already holds the key, so two submissions racing past the
// initial read cannot both claim it.
func (s *Store) CreatePendingIdempotency(ctx context.Context, id, userID, key string, messagesCount int, now, expiresAt time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO whatsapp_idempotency
		(id, user_id, idempotency_key, messages_count, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,'PENDING',$5,$6)
		ON CONFLICT (user_id, idempotency_key)
		DO UPDATE SET id=$1, messages_count=$4, status='PENDING', batch_id=NULL,
		              created_at=$5, expires_at=$6
		WHERE whatsapp_idempotency.status='FAILED'
		   OR (whatsapp_idempotency.status='PENDING' AND whatsapp_idempotency.expires_at < $5)
	`, id, userID, key, messagesCount, now, expiresAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// AttachIdempotencyBatch records the batch id on a still-PENDING record so a
// concurrent retry under the same key can be answered with the same batch.
func (s *Store) AttachIdempotencyBatch(ctx context.Context, userID, key, batchID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_idempotency SET batch_id=$3
		WHERE user_id=$1 AND idempotency_key=$2 AND status='PENDING'
	`, userID, key, batchID)
	return err
}

func (s *Store) MarkIdempotencyCompleted(ctx context.Context, userID, key, batchID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_idempotency SET status='COMPLETED', batch_id=$3
		WHERE user_id=$1 AND idempotency_key=$2 AND status='PENDING'
	`, userID, key, batchID)
	return err
}

func (s *Store) MarkIdempotencyFailed(ctx context.Context, userID, key string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE whatsapp_idempotency SET status='FAILED'
		WHERE user_id=$1 AND idempotency_key=$2 AND status='PENDING'
	`, userID, key)
	return err
}

// ---- webhook events ----

func (s *Store) InsertMessageEvent(ctx context.Context, in store.MessageEventInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO whatsapp_message_events
		(id, send_log_id, provider_msg_id, event_type, raw_payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.ID, in.SendLogID, in.ProviderMessageID, in.EventType, in.RawPayload, in.Now)
	return err
}

// MarkEventProcessed claims (providerMsgID, eventType) for side effects.
// Returns false when another delivery of the same event already claimed it.
func (s *Store) MarkEventProcessed(ctx context.Context, providerMsgID, eventType string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO processed_events (provider_msg_id, event_type, processed_at)
		VALUES ($1,$2,now())
		ON CONFLICT (provider_msg_id, event_type) DO NOTHING
	`, providerMsgID, eventType)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, in store.DeadLetterInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_dead_letters (id, provider_msg_id, reason, raw_payload, received_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.ID, in.ProviderMessageID, in.Reason, in.RawPayload, in.Now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
