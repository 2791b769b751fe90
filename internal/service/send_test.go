package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"wasend/internal/directory"
	"wasend/internal/domain"
	sqsqueue "wasend/internal/queue/sqs"
	"wasend/internal/store"
)

type fakeStore struct {
	idem     map[string]store.IdempotencyRecord // keyed user|key
	batches  map[string]store.Batch
	quota    map[string]int // keyed user|day
	released int

	// missNextRead makes the next GetIdempotency report not-found, emulating
	// a second request reading before a concurrent first request has written.
	missNextRead bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		idem:    map[string]store.IdempotencyRecord{},
		batches: map[string]store.Batch{},
		quota:   map[string]int{},
	}
}

func quotaKey(userID string, day time.Time) string {
	return userID + "|" + day.UTC().Format("2006-01-02")
}

func (f *fakeStore) GetIdempotency(_ context.Context, userID, key string, now time.Time) (store.IdempotencyRecord, bool, error) {
	if f.missNextRead {
		f.missNextRead = false
		return store.IdempotencyRecord{}, false, nil
	}
	r, ok := f.idem[userID+"|"+key]
	if !ok {
		return store.IdempotencyRecord{}, false, nil
	}
	if r.Status == "PENDING" && now.After(r.ExpiresAt) {
		return store.IdempotencyRecord{}, false, nil
	}
	return r, true, nil
}

// CreatePendingIdempotency mirrors the conditional upsert: a live PENDING or
// COMPLETED record keeps the key and the claim reports false.
func (f *fakeStore) CreatePendingIdempotency(_ context.Context, id, userID, key string, messagesCount int, now, expiresAt time.Time) (bool, error) {
	k := userID + "|" + key
	if r, ok := f.idem[k]; ok {
		rearmable := r.Status == "FAILED" || (r.Status == "PENDING" && now.After(r.ExpiresAt))
		if !rearmable {
			return false, nil
		}
	}
	f.idem[k] = store.IdempotencyRecord{
		ID: id, UserID: userID, Key: key, MessagesCount: messagesCount,
		Status: "PENDING", CreatedAt: now, ExpiresAt: expiresAt,
	}
	return true, nil
}

func (f *fakeStore) AttachIdempotencyBatch(_ context.Context, userID, key, batchID string) error {
	r := f.idem[userID+"|"+key]
	r.BatchID = batchID
	f.idem[userID+"|"+key] = r
	return nil
}

func (f *fakeStore) MarkIdempotencyFailed(_ context.Context, userID, key string) error {
	r := f.idem[userID+"|"+key]
	r.Status = "FAILED"
	f.idem[userID+"|"+key] = r
	return nil
}

func (f *fakeStore) ReserveQuota(_ context.Context, userID string, day time.Time, n, limit int) (bool, int, error) {
	k := quotaKey(userID, day)
	before := f.quota[k]
	if before+n > limit {
		return false, before, nil
	}
	f.quota[k] = before + n
	return true, before, nil
}

func (f *fakeStore) ReleaseQuota(_ context.Context, userID string, day time.Time, n int) error {
	k := quotaKey(userID, day)
	f.quota[k] -= n
	f.released += n
	return nil
}

func (f *fakeStore) SentToday(_ context.Context, userID string, day time.Time) (int, error) {
	return f.quota[quotaKey(userID, day)], nil
}

func (f *fakeStore) CreateBatch(_ context.Context, id, userID, templateID string, total int, now time.Time) error {
	f.batches[id] = store.Batch{
		ID: id, UserID: userID, TemplateID: templateID,
		TotalMessages: total, Status: "PENDING", CreatedAt: now,
	}
	return nil
}

func (f *fakeStore) CompleteBatch(_ context.Context, in store.BatchCompletion) error {
	b := f.batches[in.BatchID]
	b.Status = in.Status
	b.SuccessfulMessages = in.Successful
	b.FailedMessages = in.Failed
	f.batches[in.BatchID] = b
	return nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (store.Batch, bool, error) {
	b, ok := f.batches[id]
	return b, ok, nil
}

func (f *fakeStore) ListSendLogsByUser(context.Context, string, int, int) ([]store.SendLog, int, error) {
	return nil, 0, nil
}

type fakeQueue struct {
	jobs []sqsqueue.DispatchJob
	err  error
}

func (q *fakeQueue) EnqueueDispatch(_ context.Context, job sqsqueue.DispatchJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeDirectory struct {
	users     map[string]directory.User
	templates map[string]directory.Template
}

func (d fakeDirectory) GetUser(_ context.Context, id string) (directory.User, bool, error) {
	u, ok := d.users[id]
	return u, ok, nil
}

func (d fakeDirectory) GetUserByEmail(_ context.Context, email string) (directory.User, bool, error) {
	for _, u := range d.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return directory.User{}, false, nil
}

func (d fakeDirectory) GetTemplate(_ context.Context, id string) (directory.Template, bool, error) {
	t, ok := d.templates[id]
	return t, ok, nil
}

func (d fakeDirectory) ListTemplates(context.Context, directory.TemplateFilter) ([]directory.Template, error) {
	return nil, nil
}

func testService(st *fakeStore, q *fakeQueue, dir fakeDirectory) *SendService {
	n := 0
	return &SendService{
		Store:             st,
		Queue:             q,
		Users:             dir,
		Templates:         dir,
		DefaultDailyLimit: 500,
		IdempotencyTTL:    48 * time.Hour,
		BatchIDGen:        func() string { n++; return "batch_" + string(rune('a'+n)) },
		IdemIDGen:         func() string { return "idem_x" },
	}
}

func approvedDir(userID string) fakeDirectory {
	return fakeDirectory{
		users: map[string]directory.User{
			userID: {ID: userID, Email: userID + "@crm.test", Name: "Ana Perez"},
		},
		templates: map[string]directory.Template{
			"tpl-1": {ID: "tpl-1", Name: "promo", ProviderTemplateID: "Promo_Intent", ChannelID: "ch-1", IsApproved: true},
		},
	}
}

func leads(n int) []domain.Lead {
	out := make([]domain.Lead, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Lead{
			LeadID:    "lead-" + string(rune('a'+i)),
			ContactID: "573001234567",
			Variables: map[string]string{"nombre": "x"},
		})
	}
	return out
}

func TestSubmitMassSendHappyPath(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	svc := testService(st, q, approvedDir("u1"))

	resp, created, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if resp.Status != "PENDING" || resp.TotalMessages != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(q.jobs))
	}
	job := q.jobs[0]
	if job.BatchID != resp.BatchID || job.TemplateName != "Promo_Intent" || job.ChannelID != "ch-1" {
		t.Fatalf("job carries wrong template routing: %+v", job)
	}
}

func TestSubmitMassSendIdempotentReplay(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	svc := testService(st, q, approvedDir("u1"))
	now := time.Now().UTC()

	req := domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}
	first, created, err := svc.SubmitMassSend(context.Background(), req, now)
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}

	second, created, err := svc.SubmitMassSend(context.Background(), req, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a new batch")
	}
	if second.BatchID != first.BatchID {
		t.Fatalf("replay returned a different batch: %q vs %q", second.BatchID, first.BatchID)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("replay must not enqueue again, got %d jobs", len(q.jobs))
	}
	if got := st.quota[quotaKey("u1", now)]; got != 3 {
		t.Fatalf("replay must not consume quota twice, counter=%d", got)
	}
}

func TestSubmitMassSendConcurrentSameKeySingleBatch(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	svc := testService(st, q, approvedDir("u1"))
	now := time.Now().UTC()

	req := domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}
	first, created, err := svc.SubmitMassSend(context.Background(), req, now)
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}

	// the loser of the race read before the winner wrote: its initial lookup
	// misses, its claim lands on the winner's live record
	st.missNextRead = true
	second, created, err := svc.SubmitMassSend(context.Background(), req, now)
	if err != nil {
		t.Fatalf("racing submit: %v", err)
	}
	if created {
		t.Fatalf("losing submission must not create a second batch")
	}
	if second.BatchID != first.BatchID {
		t.Fatalf("racing submissions produced two batches: %q vs %q", first.BatchID, second.BatchID)
	}
	if len(st.batches) != 1 {
		t.Fatalf("expected exactly one batch row, got %d", len(st.batches))
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected exactly one enqueued job, got %d", len(q.jobs))
	}
	if got := st.quota[quotaKey("u1", now)]; got != 3 {
		t.Fatalf("loser must release its reservation, counter=%d", got)
	}
}

func TestSubmitMassSendConcurrentClaimBeforeBatchVisible(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	// the winner claimed the key but has not created its batch yet
	st.idem["u1|k1"] = store.IdempotencyRecord{
		ID: "idem_x", UserID: "u1", Key: "k1", MessagesCount: 3,
		Status: "PENDING", CreatedAt: now, ExpiresAt: now.Add(48 * time.Hour),
	}
	st.missNextRead = true
	svc := testService(st, &fakeQueue{}, approvedDir("u1"))

	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}, now)
	if !errors.Is(err, domain.ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
	if got := st.quota[quotaKey("u1", now)]; got != 0 {
		t.Fatalf("failed claim must release its reservation, counter=%d", got)
	}
}

func TestSubmitMassSendInFlightConflict(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	// PENDING record with no batch id yet: the concurrent original is still
	// between key reservation and batch creation.
	st.idem["u1|k1"] = store.IdempotencyRecord{
		ID: "idem_x", UserID: "u1", Key: "k1", MessagesCount: 3,
		Status: "PENDING", CreatedAt: now, ExpiresAt: now.Add(48 * time.Hour),
	}
	svc := testService(st, &fakeQueue{}, approvedDir("u1"))

	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}, now)
	if !errors.Is(err, domain.ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
}

func TestSubmitMassSendQuotaBoundary(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	svc := testService(st, q, approvedDir("u1"))
	now := time.Now().UTC()
	st.quota[quotaKey("u1", now)] = 498

	// 498 + 3 > 500: rejected whole, nothing partial
	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", Leads: leads(3),
	}, now)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Remaining != 2 || quotaErr.SentToday != 498 || quotaErr.Limit != 500 {
		t.Fatalf("wrong quota detail: %+v", quotaErr)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("rejected request must not enqueue")
	}

	// 498 + 2 == 500: exactly at the limit goes through
	resp, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", Leads: leads(2),
	}, now)
	if err != nil {
		t.Fatalf("at-limit submit: %v", err)
	}
	if resp.TotalMessages != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := st.quota[quotaKey("u1", now)]; got != 500 {
		t.Fatalf("counter should land exactly on the limit, got %d", got)
	}
}

func TestSubmitMassSendUserLimitOverride(t *testing.T) {
	st := newFakeStore()
	dir := approvedDir("u1")
	ten := 10
	u := dir.users["u1"]
	u.DailyWhatsAppLimit = &ten
	dir.users["u1"] = u
	svc := testService(st, &fakeQueue{}, dir)

	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", Leads: leads(11),
	}, time.Now().UTC())
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Limit != 10 {
		t.Fatalf("per-user override ignored, limit=%d", quotaErr.Limit)
	}
}

func TestSubmitMassSendEnqueueFailureCompensates(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{err: errors.New("sqs unavailable")}
	svc := testService(st, q, approvedDir("u1"))
	now := time.Now().UTC()

	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}, now)
	if err == nil {
		t.Fatalf("expected enqueue error to surface")
	}
	if got := st.quota[quotaKey("u1", now)]; got != 0 {
		t.Fatalf("quota reservation not released, counter=%d", got)
	}
	if rec := st.idem["u1|k1"]; rec.Status != "FAILED" {
		t.Fatalf("idempotency record should be FAILED, got %q", rec.Status)
	}
	var b store.Batch
	for _, bb := range st.batches {
		b = bb
	}
	if b.Status != "FAILED" {
		t.Fatalf("batch should be FAILED after enqueue error, got %q", b.Status)
	}

	// the FAILED record does not replay: the same key is usable again
	q.err = nil
	_, created, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-1", IdempotencyKey: "k1", Leads: leads(3),
	}, now)
	if err != nil || !created {
		t.Fatalf("retry after failure should create a fresh batch: created=%v err=%v", created, err)
	}
}

func TestSubmitMassSendTemplateGates(t *testing.T) {
	st := newFakeStore()
	dir := approvedDir("u1")
	dir.templates["tpl-2"] = directory.Template{ID: "tpl-2", IsApproved: false}
	svc := testService(st, &fakeQueue{}, dir)
	now := time.Now().UTC()

	_, _, err := svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-missing", Leads: leads(1),
	}, now)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing template, got %v", err)
	}

	_, _, err = svc.SubmitMassSend(context.Background(), domain.SendMassRequest{
		UserID: "u1", TemplateID: "tpl-2", Leads: leads(1),
	}, now)
	if !errors.Is(err, domain.ErrTemplateNotApproved) {
		t.Fatalf("expected ErrTemplateNotApproved, got %v", err)
	}
}

func TestGetLimitsCountsReservations(t *testing.T) {
	st := newFakeStore()
	svc := testService(st, &fakeQueue{}, approvedDir("u1"))
	now := time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)
	st.quota[quotaKey("u1", now)] = 120

	resp, err := svc.GetLimits(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if resp.Limit != 500 || resp.SentToday != 120 || resp.Remaining != 380 {
		t.Fatalf("unexpected limits %+v", resp)
	}
	if resp.ResetInSeconds != 90*60 {
		t.Fatalf("expected 5400s to UTC midnight, got %d", resp.ResetInSeconds)
	}
}

func TestSecondsToUTCMidnight(t *testing.T) {
	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), 86400},
		{time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC), 60},
		{time.Date(2025, 3, 10, 19, 0, 0, 0, time.FixedZone("COT", -5*3600)), 86400}, // 00:00 UTC next day
	}
	for _, c := range cases {
		if got := SecondsToUTCMidnight(c.now); got != c.want {
			t.Fatalf("SecondsToUTCMidnight(%v)=%d want %d", c.now, got, c.want)
		}
	}
}
