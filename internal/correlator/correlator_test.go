package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"wasend/internal/directory"
	"wasend/internal/domain"
	"wasend/internal/providers/botmaker"
	"wasend/internal/store"
)

type fakeEventStore struct {
	logs        map[string]store.SendLog // keyed by provider message id
	events      []store.MessageEventInsert
	processed   map[string]bool // provider_msg_id|event_type
	deadLetters []store.DeadLetterInsert
	inserted    []store.SendLogInsert

	delivered []string
	read      []string
	failed    map[string]string
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		logs:      map[string]store.SendLog{},
		processed: map[string]bool{},
		failed:    map[string]string{},
	}
}

func (f *fakeEventStore) GetSendLogByProviderMessageID(_ context.Context, id string) (store.SendLog, bool, error) {
	l, ok := f.logs[id]
	return l, ok, nil
}

func (f *fakeEventStore) MarkDelivered(_ context.Context, id string, _ time.Time) error {
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeEventStore) MarkRead(_ context.Context, id string, _ time.Time) error {
	f.read = append(f.read, id)
	return nil
}

func (f *fakeEventStore) MarkSendFailed(_ context.Context, id, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeEventStore) InsertSendLog(_ context.Context, in store.SendLogInsert) error {
	f.inserted = append(f.inserted, in)
	return nil
}

func (f *fakeEventStore) InsertMessageEvent(_ context.Context, in store.MessageEventInsert) error {
	f.events = append(f.events, in)
	return nil
}

func (f *fakeEventStore) MarkEventProcessed(_ context.Context, id, eventType string) (bool, error) {
	k := id + "|" + eventType
	if f.processed[k] {
		return false, nil
	}
	f.processed[k] = true
	return true, nil
}

func (f *fakeEventStore) InsertDeadLetter(_ context.Context, in store.DeadLetterInsert) error {
	f.deadLetters = append(f.deadLetters, in)
	return nil
}

type fakeAggregator struct {
	counters map[string]int // campaignID|field
	merged   map[string]map[string]any
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{counters: map[string]int{}, merged: map[string]map[string]any{}}
}

func (a *fakeAggregator) IncrementCampaignCounter(_ context.Context, campaignID, _, _, field string) error {
	a.counters[campaignID+"|"+field]++
	return nil
}

func (a *fakeAggregator) MergeMessageFields(_ context.Context, docID, _ string, fields map[string]any) error {
	m := a.merged[docID]
	if m == nil {
		m = map[string]any{}
		a.merged[docID] = m
	}
	for k, v := range fields {
		m[k] = v
	}
	return nil
}

type fakeReplySender struct {
	sent []replyCall
	seq  int
}

type replyCall struct {
	To       string
	Template string
	Vars     map[string]string
}

func (s *fakeReplySender) SendTemplateTo(_ context.Context, to, templateName string, vars map[string]string) (botmaker.SendResponse, int, []byte, error) {
	s.sent = append(s.sent, replyCall{To: to, Template: templateName, Vars: vars})
	s.seq++
	return botmaker.SendResponse{MessageID: fmt.Sprintf("bm-reply-%d", s.seq)}, 201, nil, nil
}

type fakeDir struct {
	users     map[string]directory.User
	templates map[string]directory.Template
}

func (d fakeDir) GetUser(_ context.Context, id string) (directory.User, bool, error) {
	u, ok := d.users[id]
	return u, ok, nil
}

func (d fakeDir) GetUserByEmail(_ context.Context, email string) (directory.User, bool, error) {
	return directory.User{}, false, nil
}

func (d fakeDir) GetTemplate(_ context.Context, id string) (directory.Template, bool, error) {
	t, ok := d.templates[id]
	return t, ok, nil
}

func (d fakeDir) ListTemplates(context.Context, directory.TemplateFilter) ([]directory.Template, error) {
	return nil, nil
}

var fixedNow = time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)

func testCorrelator(st *fakeEventStore, agg *fakeAggregator, snd *fakeReplySender) *Correlator {
	dir := fakeDir{
		users: map[string]directory.User{
			"u1": {
				ID: "u1", Name: "Carlos Gomez",
				CountryCodeWA: "57", WhatsAppNumber: "3009998877",
			},
		},
		templates: map[string]directory.Template{
			"tpl-1": {ID: "tpl-1", ProviderTemplateID: "Promo_Intent", IsApproved: true},
		},
	}
	n := 0
	return &Correlator{
		Store:            st,
		Analytics:        agg,
		Sender:           snd,
		Users:            dir,
		Templates:        dir,
		ThankYouTemplate: "Cliente_Agradecimiento_Link",
		AdvisorTemplates: map[string]string{"promo_intent": "Asesor_Notificacion"},
		CountryCode:      "57",
		EventIDGen:       func() string { n++; return fmt.Sprintf("evt_%d", n) },
		LogIDGen:         func() string { n++; return fmt.Sprintf("log_%d", n) },
		Now:              func() time.Time { return fixedNow },
	}
}

func sentLog() store.SendLog {
	return store.SendLog{
		ID: "log_1", BatchID: "batch_1", UserID: "u1", LeadID: "lead-1",
		RecipientNumber: "573001234567", RecipientName: "Ana Maria Perez",
		TemplateID: "tpl-1", ProviderMessageID: "bm-1",
		Status: string(domain.SendSent),
		SentAt: fixedNow.Add(-30 * time.Second),
	}
}

func event(kind domain.EventKind, body string) domain.ProviderEvent {
	return domain.ProviderEvent{
		ProviderMessageID: "bm-1",
		Kind:              kind,
		Raw:               json.RawMessage(body),
	}
}

func TestHandleDelivered(t *testing.T) {
	st := newFakeEventStore()
	st.logs["bm-1"] = sentLog()
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	if err := c.HandleEvent(context.Background(), event(domain.EventDelivered, `{"messageId":"bm-1","status":"delivered"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(st.delivered) != 1 || st.delivered[0] != "bm-1" {
		t.Fatalf("send log not marked delivered: %v", st.delivered)
	}
	if agg.counters["batch_1|totalDelivered"] != 1 {
		t.Fatalf("campaign delivered counter not incremented: %v", agg.counters)
	}
	if _, ok := agg.merged["log_1"]["deliveredAt"]; !ok {
		t.Fatalf("deliveredAt not merged into message analytics")
	}
	if len(st.events) != 1 {
		t.Fatalf("event not audited")
	}
}

func TestHandleReadComputesOpenTime(t *testing.T) {
	st := newFakeEventStore()
	st.logs["bm-1"] = sentLog() // sent 30s before fixedNow
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	if err := c.HandleEvent(context.Background(), event(domain.EventRead, `{"messageId":"bm-1","event":"read"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if agg.counters["batch_1|totalRead"] != 1 {
		t.Fatalf("read counter not incremented")
	}
	got, ok := agg.merged["log_1"]["engagementMetrics.openTime"].(float64)
	if !ok {
		t.Fatalf("openTime missing: %v", agg.merged["log_1"])
	}
	if got != 30.0 {
		t.Fatalf("openTime: got %v want 30.0", got)
	}
}

func TestClickAfterReadKeepsOpenTime(t *testing.T) {
	st := newFakeEventStore()
	st.logs["bm-1"] = sentLog()
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	if err := c.HandleEvent(context.Background(), event(domain.EventRead, `{"messageId":"bm-1","event":"read"}`)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := c.HandleEvent(context.Background(), event(domain.EventClick, `{"messageId":"bm-1","event":"click"}`)); err != nil {
		t.Fatalf("click: %v", err)
	}

	doc := agg.merged["log_1"]
	if _, ok := doc["engagementMetrics.openTime"]; !ok {
		t.Fatalf("click must not erase openTime: %v", doc)
	}
	if _, ok := doc["engagementMetrics.clickTime"]; !ok {
		t.Fatalf("clickTime missing after click: %v", doc)
	}
}

func TestHandleClickSendsRepliesAndCountsOnce(t *testing.T) {
	st := newFakeEventStore()
	readAt := fixedNow.Add(-10 * time.Second)
	l := sentLog()
	l.ReadAt = &readAt
	st.logs["bm-1"] = l
	agg := newFakeAggregator()
	snd := &fakeReplySender{}

	c := testCorrelator(st, agg, snd)
	ev := event(domain.EventClick, `{"messageId":"bm-1","event":"click"}`)
	if err := c.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(snd.sent) != 2 {
		t.Fatalf("expected thank-you + advisor reply, got %d sends", len(snd.sent))
	}
	thanks, advisor := snd.sent[0], snd.sent[1]
	if thanks.To != "573001234567" || thanks.Template != "Cliente_Agradecimiento_Link" {
		t.Fatalf("wrong thank-you reply: %+v", thanks)
	}
	if thanks.Vars["nombre"] != "Ana" {
		t.Fatalf("thank-you should greet by first name, got %q", thanks.Vars["nombre"])
	}
	if thanks.Vars["urlTelefonoFp"] != "https://wa.me/573009998877" {
		t.Fatalf("wrong advisor link: %q", thanks.Vars["urlTelefonoFp"])
	}
	if advisor.To != "3009998877" || advisor.Template != "Asesor_Notificacion" {
		t.Fatalf("wrong advisor notification: %+v", advisor)
	}
	if advisor.Vars["urlTelefonoCliente"] != "https://wa.me/573001234567" {
		t.Fatalf("wrong client link: %q", advisor.Vars["urlTelefonoCliente"])
	}

	if agg.counters["batch_1|totalClicked"] != 1 {
		t.Fatalf("click counter not incremented")
	}
	if got := agg.merged["log_1"]["engagementMetrics.clickTime"].(float64); got != 10.0 {
		t.Fatalf("clickTime should measure from readAt: got %v want 10.0", got)
	}

	// both replies got their own batch-less log rows
	if len(st.inserted) != 2 {
		t.Fatalf("expected 2 reply log rows, got %d", len(st.inserted))
	}
	for _, row := range st.inserted {
		if row.BatchID != "" {
			t.Fatalf("reply rows must be batch-less: %+v", row)
		}
	}

	// provider redelivers the same click: audited but no second side effects
	if err := c.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(snd.sent) != 2 {
		t.Fatalf("replayed click must not send replies again, got %d", len(snd.sent))
	}
	if agg.counters["batch_1|totalClicked"] != 1 {
		t.Fatalf("replayed click must not re-increment, got %d", agg.counters["batch_1|totalClicked"])
	}
	if len(st.events) != 2 {
		t.Fatalf("replay still belongs in the audit trail, events=%d", len(st.events))
	}
}

func TestHandleFailedRecordsReason(t *testing.T) {
	st := newFakeEventStore()
	st.logs["bm-1"] = sentLog()
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	ev := event(domain.EventFailed, `{"messageId":"bm-1","status":"failed","reason":"recipient opted out"}`)
	ev.FailureReason = "recipient opted out"
	if err := c.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st.failed["bm-1"] != "recipient opted out" {
		t.Fatalf("failure reason not recorded: %q", st.failed["bm-1"])
	}
}

func TestHandleUnmatchedEventDeadLetters(t *testing.T) {
	st := newFakeEventStore()
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	err := c.HandleEvent(context.Background(), event(domain.EventDelivered, `{"messageId":"bm-1","status":"delivered"}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unmatched message, got %v", err)
	}
	if len(st.deadLetters) != 1 || st.deadLetters[0].ProviderMessageID != "bm-1" {
		t.Fatalf("unmatched event not dead-lettered: %+v", st.deadLetters)
	}
}

func TestClickOnBatchlessSendUsesLogIDAsCampaign(t *testing.T) {
	st := newFakeEventStore()
	l := sentLog()
	l.BatchID = ""
	st.logs["bm-1"] = l
	agg := newFakeAggregator()

	c := testCorrelator(st, agg, &fakeReplySender{})
	if err := c.HandleEvent(context.Background(), event(domain.EventClick, `{"messageId":"bm-1","event":"click"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if agg.counters["log_1|totalClicked"] != 1 {
		t.Fatalf("batch-less click should count under the log id, got %v", agg.counters)
	}
}
