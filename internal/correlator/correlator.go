// Package correlator consumes provider webhooks and folds them back into the
// send log and campaign analytics. Every inbound payload is audited; side
// effects run at most once per (provider message id, event type) no matter
// how often the provider redelivers.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wasend/internal/analytics"
	"wasend/internal/directory"
	"wasend/internal/domain"
	"wasend/internal/observability"
	"wasend/internal/providers/botmaker"
	"wasend/internal/store"
	"wasend/internal/util"
)

type Store interface {
	GetSendLogByProviderMessageID(ctx context.Context, providerMsgID string) (store.SendLog, bool, error)
	MarkDelivered(ctx context.Context, providerMsgID string, now time.Time) error
	MarkRead(ctx context.Context, providerMsgID string, now time.Time) error
	MarkSendFailed(ctx context.Context, providerMsgID, reason string) error
	InsertSendLog(ctx context.Context, in store.SendLogInsert) error
	InsertMessageEvent(ctx context.Context, in store.MessageEventInsert) error
	MarkEventProcessed(ctx context.Context, providerMsgID, eventType string) (bool, error)
	InsertDeadLetter(ctx context.Context, in store.DeadLetterInsert) error
}

type Sender interface {
	SendTemplateTo(ctx context.Context, to, templateName string, variables map[string]string) (botmaker.SendResponse, int, []byte, error)
}

type Correlator struct {
	Store     Store
	Analytics analytics.Aggregator
	Sender    Sender
	Users     directory.UserDirectory
	Templates directory.TemplateCatalog

	// ThankYouTemplate goes to the clicking client; AdvisorTemplates maps a
	// provider template id to the advisor notification sent alongside it.
	ThankYouTemplate string
	AdvisorTemplates map[string]string
	CountryCode      string

	EventIDGen func() string
	LogIDGen   func() string
	Now        func() time.Time
}

// HandleEvent correlates one decoded provider event with its send log row and
// applies the matching state transition, analytics update and, for clicks,
// the automated replies.
func (c *Correlator) HandleEvent(ctx context.Context, ev domain.ProviderEvent) error {
	now := c.now()

	log, found, err := c.Store.GetSendLogByProviderMessageID(ctx, ev.ProviderMessageID)
	if err != nil {
		return err
	}
	if !found {
		// keep the payload for reconciliation instead of dropping it
		_ = c.Store.InsertDeadLetter(ctx, store.DeadLetterInsert{
			ID:                c.EventIDGen(),
			ProviderMessageID: ev.ProviderMessageID,
			Reason:            "no send log for provider message id",
			RawPayload:        ev.Raw,
			Now:               now,
		})
		observability.WebhookEvents.WithLabelValues(string(ev.Kind), "unmatched").Inc()
		return fmt.Errorf("message %s: %w", ev.ProviderMessageID, domain.ErrNotFound)
	}

	// audit trail records every delivery, duplicates included
	if err := c.Store.InsertMessageEvent(ctx, store.MessageEventInsert{
		ID:                c.EventIDGen(),
		SendLogID:         log.ID,
		ProviderMessageID: ev.ProviderMessageID,
		EventType:         string(ev.Kind),
		RawPayload:        ev.Raw,
		Now:               now,
	}); err != nil {
		return err
	}

	claimed, err := c.Store.MarkEventProcessed(ctx, ev.ProviderMessageID, string(ev.Kind))
	if err != nil {
		return err
	}
	if !claimed {
		observability.WebhookDuplicates.WithLabelValues(string(ev.Kind)).Inc()
		return nil
	}

	switch ev.Kind {
	case domain.EventDelivered:
		err = c.handleDelivered(ctx, log, now)
	case domain.EventFailed:
		err = c.Store.MarkSendFailed(ctx, ev.ProviderMessageID, ev.FailureReason)
	case domain.EventRead:
		err = c.handleRead(ctx, log, now)
	case domain.EventClick:
		err = c.handleClick(ctx, log, now)
	}
	if err != nil {
		observability.WebhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return err
	}
	observability.WebhookEvents.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

func (c *Correlator) handleDelivered(ctx context.Context, log store.SendLog, now time.Time) error {
	if err := c.Store.MarkDelivered(ctx, log.ProviderMessageID, now); err != nil {
		return err
	}
	if log.BatchID != "" {
		if err := c.Analytics.IncrementCampaignCounter(ctx, log.BatchID, log.UserID, log.TemplateID, analytics.FieldTotalDelivered); err != nil {
			return err
		}
	}
	return c.Analytics.MergeMessageFields(ctx, log.ID, log.UserID, map[string]any{
		"deliveredAt": now,
	})
}

func (c *Correlator) handleRead(ctx context.Context, log store.SendLog, now time.Time) error {
	if err := c.Store.MarkRead(ctx, log.ProviderMessageID, now); err != nil {
		return err
	}
	if log.BatchID != "" {
		if err := c.Analytics.IncrementCampaignCounter(ctx, log.BatchID, log.UserID, log.TemplateID, analytics.FieldTotalRead); err != nil {
			return err
		}
	}

	openTime := now.Sub(log.SentAt).Seconds()
	observability.EngagementSeconds.WithLabelValues("open").Observe(openTime)
	// dotted path so a later click merges alongside openTime instead of
	// replacing the whole engagementMetrics document
	return c.Analytics.MergeMessageFields(ctx, log.ID, log.UserID, map[string]any{
		"readAt":                     now,
		"engagementMetrics.openTime": openTime,
	})
}

func (c *Correlator) handleClick(ctx context.Context, log store.SendLog, now time.Time) error {
	tpl, found, err := c.Templates.GetTemplate(ctx, log.TemplateID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("template for message %s: %w", log.ProviderMessageID, domain.ErrNotFound)
	}

	advisor, found, err := c.Users.GetUser(ctx, log.UserID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("advisor %s: %w", log.UserID, domain.ErrNotFound)
	}

	advisorTemplate := c.AdvisorTemplates[strings.ToLower(tpl.ProviderTemplateID)]
	advisorLink := util.WaMeLink(advisor.CountryCodeWA, advisor.WhatsAppNumber)
	clientLink := util.WaMeLink(c.CountryCode, log.RecipientNumber)

	// both replies are best effort: a provider hiccup here must not fail the
	// click event itself
	c.sendReply(ctx, log, tpl.ID, log.RecipientNumber, log.RecipientName, c.ThankYouTemplate, map[string]string{
		"nombre":         util.FirstName(log.RecipientName),
		"asesorCompleto": advisor.Name,
		"urlTelefonoFp":  advisorLink,
	})
	if advisorTemplate != "" {
		c.sendReply(ctx, log, tpl.ID, advisor.WhatsAppNumber, advisor.Name, advisorTemplate, map[string]string{
			"nombreCompleto":     log.RecipientName,
			"urlTelefonoCliente": clientLink,
		})
	}

	campaignID := log.BatchID
	if campaignID == "" {
		campaignID = log.ID
	}
	if err := c.Analytics.IncrementCampaignCounter(ctx, campaignID, log.UserID, log.TemplateID, analytics.FieldTotalClicked); err != nil {
		return err
	}

	base := log.SentAt
	if log.ReadAt != nil {
		base = *log.ReadAt
	}
	clickTime := now.Sub(base).Seconds()
	observability.EngagementSeconds.WithLabelValues("click").Observe(clickTime)
	return c.Analytics.MergeMessageFields(ctx, log.ID, log.UserID, map[string]any{
		"clickedAt":                   now,
		"engagementMetrics.clickTime": clickTime,
	})
}

// sendReply fires one automated reply and, when the provider accepts it,
// records a batch-less send log row so the new message joins the lifecycle
// tracking like any other send.
func (c *Correlator) sendReply(ctx context.Context, origin store.SendLog, templateID, to, name, templateName string, variables map[string]string) {
	resp, _, _, err := c.Sender.SendTemplateTo(ctx, to, templateName, variables)
	if err != nil {
		slog.Warn("click reply send failed",
			"err", err,
			"template", templateName,
			"origin_log_id", origin.ID,
		)
		return
	}
	if err := c.Store.InsertSendLog(ctx, store.SendLogInsert{
		ID:                c.LogIDGen(),
		UserID:            origin.UserID,
		LeadID:            origin.LeadID,
		RecipientNumber:   to,
		RecipientName:     name,
		TemplateID:        templateID,
		MessageContent:    templateName,
		ProviderMessageID: resp.MessageID,
		Status:            string(domain.SendSent),
		Now:               c.now(),
	}); err != nil {
		slog.Error("click reply log write failed", "err", err, "origin_log_id", origin.ID)
	}
}

func (c *Correlator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
