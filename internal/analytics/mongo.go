// Package analytics keeps campaign- and message-level engagement counters in
// a document store. Counter updates use the store's atomic $inc so concurrent
// webhook deliveries for one campaign never lose increments.
package analytics

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Counter fields on a campaign metrics document.
const (
	FieldTotalSent      = "totalSent"
	FieldTotalDelivered = "totalDelivered"
	FieldTotalRead      = "totalRead"
	FieldTotalClicked   = "totalClicked"
)

type Aggregator interface {
	IncrementCampaignCounter(ctx context.Context, campaignID, userID, templateID, field string) error
	MergeMessageFields(ctx context.Context, docID, userID string, fields map[string]any) error
}

type Mongo struct {
	campaigns *mongo.Collection
	messages  *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		campaigns: db.Collection("whatsapp-campaign-metrics"),
		messages:  db.Collection("whatsapp-analytics"),
	}
}

// IncrementCampaignCounter bumps one counter on the campaign document,
// creating it on first touch. campaignID is the batch id, or the send log id
// for batch-less sends.
func (m *Mongo) IncrementCampaignCounter(ctx context.Context, campaignID, userID, templateID, field string) error {
	filter := bson.M{"_id": campaignID}
	update := bson.M{
		"$inc": bson.M{field: 1},
		"$setOnInsert": bson.M{
			"userId":     userID,
			"batchId":    campaignID,
			"templateId": templateID,
			"createdAt":  time.Now().UTC(),
		},
	}
	_, err := m.campaigns.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// MergeMessageFields upserts per-message analytics, merging the given fields
// into the existing document.
func (m *Mongo) MergeMessageFields(ctx context.Context, docID, userID string, fields map[string]any) error {
	set := bson.M{"userId": userID}
	for k, v := range fields {
		set[k] = v
	}
	_, err := m.messages.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	return err
}
