/*
Package fulfillment delivers committed receipts to the shipping side.

PURPOSE:
  Receipts are written by the transaction engine and never change. The
  relay reads the ones not yet delivered, publishes each through a
  Publisher, and records the delivery in a separate table.

DELIVERY GUARANTEE:
  At-least-once. A crash between Publish and MarkDelivered republishes the
  receipt on the next pass; consumers dedupe by transaction_id (also the
  AMQP MessageId).

  Delivery is strictly in receipt sequence order. The first publish failure
  stops the batch so a later receipt never overtakes an earlier one.

SEE ALSO:
  - redemption/store.go: Outbox interface
  - fulfillment/amqp.go: RabbitMQ publisher
*/
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/redemption"
)

// Publisher sends one receipt downstream.
type Publisher interface {
	Publish(ctx context.Context, r redemption.Receipt) error
	Close() error
}

// ReceiptMessage is the wire form of a receipt.
type ReceiptMessage struct {
	TransactionID  string               `json:"transaction_id"`
	Seq            int64                `json:"seq"`
	UserID         string               `json:"user_id"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Kind           string               `json:"kind"`
	Outcomes       []redemption.Outcome `json:"outcomes"`
	PointsDelta    int64                `json:"points_delta"`
	BonusPoints    int64                `json:"bonus_points,omitempty"`
	CreatedAt      string               `json:"created_at"`
}

// NewReceiptMessage converts a receipt to its wire form.
func NewReceiptMessage(r redemption.Receipt) ReceiptMessage {
	outcomes := r.Outcomes
	if outcomes == nil {
		outcomes = []redemption.Outcome{}
	}
	return ReceiptMessage{
		TransactionID:  string(r.ID),
		Seq:            r.Seq,
		UserID:         string(r.UserID),
		IdempotencyKey: r.IdempotencyKey,
		Kind:           string(r.Kind),
		Outcomes:       outcomes,
		PointsDelta:    int64(r.PointsDelta),
		BonusPoints:    int64(r.BonusPoints),
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// =============================================================================
// RELAY
// =============================================================================

// Relay moves receipts from the outbox to a Publisher.
type Relay struct {
	outbox    redemption.Outbox
	publisher Publisher
	log       logrus.FieldLogger
	batchSize int
	now       func() time.Time
}

func NewRelay(outbox redemption.Outbox, publisher Publisher, log logrus.FieldLogger, batchSize int) *Relay {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		log:       log.WithField("component", "relay"),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Flush publishes one batch of undelivered receipts and returns how many
// were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.UndeliveredReceipts(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load undelivered receipts: %w", err)
	}

	delivered := 0
	for _, receipt := range pending {
		if err := r.publisher.Publish(ctx, receipt); err != nil {
			r.log.WithFields(logrus.Fields{
				"transaction_id": receipt.ID,
				"seq":            receipt.Seq,
				"error":          err,
			}).Warn("publish failed, will retry")
			return delivered, fmt.Errorf("publish %s: %w", receipt.ID, err)
		}
		if err := r.outbox.MarkDelivered(ctx, receipt.ID, r.now().UTC()); err != nil {
			return delivered, fmt.Errorf("mark %s delivered: %w", receipt.ID, err)
		}
		delivered++
	}

	if delivered > 0 {
		r.log.WithField("count", delivered).Debug("receipts delivered")
	}
	return delivered, nil
}

// Drain flushes until the outbox is empty or an error occurs.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Flush(ctx)
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
	}
}
