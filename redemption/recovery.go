/*
recovery.go - Reconciliation of transactions interrupted by a crash

PURPOSE:
  Every transaction writes a pending intent before its atomic scope and
  removes it on commit. An intent that is still present long after its
  request should have finished marks a transaction whose effects must be
  reconciled against the receipt log.

DECISION TABLE (per stale intent):

  receipt exists            -> completed: close the intent
  no receipt, entries net 0 -> abandoned: nothing was applied, close it
  no receipt, entries net n -> compensated: append a reversal of -n,
                               close the intent, alert

  The compensated case cannot arise from a store whose scope is atomic; it
  is reported at error level because it means a debit escaped its scope.

SEE ALSO:
  - engine.go: Writes and closes intents
  - api/scheduler.go: Runs Reconcile periodically
*/
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ReasonReversal marks ledger entries written by the Recoverer.
const ReasonReversal = "reversal"

// RecoveryReport counts what one reconciliation pass did.
type RecoveryReport struct {
	Completed   int `json:"completed"`
	Compensated int `json:"compensated"`
	Abandoned   int `json:"abandoned"`
	Failed      int `json:"failed"`
}

type Recoverer struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewRecoverer(store Store, log logrus.FieldLogger) *Recoverer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recoverer{store: store, log: log.WithField("component", "recoverer"), now: time.Now}
}

// Reconcile settles every intent older than staleAfter.
func (r *Recoverer) Reconcile(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport

	intents, err := r.store.StaleIntents(ctx, r.now().Add(-staleAfter))
	if err != nil {
		return report, err
	}

	var errs []error
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.settle(ctx, in, &report); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("intent %s: %w", in.TransactionID, err))
			r.log.WithError(err).WithField("tx_id", in.TransactionID).Error("failed to reconcile intent")
		}
	}

	if len(intents) > 0 {
		r.log.WithFields(logrus.Fields{
			"completed":   report.Completed,
			"compensated": report.Compensated,
			"abandoned":   report.Abandoned,
			"failed":      report.Failed,
		}).Info("reconciliation pass finished")
	}
	return report, errors.Join(errs...)
}

func (r *Recoverer) settle(ctx context.Context, in Intent, report *RecoveryReport) error {
	log := r.log.WithFields(logrus.Fields{
		"tx_id":   in.TransactionID,
		"user_id": in.UserID,
		"kind":    in.Kind,
	})

	receipt, err := r.store.ReceiptByID(ctx, in.TransactionID)
	if err != nil {
		return err
	}
	if receipt != nil {
		if err := r.store.CloseIntent(ctx, in.TransactionID); err != nil {
			return err
		}
		report.Completed++
		log.Debug("intent completed")
		return nil
	}

	entries, err := r.store.EntriesFor(ctx, in.TransactionID)
	if err != nil {
		return err
	}
	var net Points
	for _, entry := range entries {
		net += entry.Delta
	}

	if net == 0 {
		if err := r.store.CloseIntent(ctx, in.TransactionID); err != nil {
			return err
		}
		report.Abandoned++
		log.Info("intent abandoned, nothing applied")
		return nil
	}

	err = r.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.AdjustBalance(ctx, in.UserID, -net, EntryRef{Reference: in.TransactionID, Reason: ReasonReversal}); err != nil {
			return err
		}
		return tx.CloseIntent(ctx, in.TransactionID)
	})
	if err != nil {
		return err
	}
	report.Compensated++
	log.WithError(&InvariantViolationError{Subject: "unreceipted ledger delta", ID: string(in.TransactionID), Value: int64(net)}).
		Error("dangling balance change compensated")
	return nil
}
