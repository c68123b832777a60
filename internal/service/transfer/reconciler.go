package transfer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/obs"
)

const reconcileBatchSize = 50

// Reconciler sweeps transactions stuck in pending past the grace window and
// finalizes them as failed. It never retries the transfer itself; the client
// decides whether to resubmit under a new key.
type Reconciler struct {
	transactions transactionRepo
	events       eventRepo
	db           *sql.DB
	logger       *slog.Logger
	interval     time.Duration
	grace        time.Duration
}

func NewReconciler(transactions transactionRepo, events eventRepo, db *sql.DB, logger *slog.Logger, interval, grace time.Duration) *Reconciler {
	return &Reconciler{
		transactions: transactions,
		events:       events,
		db:           db,
		logger:       logger,
		interval:     interval,
		grace:        grace,
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "grace", r.grace)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep finalizes one batch of stale pending transactions.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.grace)
	stale, err := r.transactions.ListPendingBefore(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return fmt.Errorf("Sweep: %w", err)
	}

	for _, txn := range stale {
		if err := r.finalize(ctx, txn.ID); err != nil {
			r.logger.Error("reconcile finalize failed", "transaction_id", txn.ID, "error", err)
			continue
		}
	}
	return nil
}

func (r *Reconciler) finalize(ctx context.Context, transactionID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Conditional on pending: a commit racing the sweep wins and the
	// update is a no-op.
	finalized, err := r.transactions.FinalizeIfPending(ctx, tx, transactionID, "commit window expired")
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if !finalized {
		return tx.Commit()
	}

	payload, _ := json.Marshal(map[string]string{"reason": "commit window expired"})
	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: transactionID,
		EventType:     domain.TransactionEventTypeFailed,
		Actor:         "reconciler",
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.events.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalize: commit: %w", err)
	}

	obs.ObserveReconciled()
	r.logger.Warn("stale pending transaction finalized as failed", "transaction_id", transactionID)
	return nil
}
