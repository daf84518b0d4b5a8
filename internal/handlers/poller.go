package handlers

import (
	"context"
	"time"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/logging"
)

// PaymentPoller periodically reconciles every open payment: provider
// orders are polled for status, claimed transactions are re-verified
// on-chain, and stale provider orders expire. Webhooks are the fast
// path; the poller is the safety net that makes lost deliveries
// harmless.
type PaymentPoller struct {
	interval time.Duration
	maxAge   time.Duration
	batch    int
	stopCh   chan struct{}
	logger   logging.Logger
}

func NewPaymentPoller(interval time.Duration, logger logging.Logger) *PaymentPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PaymentPoller{
		interval: interval,
		maxAge:   24 * time.Hour,
		batch:    200,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Start runs the poll loop until Stop is called or the context ends.
func (p *PaymentPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.WithField("interval", p.interval.String()).Info("Payment poller started")
		p.runOnce(ctx)

		for {
			select {
			case <-ticker.C:
				p.runOnce(ctx)
			case <-p.stopCh:
				p.logger.Info("Payment poller stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *PaymentPoller) Stop() {
	close(p.stopCh)
}

func (p *PaymentPoller) runOnce(ctx context.Context) {
	pending, err := store.ListPending(ctx, p.maxAge, p.batch)
	if err != nil {
		p.logger.WithError(err).Error("Failed to list pending payments")
		return
	}

	for _, rec := range pending {
		if err := p.reconcile(ctx, rec); err != nil {
			// Transient; the next tick retries.
			p.logger.WithError(err).WithField("order_id", rec.OrderID).Warn("Reconciliation deferred")
		}
	}

	expired, err := store.ExpireStale(ctx, p.maxAge)
	if err != nil {
		p.logger.WithError(err).Error("Failed to expire stale payments")
	} else if expired > 0 {
		p.logger.WithField("count", expired).Info("Expired stale payments")
	}
}

func (p *PaymentPoller) reconcile(ctx context.Context, rec *ledger.PaymentRecord) error {
	// A claimed transaction outranks the provider view: the chain is the
	// source of truth once a hash is bound.
	if rec.TxHash.Valid {
		verifier, ok := verifiers[rec.Network]
		if !ok {
			return nil
		}
		evidence, err := verifier.CollectEvidence(ctx, rec.TxHash.String)
		if err != nil {
			return err
		}
		sig := ledger.PaymentSignal{
			OrderID:     rec.OrderID,
			TxHash:      rec.TxHash.String,
			Network:     rec.Network,
			PayCurrency: "usdt",
		}
		_, err = ProcessSignal(ctx, rec, sig, evidence, nil)
		return err
	}

	if rec.PaymentID.Valid {
		payment, err := npClient.GetPaymentStatus(ctx, rec.PaymentID.String)
		if err != nil {
			return err
		}
		sig := ledger.PaymentSignal{
			OrderID:      rec.OrderID,
			PaymentID:    rec.PaymentID.String,
			PayCurrency:  payment.PayCurrency,
			PaidAmount:   ledger.ParseAmount(payment.ActuallyPaid.String(), 0),
			SourceStatus: payment.PaymentStatus,
		}
		_, err = ProcessSignal(ctx, rec, sig, nil, nil)
		return err
	}

	return nil
}
