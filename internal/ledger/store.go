package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridianpool/treasury/pkg/logging"
)

const paymentColumns = `id, order_id, user_id, payment_id, tx_hash, network, pay_currency,
	fiat_amount, token_amount, unit_price, phase, status, pay_address, raw_payload,
	created_at, updated_at, confirmed_at`

// Store persists payment records. All uniqueness guarantees live in the
// database: order_id is the primary lookup key, payment_id and tx_hash
// carry unique indexes so two orders can never claim the same external
// payment or the same transaction.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Insert registers a new payment record. Returns ErrDuplicateKey when the
// order ID, provider payment ID, or tx hash is already taken.
func (s *Store) Insert(ctx context.Context, rec *PaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO treasury.payments (
			id, order_id, user_id, payment_id, tx_hash, network, pay_currency,
			fiat_amount, token_amount, unit_price, phase, status, pay_address,
			raw_payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())`,
		rec.ID, rec.OrderID, rec.UserID, rec.PaymentID, rec.TxHash, rec.Network,
		rec.PayCurrency, rec.FiatAmount, rec.TokenAmount, rec.UnitPrice, rec.Phase,
		rec.Status, rec.PayAddress, rec.RawPayload)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetByOrderID fetches a payment by its order ID.
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM treasury.payments WHERE order_id = $1`, orderID)
	return scanPayment(row)
}

// GetByPaymentID fetches a payment by the provider-assigned payment ID.
func (s *Store) GetByPaymentID(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM treasury.payments WHERE payment_id = $1`, paymentID)
	return scanPayment(row)
}

// GetByTxHash fetches a payment by transaction hash.
func (s *Store) GetByTxHash(ctx context.Context, txHash string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM treasury.payments WHERE tx_hash = $1`, txHash)
	return scanPayment(row)
}

// AttachTxHash binds a user-submitted transaction hash to an order. The
// unique index on tx_hash rejects a hash already claimed by another
// order. Only non-terminal records may be updated.
func (s *Store) AttachTxHash(ctx context.Context, orderID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE treasury.payments
		SET tx_hash = $1, updated_at = NOW()
		WHERE order_id = $2
		  AND status IN ($3, $4, $5)
		  AND (tx_hash IS NULL OR tx_hash = $1)`,
		txHash, orderID, StatusCreated, StatusWaiting, StatusConfirming)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to attach tx hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach tx hash: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// UpdateStatus moves a payment to a new status. The WHERE clause encodes
// the forward-only state machine: terminal records are untouchable except
// for confirmed -> finished, so stale signals fall through harmlessly.
// Returns the number of rows changed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, newStatus string, rawPayload []byte) (int64, error) {
	eligible := eligibleSourceStatuses(newStatus)
	res, err := s.db.ExecContext(ctx, `
		UPDATE treasury.payments
		SET status = $1,
		    raw_payload = COALESCE($2, raw_payload),
		    updated_at = NOW()
		WHERE order_id = $3 AND status = ANY($4)`,
		newStatus, rawPayload, orderID, pq.Array(eligible))
	if err != nil {
		return 0, fmt.Errorf("failed to update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update payment status: %w", err)
	}
	if affected == 0 {
		s.logger.WithFields(logging.Fields{
			"order_id": orderID,
			"status":   newStatus,
		}).Debug("Status update skipped, no eligible record")
	}
	return affected, nil
}

// ListPending returns records that still need reconciliation: non-terminal
// payments younger than maxAge that have either a provider payment ID to
// poll or a transaction hash to verify.
func (s *Store) ListPending(ctx context.Context, maxAge time.Duration, limit int) ([]*PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM treasury.payments
		WHERE status IN ($1, $2, $3)
		  AND created_at > NOW() - $4::interval
		  AND (payment_id IS NOT NULL OR tx_hash IS NOT NULL)
		ORDER BY created_at ASC
		LIMIT $5`,
		StatusCreated, StatusWaiting, StatusConfirming,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	var pending []*PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRows(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, rec)
	}
	return pending, rows.Err()
}

// ExpireStale marks provider-tracked payments older than maxAge as
// expired. On-chain submissions are exempt: a mined transaction stays
// valid no matter how late we learn about it.
func (s *Store) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE treasury.payments
		SET status = $1, updated_at = NOW()
		WHERE status IN ($2, $3)
		  AND tx_hash IS NULL
		  AND created_at < NOW() - $4::interval`,
		StatusExpired, StatusCreated, StatusWaiting,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale payments: %w", err)
	}
	return res.RowsAffected()
}

// eligibleSourceStatuses lists the statuses a record may currently hold
// for a transition into newStatus to be applied.
func eligibleSourceStatuses(newStatus string) []string {
	all := []string{StatusCreated, StatusWaiting, StatusConfirming,
		StatusConfirmed, StatusFinished, StatusFailed, StatusExpired, StatusCancelled}
	var eligible []string
	for _, from := range all {
		if CanTransition(from, newStatus) {
			eligible = append(eligible, from)
		}
	}
	return eligible
}

func scanPayment(row *sql.Row) (*PaymentRecord, error) {
	var rec PaymentRecord
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.UserID, &rec.PaymentID, &rec.TxHash,
		&rec.Network, &rec.PayCurrency, &rec.FiatAmount, &rec.TokenAmount, &rec.UnitPrice,
		&rec.Phase, &rec.Status, &rec.PayAddress, &rec.RawPayload,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &rec, nil
}

func scanPaymentRows(rows *sql.Rows) (*PaymentRecord, error) {
	var rec PaymentRecord
	err := rows.Scan(&rec.ID, &rec.OrderID, &rec.UserID, &rec.PaymentID, &rec.TxHash,
		&rec.Network, &rec.PayCurrency, &rec.FiatAmount, &rec.TokenAmount, &rec.UnitPrice,
		&rec.Phase, &rec.Status, &rec.PayAddress, &rec.RawPayload,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ConfirmedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
