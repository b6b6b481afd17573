package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound is returned when no session matches the token or id
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrTokenExists is returned on a session token collision at insert
	ErrTokenExists = errors.New("session token already exists")
)

const paymentColumns = `payment_id, card_id, token, invoice, amount_msats,
	paid, payment_time, created_at`

// PaymentRepository handles all database operations for withdrawal
// sessions (the card_payments table).
type PaymentRepository struct {
	db *pgxpool.Pool
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{
		db: db.pool,
	}
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.PaymentID,
		&p.CardID,
		&p.Token,
		&p.Invoice,
		&p.AmountMsats,
		&p.Paid,
		&p.PaymentTime,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateSession inserts a Pending session for the card and returns its
// generated payment_id.
func (r *PaymentRepository) CreateSession(ctx context.Context, cardID int64, token string) (int64, error) {
	query := `INSERT INTO card_payments (card_id, token, created_at)
		VALUES ($1, $2, now()) RETURNING payment_id`

	var paymentID int64
	err := r.db.QueryRow(ctx, query, cardID, token).Scan(&paymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to create session for card %d: %w", cardID, err)
	}

	return paymentID, nil
}

// GetByToken retrieves a session by its LNURL token.
// Returns ErrSessionNotFound if the token is unknown.
func (r *PaymentRepository) GetByToken(ctx context.Context, token string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM card_payments WHERE token = $1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}

	return p, nil
}

// AttachInvoice stores the wallet-supplied invoice and amount, moving
// the session from Pending to Invoiced.
func (r *PaymentRepository) AttachInvoice(ctx context.Context, paymentID int64, invoice string, amountMsats int64) error {
	query := `UPDATE card_payments SET invoice = $2, amount_msats = $3 WHERE payment_id = $1`

	commandTag, err := r.db.Exec(ctx, query, paymentID, invoice, amountMsats)
	if err != nil {
		return fmt.Errorf("failed to attach invoice to session %d: %w", paymentID, err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// MarkPaid settles the session, recording the payment time atomically
// with the paid flag. The WHERE clause makes the Paid transition
// happen at most once; a second caller sees false and must treat the
// session as already processed.
func (r *PaymentRepository) MarkPaid(ctx context.Context, paymentID int64) (bool, error) {
	query := `UPDATE card_payments SET paid = true, payment_time = now()
		WHERE payment_id = $1 AND paid = false`

	commandTag, err := r.db.Exec(ctx, query, paymentID)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %d paid: %w", paymentID, err)
	}

	return commandTag.RowsAffected() > 0, nil
}

// DailyTotalMsats sums the settled amounts for a card over a rolling
// 24-hour window. A rolling window, not a calendar day: resetting at
// midnight would let a card spend two daily budgets back to back.
func (r *PaymentRepository) DailyTotalMsats(ctx context.Context, cardID int64) (int64, error) {
	query := `SELECT COALESCE(SUM(amount_msats), 0) FROM card_payments
		WHERE card_id = $1 AND paid = true AND payment_time >= now() - interval '24 hours'`

	var total int64
	err := r.db.QueryRow(ctx, query, cardID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily total for card %d: %w", cardID, err)
	}

	return total, nil
}

// FindStuckInvoiced returns sessions that hold an invoice but never
// settled, older than the cutoff. These are the residue of a crash or
// disconnect between paying the node and marking the row; the reconcile
// worker surfaces them for manual review. They are never re-paid.
func (r *PaymentRepository) FindStuckInvoiced(ctx context.Context, olderThan time.Duration) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM card_payments
		WHERE paid = false AND invoice IS NOT NULL
		AND created_at < now() - make_interval(secs => $1)
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sessions: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		payments = append(payments, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return payments, nil
}
