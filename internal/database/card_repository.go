package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCardNotFound is returned when a card is not found in the database
	ErrCardNotFound = errors.New("card not found")
	// ErrOneTimeCodeExists is returned on a one-time-code collision at insert
	ErrOneTimeCodeExists = errors.New("one-time code already exists")
	// ErrUIDConflict is returned when BindUID targets a card whose UID is
	// already bound to a different value
	ErrUIDConflict = errors.New("card UID already bound to a different value")
)

const cardColumns = `card_id, uid, k0_auth_key, k1_decrypt_key, k2_mac_key, k3, k4,
	last_counter, enabled, tx_limit_sats, day_limit_sats, card_name,
	one_time_code, one_time_code_expiry, one_time_code_used, created_at`

// CardRepository handles all database operations for cards
type CardRepository struct {
	db *pgxpool.Pool
}

// NewCardRepository creates a new card repository instance
func NewCardRepository(db *DB) *CardRepository {
	return &CardRepository{
		db: db.pool,
	}
}

func scanCard(row pgx.Row) (*Card, error) {
	var card Card
	err := row.Scan(
		&card.CardID,
		&card.UID,
		&card.K0AuthKey,
		&card.K1DecryptKey,
		&card.K2MACKey,
		&card.K3,
		&card.K4,
		&card.LastCounter,
		&card.Enabled,
		&card.TxLimitSats,
		&card.DayLimitSats,
		&card.CardName,
		&card.OneTimeCode,
		&card.OneTimeCodeExpiry,
		&card.OneTimeCodeUsed,
		&card.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// Create inserts a new card and returns its generated card_id.
// Returns ErrOneTimeCodeExists if the one-time code collides.
func (r *CardRepository) Create(ctx context.Context, card *Card) (int64, error) {
	query := `INSERT INTO cards (
		uid, k0_auth_key, k1_decrypt_key, k2_mac_key, k3, k4,
		last_counter, enabled, tx_limit_sats, day_limit_sats, card_name,
		one_time_code, one_time_code_expiry, one_time_code_used, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING card_id`

	var cardID int64
	err := r.db.QueryRow(
		ctx,
		query,
		card.UID,
		card.K0AuthKey,
		card.K1DecryptKey,
		card.K2MACKey,
		card.K3,
		card.K4,
		card.LastCounter,
		card.Enabled,
		card.TxLimitSats,
		card.DayLimitSats,
		card.CardName,
		card.OneTimeCode,
		card.OneTimeCodeExpiry,
		card.OneTimeCodeUsed,
		card.CreatedAt,
	).Scan(&cardID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" && pgErr.ConstraintName == "cards_one_time_code_key" {
				return 0, ErrOneTimeCodeExists
			}
		}
		return 0, fmt.Errorf("failed to create card: %w", err)
	}

	return cardID, nil
}

// GetByID retrieves a card by its id.
// Returns ErrCardNotFound if the id does not exist.
func (r *CardRepository) GetByID(ctx context.Context, cardID int64) (*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE card_id = $1`

	card, err := scanCard(r.db.QueryRow(ctx, query, cardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to get card %d: %w", cardID, err)
	}

	return card, nil
}

// FindEnabled returns every enabled card, ordered by id. The tap handler
// trial-decrypts the payload against each of them when the URL does not
// name a card.
func (r *CardRepository) FindEnabled(ctx context.Context) ([]*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE enabled = true ORDER BY card_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled cards: %w", err)
	}
	defer rows.Close()

	var cards []*Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, card)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return cards, nil
}

// GetByOneTimeCode retrieves a card whose registration code is unused and
// unexpired. Returns ErrCardNotFound otherwise.
func (r *CardRepository) GetByOneTimeCode(ctx context.Context, code string) (*Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards
		WHERE one_time_code = $1 AND one_time_code_used = false
		AND one_time_code_expiry > now()`

	card, err := scanCard(r.db.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to get card by one-time code: %w", err)
	}

	return card, nil
}

// MarkOneTimeCodeUsed burns the registration code so the programming
// response can only be fetched once.
func (r *CardRepository) MarkOneTimeCodeUsed(ctx context.Context, cardID int64) error {
	query := `UPDATE cards SET one_time_code_used = true WHERE card_id = $1`

	commandTag, err := r.db.Exec(ctx, query, cardID)
	if err != nil {
		return fmt.Errorf("failed to mark one-time code used for card %d: %w", cardID, err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrCardNotFound
	}

	return nil
}

// BindUID sets the card's UID on first use. Re-binding the same value is
// a no-op; binding over a different value returns ErrUIDConflict.
func (r *CardRepository) BindUID(ctx context.Context, cardID int64, uid string) error {
	query := `UPDATE cards SET uid = $2 WHERE card_id = $1 AND (uid = '' OR uid = $2)`

	commandTag, err := r.db.Exec(ctx, query, cardID, uid)
	if err != nil {
		return fmt.Errorf("failed to bind UID for card %d: %w", cardID, err)
	}

	if commandTag.RowsAffected() == 0 {
		// Either the card is gone or its UID is bound to something else.
		if _, err := r.GetByID(ctx, cardID); err != nil {
			return err
		}
		return ErrUIDConflict
	}

	return nil
}

// AdvanceCounter assigns newCounter only if it is strictly greater than
// the stored value, in a single conditional UPDATE. The comparison and
// the write share one statement: this is the replay-protection primitive
// and a read-then-write version would race under concurrent taps.
// Returns whether the row was updated.
func (r *CardRepository) AdvanceCounter(ctx context.Context, cardID int64, newCounter int64) (bool, error) {
	query := `UPDATE cards SET last_counter = $2 WHERE card_id = $1 AND last_counter < $2`

	commandTag, err := r.db.Exec(ctx, query, cardID, newCounter)
	if err != nil {
		return false, fmt.Errorf("failed to advance counter for card %d: %w", cardID, err)
	}

	return commandTag.RowsAffected() > 0, nil
}
