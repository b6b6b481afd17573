// Package withdraw implements the tap and settlement state machine:
// a card tap mints a withdrawal session, the wallet's callback settles
// it against the card's limits through the Lightning backend.
package withdraw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"boltcard-server/internal/boltcard"
	"boltcard-server/internal/database"
	"boltcard-server/internal/invoice"
	"boltcard-server/internal/lightning"
	messages "boltcard-server/internal/queue"
	"boltcard-server/pkg/logger"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

// minWithdrawableMsats is 1 sat, the floor advertised to wallets.
const minWithdrawableMsats = 1000

// CardStore is the slice of the card repository the withdrawal flow needs.
type CardStore interface {
	FindEnabled(ctx context.Context) ([]*database.Card, error)
	GetByID(ctx context.Context, cardID int64) (*database.Card, error)
	BindUID(ctx context.Context, cardID int64, uid string) error
	AdvanceCounter(ctx context.Context, cardID int64, counter int64) (bool, error)
}

// SessionStore is the slice of the payment repository the withdrawal flow needs.
type SessionStore interface {
	CreateSession(ctx context.Context, cardID int64, token string) (int64, error)
	GetByToken(ctx context.Context, token string) (*database.Payment, error)
	AttachInvoice(ctx context.Context, paymentID int64, invoice string, amountMsats int64) error
	MarkPaid(ctx context.Context, paymentID int64) (bool, error)
	DailyTotalMsats(ctx context.Context, cardID int64) (int64, error)
}

// EventPublisher posts settlement events to the stream. Optional: a nil
// publisher disables events without affecting settlements.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Service drives taps and callbacks. All durable state lives behind the
// stores; the service itself holds no mutable state and is safe for
// concurrent use.
type Service struct {
	cards    CardStore
	sessions SessionStore
	backend  lightning.Backend
	events   EventPublisher
	network  *chaincfg.Params
	domain   string
}

// NewService creates a new withdrawal service instance.
func NewService(
	cards CardStore,
	sessions SessionStore,
	backend lightning.Backend,
	events EventPublisher,
	network *chaincfg.Params,
	domain string,
) *Service {
	return &Service{
		cards:    cards,
		sessions: sessions,
		backend:  backend,
		events:   events,
		network:  network,
		domain:   domain,
	}
}

// TapRequest carries the decoded query of a card tap. CardID is zero for
// the plain /ln route and set for the indexed /ln/{card_id} variant.
type TapRequest struct {
	P      string
	C      string
	CardID int64
}

// WithdrawRequest is the LNURL-withdraw object returned to the wallet.
type WithdrawRequest struct {
	Status             string `json:"status"`
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	DefaultDescription string `json:"defaultDescription"`
	MinWithdrawable    int64  `json:"minWithdrawable"`
	MaxWithdrawable    int64  `json:"maxWithdrawable"`
}

// Tap authenticates a card tap and mints a withdrawal session.
//
// The p parameter is the card's encrypted PICC blob, c the truncated
// CMAC over its contents. A tap that fails authentication is
// indistinguishable from an unknown card: candidates that do not parse
// or verify are skipped silently and the scan continues.
func (s *Service) Tap(ctx context.Context, req TapRequest) (*WithdrawRequest, error) {
	payload, err := hex.DecodeString(req.P)
	if err != nil || len(payload) != boltcard.PayloadSize {
		return nil, ErrInvalidParam
	}
	tag, err := hex.DecodeString(req.C)
	if err != nil || len(tag) != boltcard.MACSize {
		return nil, ErrInvalidParam
	}

	candidates, err := s.candidates(ctx, req.CardID)
	if err != nil {
		return nil, err
	}

	card, uid, counter, err := s.authenticate(candidates, payload, tag)
	if err != nil {
		return nil, err
	}

	// First tap binds the UID; later taps must present the same one. The
	// conditional UPDATE also catches two first taps racing with
	// different UIDs, which would mean cloned keys.
	if card.UID != "" && card.UID != uid.Hex() {
		return nil, ErrUIDMismatch
	}
	if card.UID == "" {
		if err := s.cards.BindUID(ctx, card.CardID, uid.Hex()); err != nil {
			if errors.Is(err, database.ErrUIDConflict) {
				return nil, ErrUIDMismatch
			}
			return nil, fmt.Errorf("failed to bind card UID: %w", err)
		}
	}

	// Replay protection. The early check catches the common case; the
	// conditional UPDATE decides races, and the loser is rejected for
	// good rather than retried.
	if int64(counter.Value()) <= card.LastCounter {
		return nil, ErrReplay
	}
	advanced, err := s.cards.AdvanceCounter(ctx, card.CardID, int64(counter.Value()))
	if err != nil {
		return nil, fmt.Errorf("failed to advance tap counter: %w", err)
	}
	if !advanced {
		return nil, ErrReplay
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	paymentID, err := s.sessions.CreateSession(ctx, card.CardID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal session: %w", err)
	}

	maxSats, err := s.withdrawableSats(ctx, card)
	if err != nil {
		return nil, err
	}

	logger.Info("Tap authenticated",
		zap.Int64("card_id", card.CardID),
		zap.Int64("payment_id", paymentID),
		zap.Uint32("counter", counter.Value()),
		zap.Int64("max_withdrawable_sats", maxSats),
	)

	return &WithdrawRequest{
		Status:             "OK",
		Tag:                "withdrawRequest",
		Callback:           fmt.Sprintf("https://%s/ln/callback", s.domain),
		K1:                 token,
		DefaultDescription: fmt.Sprintf("Withdrawal from %s", card.CardName),
		MinWithdrawable:    minWithdrawableMsats,
		MaxWithdrawable:    maxSats * 1000,
	}, nil
}

// candidates resolves the cards to trial-authenticate: the indexed card
// when the route names one, every enabled card otherwise.
func (s *Service) candidates(ctx context.Context, cardID int64) ([]*database.Card, error) {
	if cardID > 0 {
		card, err := s.cards.GetByID(ctx, cardID)
		if err != nil {
			if errors.Is(err, database.ErrCardNotFound) {
				return nil, ErrCardNotFound
			}
			return nil, fmt.Errorf("failed to load card %d: %w", cardID, err)
		}
		if !card.Enabled {
			return nil, ErrCardNotFound
		}
		return []*database.Card{card}, nil
	}

	cards, err := s.cards.FindEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled cards: %w", err)
	}
	return cards, nil
}

// authenticate trial-decrypts the payload against each candidate and
// returns the first card whose CMAC verifies.
func (s *Service) authenticate(candidates []*database.Card, payload, tag []byte) (*database.Card, boltcard.UID, boltcard.Counter, error) {
	for _, card := range candidates {
		decryptKey, err := boltcard.KeyFromHex(card.K1DecryptKey)
		if err != nil {
			logger.Error("Card has malformed decrypt key",
				zap.Int64("card_id", card.CardID), zap.Error(err))
			continue
		}
		macKey, err := boltcard.KeyFromHex(card.K2MACKey)
		if err != nil {
			logger.Error("Card has malformed MAC key",
				zap.Int64("card_id", card.CardID), zap.Error(err))
			continue
		}

		plaintext, err := boltcard.DecryptPayload(decryptKey, payload)
		if err != nil {
			continue
		}
		uid, counter, err := boltcard.ParsePayload(plaintext)
		if err != nil {
			// Wrong key for this payload; another candidate may match.
			continue
		}

		ok, err := boltcard.VerifyMAC(macKey, uid, counter, tag)
		if err != nil || !ok {
			continue
		}

		return card, uid, counter, nil
	}

	return nil, boltcard.UID{}, 0, ErrCardNotFound
}

// withdrawableSats computes the budget advertised to the wallet: the
// lower of the per-transaction cap and what is left of the rolling-24h
// daily cap, clamped at zero.
func (s *Service) withdrawableSats(ctx context.Context, card *database.Card) (int64, error) {
	dailySpent, err := s.sessions.DailyTotalMsats(ctx, card.CardID)
	if err != nil {
		return 0, fmt.Errorf("failed to compute daily total: %w", err)
	}

	dailyRemaining := (card.DayLimitSats*1000 - dailySpent) / 1000
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}

	maxSats := card.TxLimitSats
	if dailyRemaining < maxSats {
		maxSats = dailyRemaining
	}
	if maxSats < 0 {
		maxSats = 0
	}
	return maxSats, nil
}

// Callback settles a withdrawal session against the wallet's invoice.
//
// token is the session k1 minted by Tap, pr the BOLT-11 payment request.
// The paid flag is the idempotency gate: a session settles at most once,
// and the backend is invoked at most once per session. A backend failure
// leaves the session Invoiced and is never retried here.
func (s *Service) Callback(ctx context.Context, token, pr string) error {
	session, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return ErrInvalidK1
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session.Paid {
		return ErrAlreadyProcessed
	}

	inv, err := invoice.Decode(s.network, pr)
	if err != nil {
		return ErrBadInvoice
	}
	amountMsats, err := inv.AmountMsats()
	if err != nil {
		return ErrNoAmount
	}
	if inv.IsExpired() {
		return ErrBadInvoice
	}

	card, err := s.cards.GetByID(ctx, session.CardID)
	if err != nil {
		return fmt.Errorf("failed to load card %d: %w", session.CardID, err)
	}

	if amountMsats > uint64(card.TxLimitSats)*1000 {
		return ErrTxLimit
	}

	dailySpent, err := s.sessions.DailyTotalMsats(ctx, card.CardID)
	if err != nil {
		return fmt.Errorf("failed to compute daily total: %w", err)
	}
	if uint64(dailySpent)+amountMsats > uint64(card.DayLimitSats)*1000 {
		return ErrDayLimit
	}

	if err := s.sessions.AttachInvoice(ctx, session.PaymentID, pr, int64(amountMsats)); err != nil {
		return fmt.Errorf("failed to attach invoice: %w", err)
	}

	result, err := s.backend.PayInvoice(ctx, inv, amountMsats)
	if err != nil {
		return fmt.Errorf("payment backend error: %w", err)
	}
	if !result.Success {
		logger.Error("Payment failed",
			zap.Int64("payment_id", session.PaymentID),
			zap.Int64("card_id", card.CardID),
			zap.String("error", result.Error),
		)
		return fmt.Errorf("%w: %s", ErrPayFailed, result.Error)
	}

	settled, err := s.sessions.MarkPaid(ctx, session.PaymentID)
	if err != nil {
		// The node paid but the row did not settle: the session stays
		// Invoiced and the reconcile worker will surface it. Never
		// re-pay from here.
		return fmt.Errorf("failed to mark session %d paid: %w", session.PaymentID, err)
	}
	if !settled {
		return ErrAlreadyProcessed
	}

	logger.Info("Withdrawal settled",
		zap.Int64("payment_id", session.PaymentID),
		zap.Int64("card_id", card.CardID),
		zap.Uint64("amount_msats", amountMsats),
	)

	s.publishSettlement(ctx, session.PaymentID, card.CardID, int64(amountMsats), inv)

	return nil
}

// publishSettlement posts the settlement event; a failure here is logged
// and never fails the request.
func (s *Service) publishSettlement(ctx context.Context, paymentID, cardID, amountMsats int64, inv *invoice.Invoice) {
	if s.events == nil {
		return
	}

	hash := inv.PaymentHash()
	msg := messages.SettlementMessage{
		PaymentID:   paymentID,
		CardID:      cardID,
		AmountMsats: amountMsats,
		PaymentHash: hex.EncodeToString(hash[:]),
	}

	msgJSON, err := msg.ToJSON()
	if err != nil {
		logger.Error("Failed to serialize SettlementMessage",
			zap.Int64("payment_id", paymentID), zap.Error(err))
		return
	}

	if _, err := s.events.Publish(ctx, messages.StreamSettlements, msgJSON); err != nil {
		logger.Error("Failed to publish SettlementMessage",
			zap.Int64("payment_id", paymentID), zap.Error(err))
	}
}

// generateToken mints the session's LNURL k1: 16 random bytes, hex.
func generateToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
