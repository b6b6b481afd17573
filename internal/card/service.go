// Package card handles provisioning: creating card records with fresh
// keys and handing those keys to the programming app through a one-time
// code exchange.
package card

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"boltcard-server/internal/boltcard"
	"boltcard-server/internal/database"
	"boltcard-server/pkg/logger"

	"go.uber.org/zap"
)

// Custom errors for provisioning operations
var (
	ErrCardNotFound = errors.New("card not found")
	ErrCodeInvalid  = errors.New("one-time code is invalid, used, or expired")
)

// codeValidity is how long a programming code stays redeemable.
const codeValidity = 24 * time.Hour

// Defaults are the spend limits applied when a creation request leaves
// them unset, taken from configuration.
type Defaults struct {
	TxLimitSats  int64
	DayLimitSats int64
}

// CardStore is the slice of the card repository provisioning needs.
type CardStore interface {
	Create(ctx context.Context, card *database.Card) (int64, error)
	GetByOneTimeCode(ctx context.Context, code string) (*database.Card, error)
	MarkOneTimeCodeUsed(ctx context.Context, cardID int64) error
}

// Service handles card provisioning business logic
type Service struct {
	cardRepo CardStore
	domain   string
	defaults Defaults
}

// NewService creates a new provisioning service instance
func NewService(cardRepo CardStore, domain string, defaults Defaults) *Service {
	return &Service{
		cardRepo: cardRepo,
		domain:   domain,
		defaults: defaults,
	}
}

// CreateCardRequest contains the parameters for creating a new card.
// Zero limits fall back to the configured defaults.
type CreateCardRequest struct {
	CardName     string
	TxLimitSats  int64
	DayLimitSats int64
}

// CreateCardResponse contains the created card details and the URL the
// programming app must open to fetch the keys.
type CreateCardResponse struct {
	CardID         int64  `json:"card_id"`
	CardName       string `json:"card_name"`
	ProgrammingURL string `json:"url"`
}

// CreateCard provisions a card record: five fresh AES keys, a one-time
// programming code, and the spend limits. The keys never appear in the
// response; the programming app retrieves them by redeeming the code.
func (s *Service) CreateCard(ctx context.Context, req CreateCardRequest) (*CreateCardResponse, error) {
	if req.CardName == "" {
		return nil, errors.New("card_name is required")
	}
	if req.TxLimitSats < 0 || req.DayLimitSats < 0 {
		return nil, errors.New("limits must not be negative")
	}

	txLimit := req.TxLimitSats
	if txLimit == 0 {
		txLimit = s.defaults.TxLimitSats
	}
	dayLimit := req.DayLimitSats
	if dayLimit == 0 {
		dayLimit = s.defaults.DayLimitSats
	}

	keys := make([]boltcard.Key, 5)
	for i := range keys {
		k, err := boltcard.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate card key: %w", err)
		}
		keys[i] = k
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate one-time code: %w", err)
	}
	expiry := time.Now().UTC().Add(codeValidity)

	card := &database.Card{
		UID:               "",
		K0AuthKey:         keys[0].Hex(),
		K1DecryptKey:      keys[1].Hex(),
		K2MACKey:          keys[2].Hex(),
		K3:                keys[3].Hex(),
		K4:                keys[4].Hex(),
		LastCounter:       0,
		Enabled:           true,
		TxLimitSats:       txLimit,
		DayLimitSats:      dayLimit,
		CardName:          req.CardName,
		OneTimeCode:       &code,
		OneTimeCodeExpiry: &expiry,
		CreatedAt:         time.Now().UTC(),
	}

	cardID, err := s.cardRepo.Create(ctx, card)
	if err != nil {
		if errors.Is(err, database.ErrOneTimeCodeExists) {
			// 16 random bytes colliding means something is badly wrong
			// with the entropy source.
			return nil, fmt.Errorf("one-time code collision (unexpected): %w", err)
		}
		return nil, fmt.Errorf("failed to save card: %w", err)
	}

	logger.Info("Card created",
		zap.Int64("card_id", cardID),
		zap.String("card_name", req.CardName),
		zap.Int64("tx_limit_sats", txLimit),
		zap.Int64("day_limit_sats", dayLimit),
	)

	return &CreateCardResponse{
		CardID:         cardID,
		CardName:       req.CardName,
		ProgrammingURL: fmt.Sprintf("https://%s/new?a=%s", s.domain, code),
	}, nil
}

// KeysResponse is the create_bolt_card_response payload consumed by the
// card programming apps.
type KeysResponse struct {
	ProtocolName    string `json:"protocol_name"`
	ProtocolVersion int    `json:"protocol_version"`
	CardName        string `json:"card_name"`
	LNURLWBase      string `json:"lnurlw_base"`
	K0              string `json:"k0"`
	K1              string `json:"k1"`
	K2              string `json:"k2"`
	K3              string `json:"k3"`
	K4              string `json:"k4"`
}

// Register redeems a one-time programming code and returns the card
// keys. The code is burned on first use: a second redemption fails even
// within the validity window.
func (s *Service) Register(ctx context.Context, code string) (*KeysResponse, error) {
	if code == "" {
		return nil, ErrCodeInvalid
	}

	card, err := s.cardRepo.GetByOneTimeCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrCardNotFound) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("failed to look up one-time code: %w", err)
	}

	if err := s.cardRepo.MarkOneTimeCodeUsed(ctx, card.CardID); err != nil {
		return nil, fmt.Errorf("failed to burn one-time code: %w", err)
	}

	logger.Info("Card keys handed to programmer",
		zap.Int64("card_id", card.CardID),
		zap.String("card_name", card.CardName),
	)

	return &KeysResponse{
		ProtocolName:    "create_bolt_card_response",
		ProtocolVersion: 2,
		CardName:        card.CardName,
		LNURLWBase:      fmt.Sprintf("lnurlw://%s/ln/%d", s.domain, card.CardID),
		K0:              card.K0AuthKey,
		K1:              card.K1DecryptKey,
		K2:              card.K2MACKey,
		K3:              card.K3,
		K4:              card.K4,
	}, nil
}

// generateCode mints the one-time programming code: 16 random bytes, hex.
func generateCode() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
