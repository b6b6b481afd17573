// Package queue defines the messages exchanged over the redis
// settlement stream between the API and the reconcile worker.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stream names.
const (
	// StreamSettlements carries SettlementMessage events from the API.
	StreamSettlements = "settlements"
	// StreamStuckSessions carries StuckSessionMessage flags from the
	// reconcile worker.
	StreamStuckSessions = "stuck_sessions"
)

// SettlementMessage announces a successfully settled withdrawal session.
// Published by the withdraw service after MarkPaid succeeds; consumers
// use it for accounting, notifications, or export.
type SettlementMessage struct {
	PaymentID   int64  `json:"payment_id"`
	CardID      int64  `json:"card_id"`
	AmountMsats int64  `json:"amount_msats"`
	PaymentHash string `json:"payment_hash"`
}

// ToJSON serializes the SettlementMessage to JSON bytes.
func (m *SettlementMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement message: %w", err)
	}
	return data, nil
}

// FromJSONSettlement deserializes JSON bytes into a SettlementMessage and validates it.
func FromJSONSettlement(data []byte) (*SettlementMessage, error) {
	msg := &SettlementMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the SettlementMessage has all required fields with valid values.
func (m *SettlementMessage) Validate() error {
	if m.PaymentID <= 0 {
		return errors.New("payment_id must be greater than 0")
	}
	if m.CardID <= 0 {
		return errors.New("card_id must be greater than 0")
	}
	if m.AmountMsats <= 0 {
		return errors.New("amount_msats must be greater than 0")
	}
	if m.PaymentHash == "" {
		return errors.New("payment_hash is required")
	}
	if len(m.PaymentHash) != 64 {
		return fmt.Errorf("payment_hash must be 64 characters (got %d)", len(m.PaymentHash))
	}
	return nil
}

// StuckSessionMessage flags a session that holds an invoice but never
// settled. Published by the reconcile worker for manual review; nothing
// downstream may re-pay it.
type StuckSessionMessage struct {
	PaymentID  int64  `json:"payment_id"`
	CardID     int64  `json:"card_id"`
	Invoice    string `json:"invoice"`
	AgeSeconds int64  `json:"age_seconds"`
}

// ToJSON serializes the StuckSessionMessage to JSON bytes.
func (m *StuckSessionMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stuck session message: %w", err)
	}
	return data, nil
}

// FromJSONStuckSession deserializes JSON bytes into a StuckSessionMessage and validates it.
func FromJSONStuckSession(data []byte) (*StuckSessionMessage, error) {
	msg := &StuckSessionMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stuck session message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the StuckSessionMessage has all required fields with valid values.
func (m *StuckSessionMessage) Validate() error {
	if m.PaymentID <= 0 {
		return errors.New("payment_id must be greater than 0")
	}
	if m.CardID <= 0 {
		return errors.New("card_id must be greater than 0")
	}
	if m.Invoice == "" {
		return errors.New("invoice is required")
	}
	if m.AgeSeconds < 0 {
		return errors.New("age_seconds must not be negative")
	}
	return nil
}
