package database

import (
	"time"
)

// SessionState is the lifecycle position of a payment session, derived
// from its columns rather than stored: Pending has no invoice yet,
// Invoiced has one but is unsettled, Paid is terminal.
type SessionState int

const (
	Pending SessionState = iota
	Invoiced
	Paid
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Invoiced:
		return "invoiced"
	case Paid:
		return "paid"
	default:
		return "unknown"
	}
}

// Card is a provisioned Bolt Card. The five AES keys are stored as hex;
// only K1 (payload decrypt) and K2 (tap MAC) are used by the server
// itself, the rest are handed to the programmer app and kept opaque.
// UID is empty until the first successful tap binds it.
type Card struct {
	CardID            int64      `json:"card_id" db:"card_id"`
	UID               string     `json:"uid" db:"uid"`
	K0AuthKey         string     `json:"-" db:"k0_auth_key"`
	K1DecryptKey      string     `json:"-" db:"k1_decrypt_key"`
	K2MACKey          string     `json:"-" db:"k2_mac_key"`
	K3                string     `json:"-" db:"k3"`
	K4                string     `json:"-" db:"k4"`
	LastCounter       int64      `json:"last_counter" db:"last_counter"`
	Enabled           bool       `json:"enabled" db:"enabled"`
	TxLimitSats       int64      `json:"tx_limit_sats" db:"tx_limit_sats"`
	DayLimitSats      int64      `json:"day_limit_sats" db:"day_limit_sats"`
	CardName          string     `json:"card_name" db:"card_name"`
	OneTimeCode       *string    `json:"-" db:"one_time_code"`
	OneTimeCodeExpiry *time.Time `json:"-" db:"one_time_code_expiry"`
	OneTimeCodeUsed   bool       `json:"-" db:"one_time_code_used"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Payment is one withdrawal session, minted by a successful tap. Token
// is the LNURL "k1" query value (16 random bytes, hex); the name avoids
// the clash with the card key K1. Invoice and AmountMsats stay nil until
// the wallet's callback attaches them.
type Payment struct {
	PaymentID   int64      `json:"payment_id" db:"payment_id"`
	CardID      int64      `json:"card_id" db:"card_id"`
	Token       string     `json:"token" db:"token"`
	Invoice     *string    `json:"invoice,omitempty" db:"invoice"`
	AmountMsats *int64     `json:"amount_msats,omitempty" db:"amount_msats"`
	Paid        bool       `json:"paid" db:"paid"`
	PaymentTime *time.Time `json:"payment_time,omitempty" db:"payment_time"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// State derives the session lifecycle position.
func (p *Payment) State() SessionState {
	switch {
	case p.Paid:
		return Paid
	case p.Invoice != nil:
		return Invoiced
	default:
		return Pending
	}
}
