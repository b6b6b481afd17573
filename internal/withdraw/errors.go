package withdraw

import "errors"

// Rejection reasons surfaced to wallets. The Error() strings double as
// the "reason" field of the LNURL error body, so they are tokens, not
// sentences. Anything outside this set is an infrastructure failure and
// maps to a 500.
var (
	ErrInvalidParam     = errors.New("InvalidParam")
	ErrCardNotFound     = errors.New("CardNotFound")
	ErrUIDMismatch      = errors.New("UidMismatch")
	ErrReplay           = errors.New("Replay")
	ErrInvalidK1        = errors.New("InvalidK1")
	ErrAlreadyProcessed = errors.New("AlreadyProcessed")
	ErrBadInvoice       = errors.New("BadInvoice")
	ErrNoAmount         = errors.New("NoAmount")
	ErrTxLimit          = errors.New("TxLimit")
	ErrDayLimit         = errors.New("DayLimit")
	ErrPayFailed        = errors.New("PayFailed")
)

var rejections = []error{
	ErrInvalidParam,
	ErrCardNotFound,
	ErrUIDMismatch,
	ErrReplay,
	ErrInvalidK1,
	ErrAlreadyProcessed,
	ErrBadInvoice,
	ErrNoAmount,
	ErrTxLimit,
	ErrDayLimit,
	ErrPayFailed,
}

// Reason returns the rejection token inside err, or ("", false) when err
// is an infrastructure failure rather than a wallet-facing rejection.
func Reason(err error) (string, bool) {
	for _, rej := range rejections {
		if errors.Is(err, rej) {
			return rej.Error(), true
		}
	}
	return "", false
}
