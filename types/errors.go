package types

import "errors"

// OracleError is the typed error carried across component boundaries.
type OracleError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *OracleError) Error() string {
	return e.Message
}

// Common error codes.
const (
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrAlreadyExists      = "ALREADY_EXISTS"
	ErrInvalidAmount      = "INVALID_AMOUNT"
	ErrUnsupportedAction  = "UNSUPPORTED_ACTION"
	ErrUnsupportedMethod  = "UNSUPPORTED_METHOD"
	ErrVerificationFailed = "VERIFICATION_FAILED"
	ErrSettlementFailed   = "SETTLEMENT_FAILED"
	ErrNetworkError       = "NETWORK_ERROR"
	ErrConfigError        = "CONFIG_ERROR"
)

// CodeIs reports whether err is an OracleError with the given code.
func CodeIs(err error, code string) bool {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

func IsNotFound(err error) bool      { return CodeIs(err, ErrNotFound) }
func IsConflict(err error) bool      { return CodeIs(err, ErrConflict) }
func IsAlreadyExists(err error) bool { return CodeIs(err, ErrAlreadyExists) }
