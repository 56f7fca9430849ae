package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure returned from a mutation entry point.
type Code string

// Standard error codes for the chat core
const (
	// Status machine
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeSendFailed          Code = "SEND_FAILED"

	// Resource errors
	CodeNotFound     Code = "NOT_FOUND"
	CodeForbidden    Code = "FORBIDDEN" // acting user is not the author
	CodeInvalidInput Code = "INVALID_INPUT"

	// Gift economy
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeDebitFailed              Code = "DEBIT_FAILED"
	CodeEmissionFailedAfterDebit Code = "EMISSION_FAILED_AFTER_DEBIT"
	CodeTransactionInFlight      Code = "TRANSACTION_IN_FLIGHT"
)

// AppError is the typed result handed back to callers instead of a bare error string.
type AppError struct {
	Code    Code
	Message string
	Origin  error // Original error that caused this error, if any

	// Shortfall is set for CodeInsufficientBalance.
	Shortfall int64
	// Compensated is set for CodeEmissionFailedAfterDebit and reports whether
	// the credit-back landed.
	Compensated bool
}

func (e *AppError) Error() string {
	if e.Origin != nil {
		return e.Message + ": " + e.Origin.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Origin
}

// New builds an AppError with the given code.
func New(code Code, message string, origin error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Origin:  origin,
	}
}

func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
	}
}

func Forbidden(reason string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: "forbidden: " + reason,
	}
}

func InvalidInput(reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: "invalid input: " + reason,
	}
}

func InvalidTransition(messageID string, from, to string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("invalid status transition for message %s: %s -> %s", messageID, from, to),
	}
}

func ConfirmationTimeout(messageID string) *AppError {
	return &AppError{
		Code:    CodeConfirmationTimeout,
		Message: "no confirmation received for message " + messageID,
	}
}

// SendFailed marks a message the backend rejected or never answered.
func SendFailed(messageID string, origin error) *AppError {
	return &AppError{
		Code:    CodeSendFailed,
		Message: "message could not be sent: " + messageID,
		Origin:  origin,
	}
}

func InsufficientBalance(price, balance int64) *AppError {
	return &AppError{
		Code:      CodeInsufficientBalance,
		Message:   fmt.Sprintf("insufficient balance. Required: %d, Actual: %d", price, balance),
		Shortfall: price - balance,
	}
}

func DebitFailed(origin error) *AppError {
	return &AppError{
		Code:    CodeDebitFailed,
		Message: "debit rejected",
		Origin:  origin,
	}
}

func EmissionFailedAfterDebit(origin error, compensated bool) *AppError {
	msg := "gift message emission failed after debit, balance credited back"
	if !compensated {
		msg = "gift message emission failed after debit, credit-back did not complete"
	}
	return &AppError{
		Code:        CodeEmissionFailedAfterDebit,
		Message:     msg,
		Origin:      origin,
		Compensated: compensated,
	}
}

func TransactionInFlight(senderID string) *AppError {
	return &AppError{
		Code:    CodeTransactionInFlight,
		Message: "a gift transaction is already in flight for sender " + senderID,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
