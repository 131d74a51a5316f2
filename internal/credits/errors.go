package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound indicates every lookup strategy failed to locate the user document.
	ErrUserNotFound = errors.New("credits: user not found")
	// ErrConcurrentUpdate indicates the balance kept changing underneath the writer.
	ErrConcurrentUpdate = errors.New("credits: concurrent balance update")
	// ErrInsufficientCredits indicates a debit would overdraw the balance.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrInvalidAmount indicates a non-positive amount where a positive one is required.
	ErrInvalidAmount = errors.New("credits: invalid amount")
	// ErrInvalidTransactionType indicates an unknown transaction type.
	ErrInvalidTransactionType = errors.New("credits: invalid transaction type")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingResolver   = errors.New("user resolver is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opLedgerNew       = "credits.ledger.new"
	opGetBalance      = "credits.get_balance"
	opUpdateCredits   = "credits.update_credits"
	opUseCredits      = "credits.use_credits"
	opAppendLog       = "credits.append_transaction"
	opGetUserCredits  = "credits.get_user_credits"
	opListTransaction = "credits.list_transactions"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
