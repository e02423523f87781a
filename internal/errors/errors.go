package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrUnreachable      = errors.New("store unreachable")
	ErrPaymentFailed    = errors.New("payment failed")
	ErrPaymentCancelled = errors.New("payment cancelled")
	ErrInvalidReceipt   = errors.New("invalid receipt")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrLedger           = errors.New("ledger unavailable")
)

// ErrorKind represents the category of error
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindPlatform    ErrorKind = "platform"
	KindData        ErrorKind = "data"
	KindPersistence ErrorKind = "persistence"
)

// StoreError is a structured error for entitlement store operations.
type StoreError struct {
	Kind      ErrorKind
	Op        string // Operation that failed (e.g., "fetch_catalog", "purchase")
	ProductID string // Product involved, if any
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnreachable:
		return e.Kind == KindNetwork
	case ErrLedger:
		return e.Kind == KindPersistence
	case ErrInvalidReceipt:
		if e.Kind == KindData {
			return true
		}
	}

	return errors.Is(e.Err, target)
}

// NewStoreError creates a new StoreError
func NewStoreError(kind ErrorKind, op string, err error) *StoreError {
	return &StoreError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithProduct adds the product identifier to the error
func (e *StoreError) WithProduct(productID string) *StoreError {
	e.ProductID = productID
	return e
}

// Network and persistence failures recover on their own once the
// collaborator comes back. Payment rejections need the user to act again.
func isRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindPersistence:
		return true
	default:
		return false
	}
}

// WrapNetworkError wraps a catalog or reachability failure.
func WrapNetworkError(op string, err error) error {
	if err == nil {
		err = ErrUnreachable
	}
	return NewStoreError(KindNetwork, op, err)
}

// WrapPlatformError wraps a payment rejection for a product.
func WrapPlatformError(op, productID string, err error) error {
	if err == nil {
		err = ErrPaymentFailed
	}
	return NewStoreError(KindPlatform, op, err).WithProduct(productID)
}

// WrapDataError wraps a malformed receipt or catalog entry.
func WrapDataError(op string, err error) error {
	return NewStoreError(KindData, op, err)
}

// WrapPersistenceError wraps a ledger read or write failure.
func WrapPersistenceError(op string, err error) error {
	return NewStoreError(KindPersistence, op, err)
}

// KindOf returns the kind of a StoreError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}
	return ""
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	return errors.Is(err, ErrUnreachable)
}
