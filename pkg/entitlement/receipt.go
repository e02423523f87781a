package entitlement

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrMissingProductIdentifier     = errors.New("receipt missing product identifier")
	ErrMissingTransactionIdentifier = errors.New("receipt missing transaction identifier")
	ErrMissingTransactionDate       = errors.New("receipt missing transaction date")
)

// Receipt records one completed purchase transaction. Receipts are values:
// they are accumulated and filtered, never mutated.
type Receipt struct {
	ProductIdentifier     string    `json:"product_id"`
	TransactionIdentifier string    `json:"transaction_id"`
	TransactionDate       time.Time `json:"transaction_date"`
}

// Validate reports whether the receipt carries every field selection needs.
func (r Receipt) Validate() error {
	if strings.TrimSpace(r.ProductIdentifier) == "" {
		return ErrMissingProductIdentifier
	}
	if strings.TrimSpace(r.TransactionIdentifier) == "" {
		return fmt.Errorf("%w: product %s", ErrMissingTransactionIdentifier, r.ProductIdentifier)
	}
	if r.TransactionDate.IsZero() {
		return fmt.Errorf("%w: transaction %s", ErrMissingTransactionDate, r.TransactionIdentifier)
	}
	return nil
}

// MergeReceipts returns the union of existing and incoming, keyed by
// transaction identifier. An existing receipt wins over an incoming one with
// the same identifier. Invalid receipts are dropped. The result is ordered
// by transaction date, then transaction identifier.
func MergeReceipts(existing, incoming []Receipt) []Receipt {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]Receipt, 0, len(existing)+len(incoming))
	for _, batch := range [][]Receipt{existing, incoming} {
		for _, r := range batch {
			if r.Validate() != nil {
				continue
			}
			if _, dup := seen[r.TransactionIdentifier]; dup {
				continue
			}
			seen[r.TransactionIdentifier] = struct{}{}
			merged = append(merged, r)
		}
	}
	slices.SortFunc(merged, compareReceipts)
	return merged
}

func compareReceipts(a, b Receipt) int {
	if c := a.TransactionDate.Compare(b.TransactionDate); c != 0 {
		return c
	}
	return strings.Compare(a.TransactionIdentifier, b.TransactionIdentifier)
}
