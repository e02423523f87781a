// Package platform defines the capabilities the entitlement store needs from
// the purchase platform: fetching the product catalog, submitting payments
// and probing network reachability. Implementations deliver their callbacks
// on arbitrary goroutines.
package platform

import (
	"context"
	"time"

	"github.com/podstore/podstore/pkg/entitlement"
)

// Product is one purchasable offer returned by the catalog.
type Product struct {
	Identifier  string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Price       string `json:"price,omitempty" yaml:"price,omitempty"`
}

// TransactionState mirrors the platform's payment queue states.
type TransactionState string

const (
	TxPurchasing TransactionState = "purchasing"
	TxPurchased  TransactionState = "purchased"
	TxFailed     TransactionState = "failed"
	TxRestored   TransactionState = "restored"
	TxDeferred   TransactionState = "deferred"
)

// Transaction is one update from the payment queue.
type Transaction struct {
	ID                string
	ProductIdentifier string
	State             TransactionState
	Date              time.Time
	Err               error // set when State is TxFailed
}

// Receipt converts a completed transaction into a receipt.
func (t Transaction) Receipt() entitlement.Receipt {
	return entitlement.Receipt{
		ProductIdentifier:     t.ProductIdentifier,
		TransactionIdentifier: t.ID,
		TransactionDate:       t.Date,
	}
}

// Completed reports whether the transaction granted the product.
func (t Transaction) Completed() bool {
	return t.State == TxPurchased || t.State == TxRestored
}

// CatalogFetcher loads product offers. done is called exactly once.
type CatalogFetcher interface {
	Fetch(ctx context.Context, identifiers []string, done func([]Product, error))
}

// TransactionObserver receives payment queue updates.
type TransactionObserver interface {
	TransactionsUpdated(txs []Transaction)
	RestoreFinished(err error)
}

// PaymentSubmitter submits payments and restores to the platform.
type PaymentSubmitter interface {
	Submit(productIdentifier string) error
	Restore() error
	Finish(tx Transaction) error
	AddObserver(o TransactionObserver)
	RemoveObserver(o TransactionObserver)
}

// Reachability is the result of a synchronous probe.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ReachabilityProber reports whether the store backend can be reached.
// Install replaces any previously installed callback.
type ReachabilityProber interface {
	Reachability() Reachability
	Install(onChange func(reachable bool)) error
	Remove()
}
