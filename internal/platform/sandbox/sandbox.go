// Package sandbox provides in-process catalog and payment implementations.
// They behave like the platform services: every completion is delivered
// asynchronously on its own goroutine.
package sandbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/internal/platform"
	"github.com/podstore/podstore/pkg/entitlement"
)

// Catalog serves a fixed product list.
type Catalog struct {
	mu       sync.Mutex
	products map[string]platform.Product
	latency  time.Duration
	failure  error
}

// NewCatalog creates a catalog with the given offers.
func NewCatalog(products []platform.Product, latency time.Duration) *Catalog {
	c := &Catalog{
		products: make(map[string]platform.Product, len(products)),
		latency:  latency,
	}
	for _, p := range products {
		c.products[p.Identifier] = p
	}
	return c
}

// SetFailure makes subsequent fetches fail with err. Nil clears it.
func (c *Catalog) SetFailure(err error) {
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
}

// Fetch returns the known products among identifiers, in request order.
func (c *Catalog) Fetch(ctx context.Context, identifiers []string, done func([]platform.Product, error)) {
	c.mu.Lock()
	failure := c.failure
	latency := c.latency
	found := make([]platform.Product, 0, len(identifiers))
	for _, id := range identifiers {
		if p, ok := c.products[id]; ok {
			found = append(found, p)
		}
	}
	c.mu.Unlock()

	go func() {
		if latency > 0 {
			timer := time.NewTimer(latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				done(nil, storeerrors.WrapNetworkError("fetch_catalog", ctx.Err()))
				return
			case <-timer.C:
			}
		}
		if failure != nil {
			done(nil, storeerrors.WrapNetworkError("fetch_catalog", failure))
			return
		}
		done(found, nil)
	}()
}

// PaymentQueue simulates the platform payment queue. Purchased
// transactions are dated at the end of the granted period, the same way
// the platform reports an active subscription.
type PaymentQueue struct {
	mu        sync.Mutex
	observers []platform.TransactionObserver
	pending   map[string]platform.Transaction
	history   []platform.Transaction
	declines  map[string]error
	restore   error
	latency   time.Duration
	grant     time.Duration
	now       func() time.Time
}

// NewPaymentQueue creates a queue whose purchases grant the given period.
func NewPaymentQueue(grant, latency time.Duration) *PaymentQueue {
	return &PaymentQueue{
		pending:  make(map[string]platform.Transaction),
		declines: make(map[string]error),
		latency:  latency,
		grant:    grant,
		now:      time.Now,
	}
}

// Decline makes purchases of productID fail with err. Nil clears it.
func (q *PaymentQueue) Decline(productID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		delete(q.declines, productID)
		return
	}
	q.declines[productID] = err
}

// FailRestore makes the next restores fail with err. Nil clears it.
func (q *PaymentQueue) FailRestore(err error) {
	q.mu.Lock()
	q.restore = err
	q.mu.Unlock()
}

// Seed records prior purchases that Restore will replay.
func (q *PaymentQueue) Seed(receipts ...entitlement.Receipt) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range receipts {
		q.history = append(q.history, platform.Transaction{
			ID:                r.TransactionIdentifier,
			ProductIdentifier: r.ProductIdentifier,
			State:             platform.TxPurchased,
			Date:              r.TransactionDate,
		})
	}
}

// AddObserver registers o for transaction updates.
func (q *PaymentQueue) AddObserver(o platform.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slices.Contains(q.observers, o) {
		return
	}
	q.observers = append(q.observers, o)
}

// RemoveObserver unregisters o.
func (q *PaymentQueue) RemoveObserver(o platform.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = slices.DeleteFunc(q.observers, func(existing platform.TransactionObserver) bool {
		return existing == o
	})
}

// Submit starts a purchase of productID.
func (q *PaymentQueue) Submit(productID string) error {
	if productID == "" {
		return storeerrors.WrapDataError("submit_payment", storeerrors.ErrUnknownProduct)
	}

	q.mu.Lock()
	tx := platform.Transaction{
		ID:                uuid.NewString(),
		ProductIdentifier: productID,
		State:             platform.TxPurchasing,
		Date:              q.now(),
	}
	q.pending[tx.ID] = tx
	decline := q.declines[productID]
	latency := q.latency
	grant := q.grant
	q.mu.Unlock()

	log.Debug().Str("product_id", productID).Str("transaction_id", tx.ID).Msg("Sandbox payment submitted")

	go func() {
		q.publish([]platform.Transaction{tx})
		if latency > 0 {
			time.Sleep(latency)
		}

		final := tx
		if decline != nil {
			final.State = platform.TxFailed
			final.Err = decline
		} else {
			final.State = platform.TxPurchased
			final.Date = q.now().Add(grant)
		}

		q.mu.Lock()
		q.pending[final.ID] = final
		if final.Completed() {
			q.history = append(q.history, final)
		}
		q.mu.Unlock()

		q.publish([]platform.Transaction{final})
	}()
	return nil
}

// Restore replays every completed purchase as a restored transaction.
func (q *PaymentQueue) Restore() error {
	q.mu.Lock()
	restored := make([]platform.Transaction, 0, len(q.history))
	for _, tx := range q.history {
		tx.State = platform.TxRestored
		restored = append(restored, tx)
	}
	failure := q.restore
	latency := q.latency
	q.mu.Unlock()

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		if failure == nil && len(restored) > 0 {
			q.publish(restored)
		}
		for _, o := range q.snapshotObservers() {
			o.RestoreFinished(failure)
		}
	}()
	return nil
}

// Finish removes a transaction from the queue.
func (q *PaymentQueue) Finish(tx platform.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[tx.ID]; !ok {
		if tx.State == platform.TxRestored {
			return nil
		}
		return fmt.Errorf("finish transaction %s: not pending", tx.ID)
	}
	delete(q.pending, tx.ID)
	return nil
}

// Pending returns the number of unfinished transactions.
func (q *PaymentQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *PaymentQueue) snapshotObservers() []platform.TransactionObserver {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.observers)
}

func (q *PaymentQueue) publish(txs []platform.Transaction) {
	for _, o := range q.snapshotObservers() {
		o.TransactionsUpdated(txs)
	}
}
