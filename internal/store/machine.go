// Package store runs the entitlement state machine: it decides whether the
// user is in a free trial, subscribed, or locked out, from the product
// catalog, payment transactions and the persisted ledger.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/internal/ledger"
	"github.com/podstore/podstore/internal/logging"
	"github.com/podstore/podstore/internal/metrics"
	"github.com/podstore/podstore/internal/platform"
	"github.com/podstore/podstore/pkg/entitlement"
)

const (
	// MaxOfferableProducts caps the catalog shown to the user.
	MaxOfferableProducts = 5

	DefaultReachabilityTimeout = 10 * time.Second

	ledgerTimeout = 5 * time.Second
)

// ErrStopped is returned by Start on a machine that was already stopped.
var ErrStopped = errors.New("store: machine stopped")

// Config tunes a Machine. Zero values take the defaults.
type Config struct {
	// ProductIdentifiers is the acceptable product set, in offer order.
	ProductIdentifiers []string
	MaxOffers          int
	Trial              entitlement.Period
	// ReachabilityTimeout bounds how long Resume waits for an unknown
	// reachability to resolve before going offline.
	ReachabilityTimeout time.Duration
	Now                 func() time.Time
	Metrics             *metrics.StoreMetrics
}

// Machine is the entitlement state machine. All exported methods may be
// called from any goroutine; they are applied in order on the machine's
// queue.
type Machine struct {
	queue    *Queue
	catalog  platform.CatalogFetcher
	payments platform.PaymentSubmitter
	reach    platform.ReachabilityProber
	ledger   *ledger.Ledger
	metrics  *metrics.StoreMetrics
	log      zerolog.Logger

	productOrder []string
	products     entitlement.ProductSet
	maxOffers    int
	trial        entitlement.Period
	reachTimeout time.Duration
	now          func() time.Time

	txObserver *transactionObserver
	snapshot   atomic.Pointer[Snapshot]
	stopOnce   sync.Once

	// Owned by the queue.
	ctx           context.Context
	cancel        context.CancelFunc
	started       bool
	state         State
	offers        []platform.Product
	receipts      []entitlement.Receipt
	unsealedAt    time.Time
	unsealKnown   bool
	cached        ledger.CachedStatus
	cachedKnown   bool
	fetchOwner    ulid.ULID
	purchaseOwner ulid.ULID
	reachOwner    ulid.ULID
	reachTimer    *time.Timer
	restoring     bool
	// settlePending records receipts that arrived during a purchase; the
	// rollback consults them instead of trusting the return state.
	settlePending bool
	general       GeneralObserver
	access        AccessObserver
}

// New builds a machine in the initialized state. Nothing runs until Start.
func New(cfg Config, catalog platform.CatalogFetcher, payments platform.PaymentSubmitter, reach platform.ReachabilityProber, l *ledger.Ledger) (*Machine, error) {
	switch {
	case catalog == nil:
		return nil, errors.New("catalog fetcher is required")
	case payments == nil:
		return nil, errors.New("payment submitter is required")
	case reach == nil:
		return nil, errors.New("reachability prober is required")
	case l == nil:
		return nil, errors.New("ledger is required")
	}

	products := entitlement.NewProductSet(cfg.ProductIdentifiers...)
	if len(products) == 0 {
		return nil, errors.New("at least one product identifier is required")
	}
	order := make([]string, 0, len(products))
	for _, id := range cfg.ProductIdentifiers {
		if products.Contains(id) && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}

	m := &Machine{
		queue:        NewQueue(),
		catalog:      catalog,
		payments:     payments,
		reach:        reach,
		ledger:       l,
		metrics:      cfg.Metrics,
		log:          logging.For("store"),
		productOrder: order,
		products:     products,
		maxOffers:    cfg.MaxOffers,
		trial:        cfg.Trial,
		reachTimeout: cfg.ReachabilityTimeout,
		now:          cfg.Now,
		state:        Initialized(),
	}
	if m.maxOffers <= 0 {
		m.maxOffers = MaxOfferableProducts
	}
	if m.trial.Kind == "" {
		m.trial = entitlement.Trial(entitlement.DefaultTrialDuration)
	}
	if m.reachTimeout <= 0 {
		m.reachTimeout = DefaultReachabilityTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.txObserver = &transactionObserver{m: m}

	initial := Snapshot{
		State:      m.state,
		UnsealedAt: entitlement.DistantFuture,
		At:         m.now(),
	}
	m.snapshot.Store(&initial)
	return m, nil
}

// Start loads the ledger, installs the reachability probe and payment
// observer, and watches the ledger for changes made elsewhere. It does not
// resume; call Resume when the store should start evaluating.
func (m *Machine) Start(ctx context.Context) error {
	var (
		runCtx   context.Context
		startErr error
	)
	ok := m.queue.Sync(func() {
		if m.started {
			startErr = errors.New("store: machine already started")
			return
		}
		m.started = true
		m.cancel()
		m.ctx, m.cancel = context.WithCancel(ctx)
		runCtx = m.ctx
		m.reloadLedger()
		m.commit(m.state, nil)
	})
	if !ok {
		return ErrStopped
	}
	if startErr != nil {
		return startErr
	}

	m.payments.AddObserver(m.txObserver)

	if err := m.reach.Install(m.ReachabilityChanged); err != nil {
		m.log.Warn().Err(err).Msg("Reachability probe unavailable; treating store as unreachable")
	}

	watching, err := m.ledger.Watch(runCtx, func(keys []string) {
		m.log.Debug().Strs("keys", keys).Msg("Ledger changed externally")
		m.Update()
	})
	switch {
	case err != nil:
		m.log.Warn().Err(err).Msg("Ledger watch failed; external changes apply on next update")
	case !watching:
		m.log.Debug().Msg("Ledger backend does not report external changes")
	}
	return nil
}

// Stop removes the probe and payment observer and drains the queue. Events
// sent after Stop are dropped.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		m.reach.Remove()
		m.payments.RemoveObserver(m.txObserver)
		m.queue.Sync(func() {
			m.stopReachabilityTimer()
			m.cancel()
		})
		m.queue.Close()
	})
}

// Snapshot returns the last committed snapshot. Safe from any goroutine,
// including observers.
func (m *Machine) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// State returns the last committed state.
func (m *Machine) State() State {
	return m.Snapshot().State
}

// UnsealTime is the ledger unseal time while interested, DistantFuture
// otherwise.
func (m *Machine) UnsealTime() time.Time {
	return m.Snapshot().UnsealedAt
}

// SetGeneralObserver replaces the general observer. A non-nil observer is
// immediately sent the current snapshot.
func (m *Machine) SetGeneralObserver(o GeneralObserver) {
	m.queue.Async(func() {
		m.general = o
		if o != nil {
			o.StoreChanged(m.Snapshot())
		}
	})
}

// SetAccessObserver replaces the access observer. A non-nil observer is
// immediately sent the current access flags.
func (m *Machine) SetAccessObserver(o AccessObserver) {
	m.queue.Async(func() {
		m.access = o
		if o != nil {
			a := m.Snapshot().Access
			o.AccessChanged(a.Accessible, a.Expired)
		}
	})
}

// Resume starts or continues evaluation.
func (m *Machine) Resume() { m.queue.Async(m.handleResume) }

// Online reports that the store became reachable.
func (m *Machine) Online() { m.ReachabilityChanged(true) }

// ReachabilityChanged is the reachability probe callback.
func (m *Machine) ReachabilityChanged(reachable bool) {
	m.queue.Async(func() { m.handleReachability(reachable) })
}

// Purchase starts a purchase of productID.
func (m *Machine) Purchase(productID string) {
	m.queue.Async(func() { m.handlePurchase(productID) })
}

// CancelPurchase abandons the outstanding purchase, if any.
func (m *Machine) CancelPurchase() { m.queue.Async(m.handleCancelPurchase) }

// Restore asks the payment queue to replay previous purchases.
func (m *Machine) Restore() { m.queue.Async(m.handleRestore) }

// RestoreFinished completes a restore. err non-nil moves the machine offline.
func (m *Machine) RestoreFinished(err error) {
	m.queue.Async(func() { m.handleRestoreFinished(err) })
}

// ReceiptsChanged merges receipts into the ledger and re-evaluates.
func (m *Machine) ReceiptsChanged(receipts []entitlement.Receipt) {
	receipts = slices.Clone(receipts)
	m.queue.Async(func() { m.handleReceiptsChanged(receipts) })
}

// CancelReview dismisses the store UI. When resetting, the trial clock and
// cached status are cleared and evaluation starts over.
func (m *Machine) CancelReview(resetting bool) {
	m.queue.Async(func() { m.handleCancelReview(resetting) })
}

// Update re-reads the ledger and recomputes access with a fresh clock.
func (m *Machine) Update() { m.queue.Async(m.handleUpdate) }

func (m *Machine) mustBeOnQueue() {
	if !m.queue.IsCurrent() {
		panic("store: machine state accessed off its queue")
	}
}

func (m *Machine) handleResume() {
	m.mustBeOnQueue()
	if m.state.Is(KindPurchasing, KindFetchingProducts) {
		m.commit(m.state, nil)
		return
	}

	switch m.reach.Reachability() {
	case platform.Reachable:
		m.beginFetch()
	case platform.Unreachable:
		m.commit(Offline(), storeerrors.WrapNetworkError("resume", storeerrors.ErrUnreachable))
	default:
		if m.state.Is(KindInitialized) {
			m.armReachabilityTimeout()
		}
		m.commit(m.state, nil)
	}
}

func (m *Machine) handleReachability(reachable bool) {
	m.mustBeOnQueue()
	awaiting := m.reachTimer != nil
	m.stopReachabilityTimer()

	switch {
	case reachable && m.state.Is(KindOffline, KindInitialized):
		m.beginFetch()
	case !reachable && awaiting && m.state.Is(KindInitialized):
		m.commit(Offline(), storeerrors.WrapNetworkError("resume", storeerrors.ErrUnreachable))
	default:
		m.commit(m.state, nil)
	}
}

func (m *Machine) armReachabilityTimeout() {
	m.stopReachabilityTimer()
	token := ulid.Make()
	m.reachOwner = token
	m.reachTimer = time.AfterFunc(m.reachTimeout, func() {
		m.queue.Async(func() { m.handleReachabilityTimeout(token) })
	})
}

func (m *Machine) stopReachabilityTimer() {
	if m.reachTimer != nil {
		m.reachTimer.Stop()
		m.reachTimer = nil
	}
	m.reachOwner = ulid.ULID{}
}

func (m *Machine) handleReachabilityTimeout(token ulid.ULID) {
	m.mustBeOnQueue()
	if token != m.reachOwner {
		return
	}
	m.reachTimer = nil
	m.reachOwner = ulid.ULID{}
	if !m.state.Is(KindInitialized) || m.reach.Reachability() != platform.ReachabilityUnknown {
		return
	}
	m.log.Info().Dur("waited", m.reachTimeout).Msg("Reachability unresolved; going offline")
	m.commit(Offline(), storeerrors.WrapNetworkError("resume", storeerrors.ErrUnreachable))
}

func (m *Machine) beginFetch() {
	token := ulid.Make()
	m.fetchOwner = token
	m.commit(FetchingProducts(), nil)

	m.catalog.Fetch(m.ctx, slices.Clone(m.productOrder), func(products []platform.Product, err error) {
		m.queue.Async(func() { m.handleCatalog(token, products, err) })
	})
}

func (m *Machine) handleCatalog(token ulid.ULID, products []platform.Product, err error) {
	m.mustBeOnQueue()
	if !m.state.Is(KindFetchingProducts) || token != m.fetchOwner {
		m.log.Debug().Str("token", token.String()).Msg("Dropping late catalog response")
		m.metrics.RecordLateCompletion("catalog")
		return
	}
	m.fetchOwner = ulid.ULID{}

	if err != nil {
		if storeerrors.KindOf(err) == "" {
			err = storeerrors.WrapNetworkError("fetch_catalog", err)
		}
		m.commit(Offline(), err)
		return
	}

	m.offers = m.acceptOffers(products)
	m.loadReceipts()
	m.settle(nil)
}

// acceptOffers keeps configured products in configured order, capped at
// maxOffers.
func (m *Machine) acceptOffers(products []platform.Product) []platform.Product {
	byID := make(map[string]platform.Product, len(products))
	for _, p := range products {
		if !m.products.Contains(p.Identifier) {
			m.log.Debug().Str("product_id", p.Identifier).Msg("Ignoring product outside the configured catalog")
			continue
		}
		if _, dup := byID[p.Identifier]; !dup {
			byID[p.Identifier] = p
		}
	}

	offers := make([]platform.Product, 0, len(byID))
	for _, id := range m.productOrder {
		if p, ok := byID[id]; ok {
			offers = append(offers, p)
		}
	}
	if len(offers) > m.maxOffers {
		m.log.Warn().
			Int("offered", len(offers)).
			Int("max", m.maxOffers).
			Msg("Catalog exceeds the offer limit; extra products hidden")
		offers = offers[:m.maxOffers]
	}
	return offers
}

func (m *Machine) handlePurchase(productID string) {
	m.mustBeOnQueue()
	if !m.state.Is(KindInterested, KindSubscribed, KindOffline) {
		m.commit(m.state, nil)
		return
	}
	if !m.products.Contains(productID) {
		m.commit(m.state, storeerrors.NewStoreError(storeerrors.KindData, "purchase", storeerrors.ErrUnknownProduct).WithProduct(productID))
		return
	}

	token := ulid.Make()
	m.purchaseOwner = token
	m.commit(Purchasing(productID, m.state), nil)

	go func() {
		if err := m.payments.Submit(productID); err != nil {
			m.queue.Async(func() { m.handleSubmitFailed(token, productID, err) })
		}
	}()
}

func (m *Machine) handleSubmitFailed(token ulid.ULID, productID string, err error) {
	m.mustBeOnQueue()
	if !m.state.Is(KindPurchasing) || token != m.purchaseOwner {
		m.log.Debug().Str("product_id", productID).Err(err).Msg("Dropping late payment submission failure")
		m.metrics.RecordLateCompletion("purchase")
		return
	}
	m.rollback(storeerrors.WrapPlatformError("purchase", productID, err))
}

func (m *Machine) handleCancelPurchase() {
	m.mustBeOnQueue()
	if !m.state.Is(KindPurchasing) {
		m.commit(m.state, nil)
		return
	}
	m.log.Info().Str("product_id", m.state.ProductID()).Msg("Purchase cancelled")
	m.rollback(nil)
}

// rollback abandons the outstanding purchase. It lands on the return state
// unless receipts that arrived meanwhile select a live product.
func (m *Machine) rollback(err error) {
	m.purchaseOwner = ulid.ULID{}
	if m.settlePending {
		m.settlePending = false
		if id, ok := entitlement.SelectValidProductIdentifier(m.receipts, m.products, m.now()); ok {
			m.commit(Subscribed(id), err)
			return
		}
	}
	m.commit(m.state.ReturnState(), err)
}

func (m *Machine) handleTransactions(txs []platform.Transaction) {
	m.mustBeOnQueue()

	var (
		completed []entitlement.Receipt
		purchased bool
		failure   error
	)
	pending := m.state.ProductID()
	for _, tx := range txs {
		logger := m.log.With().
			Str("transaction_id", tx.ID).
			Str("product_id", tx.ProductIdentifier).
			Str("tx_state", string(tx.State)).
			Logger()

		switch tx.State {
		case platform.TxPurchased, platform.TxRestored:
			completed = append(completed, tx.Receipt())
			if m.state.Is(KindPurchasing) && tx.ProductIdentifier == pending {
				purchased = true
			}
		case platform.TxFailed:
			logger.Warn().AnErr("reason", tx.Err).Msg("Payment transaction failed")
			if m.state.Is(KindPurchasing) && tx.ProductIdentifier == pending {
				failure = storeerrors.WrapPlatformError("purchase", tx.ProductIdentifier, tx.Err)
			}
		default:
			logger.Debug().Msg("Transaction in progress")
			continue
		}

		if err := m.payments.Finish(tx); err != nil {
			logger.Warn().Err(err).Msg("Failed to finish transaction")
		}
	}

	if len(completed) > 0 {
		m.appendReceipts(completed)
	}

	switch {
	case purchased:
		m.purchaseOwner = ulid.ULID{}
		m.settlePending = false
		m.commit(Subscribed(pending), nil)
	case failure != nil:
		if len(completed) > 0 {
			m.settlePending = true
		}
		m.rollback(failure)
	case len(completed) > 0 && !m.restoring:
		m.settleIfIdle()
	}
}

func (m *Machine) handleRestore() {
	m.mustBeOnQueue()
	if m.state.Is(KindPurchasing, KindFetchingProducts) || m.restoring {
		m.commit(m.state, nil)
		return
	}
	m.restoring = true
	m.commit(m.state, nil)

	go func() {
		if err := m.payments.Restore(); err != nil {
			m.RestoreFinished(err)
		}
	}()
}

func (m *Machine) handleRestoreFinished(err error) {
	m.mustBeOnQueue()
	if !m.restoring {
		m.log.Debug().Err(err).Msg("Ignoring restore completion with no restore outstanding")
		return
	}
	m.restoring = false

	if err != nil {
		if storeerrors.KindOf(err) == "" {
			err = storeerrors.WrapNetworkError("restore", err)
		}
		if m.state.Is(KindPurchasing, KindFetchingProducts) {
			m.commit(m.state, err)
			return
		}
		m.commit(Offline(), err)
		return
	}
	m.settleIfIdle()
}

func (m *Machine) handleReceiptsChanged(receipts []entitlement.Receipt) {
	m.mustBeOnQueue()
	m.appendReceipts(receipts)
	m.settleIfIdle()
}

func (m *Machine) handleCancelReview(resetting bool) {
	m.mustBeOnQueue()
	if m.state.Is(KindPurchasing) {
		m.handleCancelPurchase()
	} else if !resetting {
		m.commit(m.state, nil)
	}
	if !resetting {
		return
	}

	ctx, cancel := m.ledgerContext()
	defer cancel()
	if err := m.ledger.Reset(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to reset ledger")
	}
	m.unsealedAt, m.unsealKnown = time.Time{}, false
	m.cached, m.cachedKnown = ledger.CachedStatus{}, false
	m.fetchOwner = ulid.ULID{}
	m.restoring = false
	m.stopReachabilityTimer()

	m.commit(Initialized(), nil)
	m.handleResume()
}

func (m *Machine) handleUpdate() {
	m.mustBeOnQueue()
	m.reloadLedger()
	if m.state.Is(KindInterested, KindSubscribed) {
		m.settle(nil)
		return
	}
	m.commit(m.state, nil)
}

// settleIfIdle applies the receipt decision unless a fetch or purchase is
// outstanding; those settle when they complete.
func (m *Machine) settleIfIdle() {
	if m.state.Is(KindFetchingProducts, KindPurchasing) {
		if m.state.Is(KindPurchasing) {
			m.settlePending = true
		}
		m.commit(m.state, nil)
		return
	}
	m.settle(nil)
}

// settle moves to subscribed when a live receipt exists, otherwise to
// interested with the trial clock started.
func (m *Machine) settle(err error) {
	m.settlePending = false
	if id, ok := entitlement.SelectValidProductIdentifier(m.receipts, m.products, m.now()); ok {
		m.commit(Subscribed(id), err)
		return
	}

	ctx, cancel := m.ledgerContext()
	defer cancel()
	unsealedAt, uerr := m.ledger.Unseal(ctx, m.now())
	if uerr != nil {
		m.log.Warn().Err(uerr).Msg("Failed to record unseal time")
	} else {
		m.unsealedAt, m.unsealKnown = unsealedAt, true
	}
	m.commit(Interested(), err)
}

func (m *Machine) loadReceipts() {
	ctx, cancel := m.ledgerContext()
	defer cancel()
	receipts, err := m.ledger.Receipts(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read receipts")
		return
	}
	m.receipts = entitlement.MergeReceipts(m.receipts, receipts)
}

func (m *Machine) appendReceipts(receipts []entitlement.Receipt) {
	ctx, cancel := m.ledgerContext()
	defer cancel()
	merged, err := m.ledger.AppendReceipts(ctx, receipts...)
	if err != nil {
		m.log.Warn().Err(err).Int("receipts", len(receipts)).Msg("Failed to persist receipts")
		m.receipts = entitlement.MergeReceipts(m.receipts, receipts)
		return
	}
	m.receipts = entitlement.MergeReceipts(m.receipts, merged)
}

func (m *Machine) reloadLedger() {
	ctx, cancel := m.ledgerContext()
	defer cancel()

	switch at, ok, err := m.ledger.UnsealedAt(ctx); {
	case err != nil:
		m.log.Warn().Err(err).Msg("Failed to read unseal time")
	default:
		m.unsealedAt, m.unsealKnown = at, ok
	}

	switch status, ok, err := m.ledger.Status(ctx); {
	case err != nil:
		m.log.Warn().Err(err).Msg("Failed to read cached status")
	default:
		m.cached, m.cachedKnown = status, ok
	}

	// Receipts only accumulate, so ones kept in memory after a failed write
	// survive a reload.
	if receipts, err := m.ledger.Receipts(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to read receipts")
	} else {
		m.receipts = entitlement.MergeReceipts(m.receipts, receipts)
	}
}

func (m *Machine) ledgerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, ledgerTimeout)
}

// commit publishes next as the current state and notifies both observers.
// Re-emitting the current state is a commit too.
func (m *Machine) commit(next State, err error) {
	m.mustBeOnQueue()

	prev := m.state
	if !allowed(prev, next) {
		m.log.Warn().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Refusing invalid store transition")
		m.metrics.RecordRejected(string(prev.Kind()), string(next.Kind()))
		next = prev
	}
	m.state = next

	now := m.now()
	access := m.accessFor(next, now)
	snap := &Snapshot{
		State:      next,
		Products:   slices.Clone(m.offers),
		Err:        err,
		Access:     access,
		UnsealedAt: m.unsealTimeFor(next),
		At:         now,
	}
	m.snapshot.Store(snap)
	m.persistStatus(next, access, now)

	m.metrics.RecordTransition(string(prev.Kind()), string(next.Kind()))
	m.metrics.SetAccessible(access.Accessible)

	event := m.log.Debug()
	if !prev.Equal(next) {
		event = m.log.Info()
	}
	if err != nil {
		m.metrics.RecordError(string(storeerrors.KindOf(err)))
		event = m.log.Warn().Err(err)
	}
	event.
		Str("from", prev.String()).
		Str("state", next.String()).
		Bool("accessible", access.Accessible).
		Bool("expired", access.Expired).
		Msg("Store state committed")

	if m.general != nil {
		m.general.StoreChanged(*snap)
	}
	if m.access != nil {
		m.access.AccessChanged(access.Accessible, access.Expired)
	}
}

func (m *Machine) accessFor(s State, now time.Time) Access {
	switch s.Kind() {
	case KindSubscribed:
		return Access{Accessible: true}
	case KindInterested:
		if !m.unsealKnown {
			return Access{}
		}
		expired := m.trial.IsExpired(now, m.unsealedAt)
		return Access{Accessible: !expired, Expired: expired}
	case KindPurchasing:
		return m.accessFor(s.ReturnState(), now)
	default:
		if !m.cachedKnown {
			return Access{}
		}
		return Access{Accessible: m.cached.Grants(now), Expired: m.cached.Lapsed(now)}
	}
}

func (m *Machine) unsealTimeFor(s State) time.Time {
	if s.Is(KindInterested) && m.unsealKnown {
		return m.unsealedAt
	}
	return entitlement.DistantFuture
}

// persistStatus caches the decision of interested and subscribed states for
// the next cold start. Unchanged statuses are not rewritten, so a watching
// peer does not echo them back.
func (m *Machine) persistStatus(s State, access Access, now time.Time) {
	if !s.Is(KindInterested, KindSubscribed) {
		return
	}

	status := ledger.CachedStatus{
		State:      string(s.Kind()),
		Accessible: access.Accessible,
		Expiration: m.expirationFor(s, now),
	}
	if m.cachedKnown && sameStatus(m.cached, status) {
		return
	}

	ctx, cancel := m.ledgerContext()
	defer cancel()
	if err := m.ledger.StoreStatus(ctx, status); err != nil {
		m.log.Warn().Err(err).Msg("Failed to cache store status")
		return
	}
	m.cached, m.cachedKnown = status, true
}

func (m *Machine) expirationFor(s State, now time.Time) time.Time {
	switch s.Kind() {
	case KindSubscribed:
		if r, ok := entitlement.LatestLiveReceipt(m.receipts, s.ProductID(), now); ok {
			return r.TransactionDate
		}
		if m.cachedKnown && m.cached.State == string(KindSubscribed) && m.cached.Expiration.After(now) {
			return m.cached.Expiration
		}
		return entitlement.Subscription(entitlement.DefaultSubscriptionDuration).ExpiresAt(now)
	case KindInterested:
		if m.unsealKnown {
			return m.trial.ExpiresAt(m.unsealedAt)
		}
	}
	return time.Time{}
}

func sameStatus(a, b ledger.CachedStatus) bool {
	return a.State == b.State && a.Accessible == b.Accessible && a.Expiration.Equal(b.Expiration)
}

// transactionObserver forwards payment queue callbacks onto the machine's
// queue.
type transactionObserver struct {
	m *Machine
}

func (o *transactionObserver) TransactionsUpdated(txs []platform.Transaction) {
	txs = slices.Clone(txs)
	o.m.queue.Async(func() { o.m.handleTransactions(txs) })
}

func (o *transactionObserver) RestoreFinished(err error) {
	o.m.RestoreFinished(err)
}
