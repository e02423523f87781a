package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/pkg/entitlement"
)

// Ledger keys.
const (
	KeyUnsealedAt = "unsealed_at"
	KeyStatus     = "status"
	KeyExpiration = "expiration"
	KeyReceipts   = "receipts"

	// KeyReceiptPrefix prefixes the per-transaction receipt entries.
	KeyReceiptPrefix = "receipt:"
)

// CachedStatus is the access decision remembered for cold starts, before
// the first catalog round trip completes.
type CachedStatus struct {
	State      string    `json:"state"`
	Accessible bool      `json:"accessible"`
	Expiration time.Time `json:"-"`
}

// Grants reports whether the cached status still grants access at now.
func (c CachedStatus) Grants(now time.Time) bool {
	return c.Accessible && now.Before(c.Expiration)
}

// Lapsed reports whether the cached status recorded access that has since run out.
func (c CachedStatus) Lapsed(now time.Time) bool {
	return !c.Expiration.IsZero() && !now.Before(c.Expiration)
}

// Ledger is the typed view over a KVStore.
type Ledger struct {
	store KVStore
}

// New wraps store.
func New(store KVStore) *Ledger {
	return &Ledger{store: store}
}

// Store returns the underlying key/value store.
func (l *Ledger) Store() KVStore {
	return l.store
}

// UnsealedAt returns the recorded unseal time, if any.
func (l *Ledger) UnsealedAt(ctx context.Context) (time.Time, bool, error) {
	return l.getTime(ctx, KeyUnsealedAt)
}

// Unseal records now as the unseal time unless one is already stored, and
// returns the effective unseal time.
func (l *Ledger) Unseal(ctx context.Context, now time.Time) (time.Time, error) {
	encoded := []byte(now.UTC().Format(time.RFC3339Nano))

	if cs, ok := l.store.(ConditionalSetter); ok {
		written, err := cs.SetIfAbsent(ctx, KeyUnsealedAt, encoded)
		if err != nil {
			return time.Time{}, storeerrors.WrapPersistenceError("unseal", err)
		}
		if written {
			return now.UTC(), nil
		}
		existing, ok, err := l.UnsealedAt(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return existing, nil
		}
	}

	existing, ok, err := l.UnsealedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return existing, nil
	}
	if err := l.store.Set(ctx, KeyUnsealedAt, encoded); err != nil {
		return time.Time{}, storeerrors.WrapPersistenceError("unseal", err)
	}
	return now.UTC(), nil
}

// Status returns the cached access status.
func (l *Ledger) Status(ctx context.Context) (CachedStatus, bool, error) {
	raw, ok, err := l.store.Get(ctx, KeyStatus)
	if err != nil {
		return CachedStatus{}, false, storeerrors.WrapPersistenceError("read_status", err)
	}
	if !ok {
		return CachedStatus{}, false, nil
	}

	var status CachedStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return CachedStatus{}, false, storeerrors.WrapDataError("read_status", err)
	}
	expiration, ok, err := l.getTime(ctx, KeyExpiration)
	if err != nil {
		return CachedStatus{}, false, err
	}
	if ok {
		status.Expiration = expiration
	}
	return status, true, nil
}

// StoreStatus writes the cached access status.
func (l *Ledger) StoreStatus(ctx context.Context, status CachedStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := l.store.Set(ctx, KeyStatus, raw); err != nil {
		return storeerrors.WrapPersistenceError("write_status", err)
	}
	if status.Expiration.IsZero() {
		if err := l.store.Delete(ctx, KeyExpiration); err != nil {
			return storeerrors.WrapPersistenceError("write_expiration", err)
		}
		return nil
	}
	if err := l.store.Set(ctx, KeyExpiration, []byte(status.Expiration.UTC().Format(time.RFC3339Nano))); err != nil {
		return storeerrors.WrapPersistenceError("write_expiration", err)
	}
	return nil
}

// Receipts returns the accumulated receipts.
func (l *Ledger) Receipts(ctx context.Context) ([]entitlement.Receipt, error) {
	receipts, err := l.readReceipts(ctx)
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// readReceipts merges the per-transaction entries with the legacy single
// document. A corrupt entry is skipped and reported as a data error next to
// the receipts that could be read.
func (l *Ledger) readReceipts(ctx context.Context) ([]entitlement.Receipt, error) {
	var (
		receipts []entitlement.Receipt
		dataErr  error
	)

	raw, ok, err := l.store.Get(ctx, KeyReceipts)
	if err != nil {
		return nil, storeerrors.WrapPersistenceError("read_receipts", err)
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &receipts); err != nil {
			receipts = nil
			dataErr = storeerrors.WrapDataError("read_receipts", err)
		}
	}

	if scanner, ok := l.store.(PrefixScanner); ok {
		entries, err := scanner.Scan(ctx, KeyReceiptPrefix)
		if err != nil {
			return nil, storeerrors.WrapPersistenceError("read_receipts", err)
		}
		for key, raw := range entries {
			var r entitlement.Receipt
			if err := json.Unmarshal(raw, &r); err != nil {
				dataErr = storeerrors.WrapDataError("read_receipts", fmt.Errorf("%s: %w", key, err))
				continue
			}
			receipts = append(receipts, r)
		}
	}

	return entitlement.MergeReceipts(receipts, nil), dataErr
}

// AppendReceipts merges receipts into the ledger and returns the full set.
// Stores that support conditional writes and prefix scans get one entry per
// transaction, so devices appending at the same time never overwrite each
// other. Other stores rewrite a single document.
func (l *Ledger) AppendReceipts(ctx context.Context, receipts ...entitlement.Receipt) ([]entitlement.Receipt, error) {
	cs, conditional := l.store.(ConditionalSetter)
	_, scannable := l.store.(PrefixScanner)
	if conditional && scannable {
		for _, r := range entitlement.MergeReceipts(nil, receipts) {
			raw, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("marshal receipt: %w", err)
			}
			if _, err := cs.SetIfAbsent(ctx, KeyReceiptPrefix+r.TransactionIdentifier, raw); err != nil {
				return nil, storeerrors.WrapPersistenceError("write_receipts", err)
			}
		}
		merged, err := l.readReceipts(ctx)
		if err != nil && storeerrors.KindOf(err) != storeerrors.KindData {
			return nil, err
		}
		return merged, nil
	}

	existing, err := l.readReceipts(ctx)
	if err != nil && storeerrors.KindOf(err) != storeerrors.KindData {
		return nil, err
	}
	merged := entitlement.MergeReceipts(existing, receipts)
	if len(merged) == len(existing) {
		return merged, nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal receipts: %w", err)
	}
	if err := l.store.Set(ctx, KeyReceipts, raw); err != nil {
		return nil, storeerrors.WrapPersistenceError("write_receipts", err)
	}
	return merged, nil
}

// Reset forgets the unseal time and cached status. Receipts are kept.
func (l *Ledger) Reset(ctx context.Context) error {
	for _, key := range []string{KeyUnsealedAt, KeyStatus, KeyExpiration} {
		if err := l.store.Delete(ctx, key); err != nil {
			return storeerrors.WrapPersistenceError("reset", err)
		}
	}
	return nil
}

// Watch forwards external changes when the store supports it. It reports
// false when the store cannot be watched.
func (l *Ledger) Watch(ctx context.Context, onChange func(keys []string)) (bool, error) {
	w, ok := l.store.(Watcher)
	if !ok {
		return false, nil
	}
	if err := w.Watch(ctx, onChange); err != nil {
		return true, storeerrors.WrapPersistenceError("watch", err)
	}
	return true, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, storeerrors.WrapPersistenceError("read_"+key, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, false, storeerrors.WrapDataError("read_"+key, err)
	}
	return t, true, nil
}
