package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/pkg/entitlement"
)

type failingStore struct {
	*MemoryStore
	failGet bool
	failSet bool
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.failGet {
		return nil, false, errors.New("disk unavailable")
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failSet {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestLedger_UnsealIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, ok, err := l.UnsealedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	got, err := l.Unseal(ctx, first)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	got, err = l.Unseal(ctx, first.Add(72*time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(first), "second unseal must keep the first timestamp")

	stored, ok, err := l.UnsealedAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Equal(first))
}

func TestLedger_UnsealWithoutConditionalSetter(t *testing.T) {
	ctx := context.Background()
	l := New(struct{ KVStore }{NewMemoryStore()})

	first := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	_, err := l.Unseal(ctx, first)
	require.NoError(t, err)
	got, err := l.Unseal(ctx, first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(first))
}

func TestLedger_ReadFailureIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	l := New(&failingStore{MemoryStore: NewMemoryStore(), failGet: true})

	_, _, err := l.UnsealedAt(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeerrors.ErrLedger)
	assert.True(t, storeerrors.IsRetryableError(err))
}

func TestLedger_StatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, ok, err := l.Status(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	exp := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.StoreStatus(ctx, CachedStatus{State: "subscribed", Accessible: true, Expiration: exp}))

	status, ok, err := l.Status(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "subscribed", status.State)
	assert.True(t, status.Accessible)
	assert.True(t, status.Expiration.Equal(exp))
	assert.True(t, status.Grants(exp.Add(-time.Second)))
	assert.False(t, status.Grants(exp))
	assert.True(t, status.Lapsed(exp))

	require.NoError(t, l.StoreStatus(ctx, CachedStatus{State: "offline"}))
	status, _, err = l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Expiration.IsZero())
	assert.False(t, status.Lapsed(exp))
}

func TestLedger_AppendReceipts(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	now := time.Now().UTC()

	merged, err := l.AppendReceipts(ctx,
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: now},
		entitlement.Receipt{ProductIdentifier: "pro"},
	)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	merged, err = l.AppendReceipts(ctx,
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: now.Add(time.Hour)},
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t2", TransactionDate: now.Add(time.Hour)},
	)
	require.NoError(t, err)
	require.Len(t, merged, 2)

	stored, err := l.Receipts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "t1", stored[0].TransactionIdentifier)
	assert.Equal(t, "t2", stored[1].TransactionIdentifier)
}

func TestLedger_CorruptReceiptsAreDataErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, KeyReceipts, []byte("{not json")))
	l := New(store)

	_, err := l.Receipts(ctx)
	assert.ErrorIs(t, err, storeerrors.ErrInvalidReceipt)

	merged, err := l.AppendReceipts(ctx, entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t9", TransactionDate: time.Now()})
	require.NoError(t, err)
	assert.Len(t, merged, 1)
}

func TestLedger_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	_, err := l.Unseal(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, l.StoreStatus(ctx, CachedStatus{State: "interested", Accessible: true, Expiration: time.Now().Add(time.Hour)}))
	_, err = l.AppendReceipts(ctx, entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: time.Now()})
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx))
	assert.Equal(t, []string{KeyReceiptPrefix + "t1"}, store.Keys())
}

func TestLedger_ReceiptsMergeLegacyDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC().Truncate(time.Second)
	legacy, err := json.Marshal([]entitlement.Receipt{
		{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: now},
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyReceipts, legacy))
	l := New(store)

	merged, err := l.AppendReceipts(ctx,
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: now.Add(time.Hour)},
		entitlement.Receipt{ProductIdentifier: "plus", TransactionIdentifier: "t2", TransactionDate: now.Add(time.Hour)},
	)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].TransactionDate.Equal(now), "the stored receipt wins over a duplicate")
	assert.Equal(t, "t2", merged[1].TransactionIdentifier)
}

func TestLedger_AppendWritesOneEntryPerTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)
	now := time.Now().UTC()

	_, err := l.AppendReceipts(ctx,
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t1", TransactionDate: now},
		entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "t2", TransactionDate: now},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyReceiptPrefix + "t1", KeyReceiptPrefix + "t2"}, store.Keys())
}

func TestLedger_WatchUnsupported(t *testing.T) {
	l := New(NewMemoryStore())
	ok, err := l.Watch(context.Background(), func([]string) {})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil), ErrClosed)
}

func TestLedger_WriteFailureIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	l := New(struct{ KVStore }{&failingStore{MemoryStore: NewMemoryStore(), failSet: true}})

	_, err := l.Unseal(ctx, time.Now())
	assert.ErrorIs(t, err, storeerrors.ErrLedger)

	err = l.StoreStatus(ctx, CachedStatus{State: "interested", Accessible: true})
	assert.ErrorIs(t, err, storeerrors.ErrLedger)
}
