package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podstore/podstore/pkg/entitlement"
)

func TestFileStore_RoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyUnsealedAt, []byte("2024-05-01T08:00:00Z")))

	raw, err := os.ReadFile(filepath.Join(dir, LedgerFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "2024-05-01")

	info, err := os.Stat(filepath.Join(dir, LedgerFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(privateFilePerm), info.Mode().Perm())
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	v, ok, err := reopened.Get(ctx, KeyUnsealedAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01T08:00:00Z", string(v))

	written, err := reopened.SetIfAbsent(ctx, KeyUnsealedAt, []byte("later"))
	require.NoError(t, err)
	assert.False(t, written)

	require.NoError(t, reopened.Delete(ctx, KeyUnsealedAt))
	_, ok, err = reopened.Get(ctx, KeyUnsealedAt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_RejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", []byte("v")))
	require.NoError(t, store.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte(strings.Repeat("ab", 32)), 0o600))
	other, err := NewFileStore(dir)
	require.NoError(t, err)
	_, _, err = other.Get(ctx, "k")
	assert.ErrorContains(t, err, "decrypt ledger")
}

func TestFileStore_RejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, LedgerFileName)))

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, _, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errUnsafePath)
}

func TestFileStore_WatchReportsExternalWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	local, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	remote, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	changes := make(chan []string, 4)
	require.NoError(t, local.Watch(ctx, func(keys []string) { changes <- keys }))

	require.NoError(t, local.Set(ctx, "own", []byte("1")))
	select {
	case <-changes:
		t.Fatal("own write reported as external change")
	case <-time.After(4 * watchDebounce):
	}

	require.NoError(t, remote.Set(ctx, KeyUnsealedAt, []byte("2024-05-01T08:00:00Z")))
	select {
	case keys := <-changes:
		assert.Nil(t, keys)
	case <-time.After(3 * time.Second):
		t.Fatal("external write not reported")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	written, err := store.SetIfAbsent(ctx, KeyUnsealedAt, []byte("a"))
	require.NoError(t, err)
	assert.True(t, written)
	written, err = store.SetIfAbsent(ctx, KeyUnsealedAt, []byte("b"))
	require.NoError(t, err)
	assert.False(t, written)

	require.NoError(t, store.Set(ctx, KeyStatus, []byte(`{"state":"interested"}`)))
	require.NoError(t, store.Set(ctx, KeyStatus, []byte(`{"state":"subscribed"}`)))
	v, ok, err := store.Get(ctx, KeyStatus)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"subscribed"}`, string(v))

	v, _, err = store.Get(ctx, KeyUnsealedAt)
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	require.NoError(t, store.Delete(ctx, KeyStatus))
	_, ok, err = store.Get(ctx, KeyStatus)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Close())
	_, _, err = store.Get(ctx, KeyStatus)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteStore_BacksLedger(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	l := New(store)
	t.Cleanup(func() { _ = l.Close() })

	first := time.Date(2024, time.February, 2, 0, 0, 0, 0, time.UTC)
	_, err = l.Unseal(ctx, first)
	require.NoError(t, err)
	got, err := l.Unseal(ctx, first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(first))
}

type fakeRedis struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	published []string
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) hash(key string) map[string]string {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	return h
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hash(key)[field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hash(key)))
	for k, v := range f.hash(key) {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = string(values[i+1].([]byte))
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) HSetNX(_ context.Context, key, field string, value interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	if _, ok := h[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = string(value.([]byte))
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	for _, field := range fields {
		delete(h, field)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+" "+message.(string))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRedisStore_SharesLedgerAcrossDevices(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()

	phone, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)
	tablet, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)
	other, err := NewRedisStore(client, "acct-2")
	require.NoError(t, err)

	first := time.Date(2024, time.July, 4, 0, 0, 0, 0, time.UTC)
	_, err = New(phone).Unseal(ctx, first)
	require.NoError(t, err)

	got, err := New(tablet).Unseal(ctx, first.Add(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(first), "tablet must adopt the phone's unseal time")

	_, ok, err := New(other).UnsealedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, client.published, 1)
	assert.True(t, strings.HasPrefix(client.published[0], "podstore:ledger:acct-1:changes "+phone.device+"|"))

	require.NoError(t, tablet.Delete(ctx, KeyUnsealedAt))
	_, ok, err = phone.Get(ctx, KeyUnsealedAt)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, phone.Close())
	assert.True(t, client.closed)
}

func TestRedisStore_ConcurrentAppendsKeepEveryReceipt(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	phone, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)
	tablet, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)

	base := time.Date(2024, time.July, 4, 0, 0, 0, 0, time.UTC)
	const perDevice = 20
	var wg sync.WaitGroup
	for _, device := range []struct {
		name  string
		store *RedisStore
	}{{"phone", phone}, {"tablet", tablet}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(device.store)
			for i := 0; i < perDevice; i++ {
				_, err := l.AppendReceipts(ctx, entitlement.Receipt{
					ProductIdentifier:     "pro",
					TransactionIdentifier: fmt.Sprintf("%s-%02d", device.name, i),
					TransactionDate:       base.Add(time.Duration(i) * time.Minute),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, store := range []*RedisStore{phone, tablet} {
		receipts, err := New(store).Receipts(ctx)
		require.NoError(t, err)
		assert.Len(t, receipts, 2*perDevice)
	}
}

func TestRedisStore_AppendAfterStaleReadKeepsPeerReceipt(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	phone, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)
	tablet, err := NewRedisStore(client, "acct-1")
	require.NoError(t, err)

	now := time.Date(2024, time.July, 4, 0, 0, 0, 0, time.UTC)
	phoneLedger, tabletLedger := New(phone), New(tablet)

	// Both devices see an empty ledger before either writes.
	before, err := phoneLedger.Receipts(ctx)
	require.NoError(t, err)
	require.Empty(t, before)
	before, err = tabletLedger.Receipts(ctx)
	require.NoError(t, err)
	require.Empty(t, before)

	_, err = phoneLedger.AppendReceipts(ctx, entitlement.Receipt{ProductIdentifier: "pro", TransactionIdentifier: "phone-1", TransactionDate: now})
	require.NoError(t, err)
	merged, err := tabletLedger.AppendReceipts(ctx, entitlement.Receipt{ProductIdentifier: "plus", TransactionIdentifier: "tablet-1", TransactionDate: now})
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	receipts, err := phoneLedger.Receipts(ctx)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "phone-1", receipts[0].TransactionIdentifier)
	assert.Equal(t, "tablet-1", receipts[1].TransactionIdentifier)
}

func TestStores_ScanByPrefix(t *testing.T) {
	ctx := context.Background()
	open := map[string]func(t *testing.T) KVStore{
		"memory": func(t *testing.T) KVStore { return NewMemoryStore() },
		"file": func(t *testing.T) KVStore {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) KVStore {
			s, err := NewSQLiteStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) KVStore {
			s, err := NewRedisStore(newFakeRedis(), "acct")
			require.NoError(t, err)
			return s
		},
	}

	for name, newStore := range open {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })

			for key, value := range map[string]string{
				KeyReceiptPrefix + "a": "1",
				KeyReceiptPrefix + "b": "2",
				KeyReceipts:            "[]",
				KeyStatus:              "{}",
			} {
				require.NoError(t, store.Set(ctx, key, []byte(value)))
			}

			scanner, ok := store.(PrefixScanner)
			require.True(t, ok)
			got, err := scanner.Scan(ctx, KeyReceiptPrefix)
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				KeyReceiptPrefix + "a": []byte("1"),
				KeyReceiptPrefix + "b": []byte("2"),
			}, got)
		})
	}
}

func TestRedisStore_Validation(t *testing.T) {
	_, err := NewRedisStore(nil, "acct")
	assert.Error(t, err)
	_, err = NewRedisStore(newFakeRedis(), "  ")
	assert.Error(t, err)

	store, err := NewRedisStore(newFakeRedis(), "acct")
	require.NoError(t, err)
	assert.Error(t, store.Watch(context.Background(), func([]string) {}))
}

func TestParseAnnouncement(t *testing.T) {
	device, key, ok := parseAnnouncement("dev-1|unsealed_at")
	require.True(t, ok)
	assert.Equal(t, "dev-1", device)
	assert.Equal(t, KeyUnsealedAt, key)

	for _, bad := range []string{"", "nodelim", "|key", "dev|"} {
		_, _, ok := parseAnnouncement(bad)
		assert.False(t, ok, bad)
	}
}
