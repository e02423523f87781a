package reachability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/internal/platform"
)

type fakeResolver struct {
	mu        sync.Mutex
	fail      bool
	lookups   int
	refreshes int
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.fail {
		return nil, errors.New("no such host")
	}
	return []string{"192.0.2.10"}, nil
}

func (r *fakeResolver) Refresh(clearUnused bool) {
	r.mu.Lock()
	r.refreshes++
	r.mu.Unlock()
}

func (r *fakeResolver) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func TestDNSProber_ReportsChanges(t *testing.T) {
	resolver := &fakeResolver{}
	prober := NewDNSProber("store.example.com:443", WithResolver(resolver), WithInterval(10*time.Millisecond))
	assert.Equal(t, platform.ReachabilityUnknown, prober.Reachability())

	changes := make(chan bool, 8)
	require.NoError(t, prober.Install(func(reachable bool) { changes <- reachable }))
	t.Cleanup(prober.Remove)

	select {
	case got := <-changes:
		assert.True(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no reachability callback")
	}
	assert.Equal(t, platform.Reachable, prober.Reachability())

	resolver.setFail(true)
	select {
	case got := <-changes:
		assert.False(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no unreachable callback")
	}
	assert.Equal(t, platform.Unreachable, prober.Reachability())
}

func TestDNSProber_InstallReplacesPrevious(t *testing.T) {
	resolver := &fakeResolver{}
	prober := NewDNSProber("store.example.com", WithResolver(resolver), WithInterval(time.Hour))

	first := make(chan bool, 4)
	second := make(chan bool, 4)
	require.NoError(t, prober.Install(func(r bool) { first <- r }))
	<-first

	prober.Remove()
	resolver.setFail(true)
	require.NoError(t, prober.Install(func(r bool) { second <- r }))
	t.Cleanup(prober.Remove)

	select {
	case got := <-second:
		assert.False(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never fired")
	}
	assert.Empty(t, first)
}

func TestDNSProber_MalformedHostIsUnreachable(t *testing.T) {
	prober := NewDNSProber("not a host", WithResolver(&fakeResolver{}))
	err := prober.Install(func(bool) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, storeerrors.ErrUnreachable)
	assert.Equal(t, platform.Unreachable, prober.Reachability())
	prober.Remove()
}
