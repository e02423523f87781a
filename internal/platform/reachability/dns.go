// Package reachability probes whether the store backend host resolves.
package reachability

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	storeerrors "github.com/podstore/podstore/internal/errors"
	"github.com/podstore/podstore/internal/platform"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Resolver is the subset of dnscache.Resolver the prober uses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	Refresh(clearUnused bool)
}

// DNSProber reports the backend reachable while its host resolves.
type DNSProber struct {
	host     string
	interval time.Duration
	timeout  time.Duration
	resolver Resolver

	mu       sync.Mutex
	state    platform.Reachability
	onChange func(bool)
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a DNSProber.
type Option func(*DNSProber)

// WithInterval sets how often the host is re-resolved.
func WithInterval(d time.Duration) Option {
	return func(p *DNSProber) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) Option {
	return func(p *DNSProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithResolver replaces the caching resolver.
func WithResolver(r Resolver) Option {
	return func(p *DNSProber) {
		if r != nil {
			p.resolver = r
		}
	}
}

// NewDNSProber creates a prober for host. A host:port value is accepted.
func NewDNSProber(host string, opts ...Option) *DNSProber {
	p := &DNSProber{
		host:     normalizeHost(host),
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		resolver: &dnscache.Resolver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func validHost(host string) bool {
	if host == "" || strings.ContainsAny(host, " /\\") {
		return false
	}
	return true
}

// Reachability returns the result of the most recent probe.
func (p *DNSProber) Reachability() platform.Reachability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Install starts probing and calls onChange whenever reachability flips.
// A previous installation is stopped first.
func (p *DNSProber) Install(onChange func(bool)) error {
	p.Remove()

	if !validHost(p.host) {
		p.mu.Lock()
		p.state = platform.Unreachable
		p.mu.Unlock()
		return storeerrors.WrapNetworkError("install_reachability", fmt.Errorf("malformed host %q", p.host))
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	p.mu.Lock()
	p.onChange = onChange
	p.stop = stop
	p.done = done
	p.mu.Unlock()

	go p.loop(stop, done)
	log.Debug().Str("host", p.host).Dur("interval", p.interval).Msg("Reachability probe installed")
	return nil
}

// Remove stops probing. Safe to call when nothing is installed.
func (p *DNSProber) Remove() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done, p.onChange = nil, nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *DNSProber) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.resolver.Refresh(true)
			p.probe(stop)
		}
	}
}

func (p *DNSProber) probe(stop chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	addrs, err := p.resolver.LookupHost(ctx, p.host)
	cancel()

	next := platform.Reachable
	if err != nil || len(addrs) == 0 {
		next = platform.Unreachable
		log.Debug().Err(err).Str("host", p.host).Msg("Reachability probe failed")
	}

	p.mu.Lock()
	select {
	case <-stop:
		p.mu.Unlock()
		return
	default:
	}
	prev := p.state
	p.state = next
	cb := p.onChange
	p.mu.Unlock()

	if prev != next && cb != nil {
		cb(next == platform.Reachable)
	}
}
