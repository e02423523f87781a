package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/podstore/podstore/internal/config"
	"github.com/podstore/podstore/internal/logging"
	"github.com/podstore/podstore/internal/metrics"
	"github.com/podstore/podstore/internal/platform"
	"github.com/podstore/podstore/internal/platform/reachability"
	"github.com/podstore/podstore/internal/platform/sandbox"
	"github.com/podstore/podstore/internal/store"
	"github.com/podstore/podstore/internal/websocket"
	"github.com/podstore/podstore/pkg/entitlement"
)

type runOptions struct {
	purchase       string
	restore        bool
	updateInterval time.Duration
	latency        time.Duration
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the entitlement engine against the sandbox store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.purchase, "purchase", "", "purchase this product once the catalog is loaded")
	cmd.Flags().BoolVar(&opts.restore, "restore", false, "restore previous purchases after start")
	cmd.Flags().DurationVar(&opts.updateInterval, "update-interval", time.Minute, "how often access is re-evaluated while idle")
	cmd.Flags().DurationVar(&opts.latency, "sandbox-latency", 200*time.Millisecond, "simulated store latency")
	return cmd
}

func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "podstore"})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "podstore",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

func runEngine(ctx context.Context, cfg *config.Config, opts runOptions) error {
	defer logging.Shutdown()

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger")
		}
	}()

	machine, err := store.New(store.Config{
		ProductIdentifiers:  catalog.Identifiers(),
		MaxOffers:           catalog.MaxOffers,
		Trial:               cfg.TrialPeriod(),
		ReachabilityTimeout: cfg.ReachabilityTimeout,
		Metrics:             metrics.GetStoreMetrics(),
	},
		sandbox.NewCatalog(catalog.Products, opts.latency),
		sandbox.NewPaymentQueue(entitlement.DefaultSubscriptionDuration, opts.latency),
		reachability.NewDNSProber(cfg.ReachabilityHost,
			reachability.WithInterval(cfg.ReachabilityInterval),
			reachability.WithTimeout(cfg.ReachabilityTimeout),
		),
		l,
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := websocket.NewHub(func() any { return viewOf(machine.Snapshot()) })

	purchased := opts.purchase == ""
	machine.SetGeneralObserver(store.GeneralObserverFunc(func(s store.Snapshot) {
		event := log.Info()
		if s.Err != nil {
			event = log.Warn().Err(s.Err)
		}
		event.
			Str("state", s.State.String()).
			Int("offers", len(s.Products)).
			Time("unsealed_at", s.UnsealedAt).
			Msg("Store changed")
		hub.Broadcast(websocket.TypeStoreChanged, viewOf(s))

		if !purchased && s.State.Is(store.KindInterested, store.KindSubscribed) && offered(s.Products, opts.purchase) {
			purchased = true
			machine.Purchase(opts.purchase)
		}
	}))
	machine.SetAccessObserver(store.AccessObserverFunc(func(accessible, expired bool) {
		log.Info().Bool("accessible", accessible).Bool("expired", expired).Msg("Access changed")
	}))

	if err := machine.Start(ctx); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			machine.Stop()
			return fmt.Errorf("listen on %s: %w", cfg.MetricsAddr, err)
		}
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			return serveHTTP(ctx, ln, newRouter(prometheus.DefaultGatherer, machine.Snapshot, hub))
		})
	}

	machine.Resume()
	if opts.restore {
		machine.Restore()
	}

	g.Go(func() error {
		defer machine.Stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		ticker := time.NewTicker(opts.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down entitlement engine")
				return nil
			case <-hup:
				log.Info().Msg("Received SIGHUP, re-evaluating")
				machine.Resume()
			case <-ticker.C:
				machine.Update()
			}
		}
	})

	return g.Wait()
}

func offered(products []platform.Product, id string) bool {
	for _, p := range products {
		if p.Identifier == id {
			return true
		}
	}
	return false
}
