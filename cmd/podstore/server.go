package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/podstore/podstore/internal/platform"
	"github.com/podstore/podstore/internal/store"
	"github.com/podstore/podstore/internal/websocket"
	"github.com/podstore/podstore/pkg/entitlement"
)

var (
	serverShutdownTimeout = 5 * time.Second
)

// snapshotView is the JSON shape of a store snapshot.
type snapshotView struct {
	State      string             `json:"state"`
	Kind       store.Kind         `json:"kind"`
	ProductID  string             `json:"product_id,omitempty"`
	Offers     []platform.Product `json:"offers"`
	Error      string             `json:"error,omitempty"`
	Accessible bool               `json:"accessible"`
	Expired    bool               `json:"expired"`
	UnsealedAt *time.Time         `json:"unsealed_at,omitempty"`
	At         time.Time          `json:"at"`
}

func viewOf(s store.Snapshot) snapshotView {
	v := snapshotView{
		State:      s.State.String(),
		Kind:       s.State.Kind(),
		ProductID:  s.State.ProductID(),
		Offers:     s.Products,
		Accessible: s.Access.Accessible,
		Expired:    s.Access.Expired,
		At:         s.At,
	}
	if v.Offers == nil {
		v.Offers = []platform.Product{}
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if !s.UnsealedAt.IsZero() && !s.UnsealedAt.Equal(entitlement.DistantFuture) {
		t := s.UnsealedAt
		v.UnsealedAt = &t
	}
	return v
}

// newRouter wires /metrics, /healthz and the store API. snapshot and hub may
// be nil, in which case the store routes are not mounted.
func newRouter(gatherer prometheus.Gatherer, snapshot func() store.Snapshot, hub *websocket.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if snapshot != nil {
		r.Route("/api/v1/store", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if err := writeJSON(w, viewOf(snapshot())); err != nil {
					log.Warn().Err(err).Msg("Failed to write store snapshot")
				}
			})
			if hub != nil {
				r.Get("/ws", hub.HandleWebSocket)
			}
		})
	}
	return r
}

// serveHTTP serves handler on ln until ctx is done.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("HTTP endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
