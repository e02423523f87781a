package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/podstore/podstore/internal/config"
	"github.com/podstore/podstore/internal/ledger"
	"github.com/podstore/podstore/internal/logging"
	"github.com/podstore/podstore/pkg/entitlement"
)

type statusReport struct {
	UnsealedAt       *time.Time            `json:"unsealed_at,omitempty"`
	TrialEndsAt      *time.Time            `json:"trial_ends_at,omitempty"`
	TrialExpired     bool                  `json:"trial_expired"`
	ActiveProduct    string                `json:"active_product,omitempty"`
	CachedState      string                `json:"cached_state,omitempty"`
	CachedAccessible bool                  `json:"cached_accessible"`
	CachedExpiration *time.Time            `json:"cached_expiration,omitempty"`
	Receipts         []entitlement.Receipt `json:"receipts"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger's trial clock, cached status and receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Shutdown()

			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			var acceptable entitlement.ProductSet
			if catalog, err := config.LoadCatalog(cfg.CatalogFile); err != nil {
				log.Warn().Err(err).Msg("Catalog unavailable; active product not evaluated")
			} else {
				acceptable = entitlement.NewProductSet(catalog.Identifiers()...)
			}

			report, err := buildStatus(cmd.Context(), l, cfg.TrialPeriod(), acceptable, time.Now())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			writeStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func buildStatus(ctx context.Context, l *ledger.Ledger, trial entitlement.Period, acceptable entitlement.ProductSet, now time.Time) (statusReport, error) {
	var report statusReport

	unsealedAt, ok, err := l.UnsealedAt(ctx)
	if err != nil {
		return report, err
	}
	if ok {
		ends := trial.ExpiresAt(unsealedAt)
		report.UnsealedAt = &unsealedAt
		report.TrialEndsAt = &ends
		report.TrialExpired = trial.IsExpired(now, unsealedAt)
	}

	status, ok, err := l.Status(ctx)
	if err != nil {
		return report, err
	}
	if ok {
		report.CachedState = status.State
		report.CachedAccessible = status.Grants(now)
		if !status.Expiration.IsZero() {
			exp := status.Expiration
			report.CachedExpiration = &exp
		}
	}

	receipts, err := l.Receipts(ctx)
	if err != nil {
		return report, err
	}
	report.Receipts = receipts
	if report.Receipts == nil {
		report.Receipts = []entitlement.Receipt{}
	}
	if id, ok := entitlement.SelectValidProductIdentifier(receipts, acceptable, now); ok {
		report.ActiveProduct = id
	}
	return report, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(w io.Writer, r statusReport) {
	if r.UnsealedAt == nil {
		fmt.Fprintln(w, "Trial:    not started")
	} else {
		state := "running"
		if r.TrialExpired {
			state = "expired"
		}
		fmt.Fprintf(w, "Trial:    %s (started %s, ends %s)\n", state, r.UnsealedAt.Format(time.RFC3339), r.TrialEndsAt.Format(time.RFC3339))
	}
	if r.ActiveProduct != "" {
		fmt.Fprintf(w, "Active:   %s\n", r.ActiveProduct)
	}
	if r.CachedState != "" {
		fmt.Fprintf(w, "Cached:   %s (accessible=%t)\n", r.CachedState, r.CachedAccessible)
	}
	fmt.Fprintf(w, "Receipts: %d\n", len(r.Receipts))
	for _, rc := range r.Receipts {
		fmt.Fprintf(w, "  %s  %s  %s\n", rc.TransactionDate.Format(time.RFC3339), rc.ProductIdentifier, rc.TransactionIdentifier)
	}
}
