package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/capacity"
	"github.com/ianwong123/spot-manager/spot-manager/internal/pricing"
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Show the ranked spot quotes for the configured instance types",
	Long: `Fetch price history the same way a cycle does and print every quote,
best value first. Types in no-capacity backoff are marked.`,
	RunE: runPrices,
}

var (
	pricesJSON  bool // Output as JSON
	pricesLimit int
)

func init() {
	pricesCmd.Flags().BoolVar(&pricesJSON, "json", false, "Output quotes as JSON")
	pricesCmd.Flags().IntVarP(&pricesLimit, "limit", "n", 0, "Show only the best n quotes")
	rootCmd.AddCommand(pricesCmd)
}

func runPrices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := cfg.UtilityTable()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	clk := clock.RealClock{}
	p, err := newProvider(ctx, cfg, clk)
	if err != nil {
		return err
	}
	st, storeClient, err := newStore(cfg)
	if err != nil {
		return err
	}
	if storeClient != nil {
		defer storeClient.Close()
	}

	backoff := capacity.NewBackoff(cfg.Watcher.NoCapacityRetry)
	engine := pricing.NewEngine(p, st, backoff, table.Utility, pricing.Options{
		Params: pricing.Params{
			Percentile: cfg.Pricing.Percentile,
			History:    cfg.Pricing.History,
			Smoothing:  cfg.Pricing.Smoothing,
		},
		InstanceTypes: table.Types(),
		Zones:         cfg.AvailabilityZones,
		SubnetZones:   lo.Keys(cfg.Launch.Subnets),
		Product:       cfg.Pricing.Product,
		FetchWindow:   cfg.Pricing.FetchWindow,
		RetainWindow:  cfg.Pricing.RetainWindow,
	}, clk)

	quotes, err := engine.Quotes(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute quotes: %w", err)
	}
	if pricesLimit > 0 && len(quotes) > pricesLimit {
		quotes = quotes[:pricesLimit]
	}

	if pricesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(quotes)
	}
	return printQuotes(quotes, backoff, clk)
}

func printQuotes(quotes []pricing.Quote, backoff *capacity.Backoff, clk clock.PassiveClock) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tZONE\tUTILITY\tPRICE_80\tCURRENT\tHIGHER\tVALUE\t")
	now := clk.Now()
	for _, q := range quotes {
		note := ""
		if backoff.Blocked(q.InstanceType, now) {
			note = "no capacity"
		}
		fmt.Fprintf(w, "%s\t%s\t%g\t%.4f\t%.4f\t%.4f\t%.2f\t%s\n",
			q.InstanceType, q.Zone, q.Utility, q.Price80, q.CurrentPrice, q.HigherPrice, q.EstimatedValue, note)
	}
	return w.Flush()
}
