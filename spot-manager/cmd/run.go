package main

import (
	"context"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/flock"
	"github.com/ianwong123/spot-manager/spot-manager/internal/manager"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
	"github.com/ianwong123/spot-manager/spot-manager/internal/queue"
	"github.com/ianwong123/spot-manager/spot-manager/internal/spot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one planning cycle for the fleet",
	Long: `Run one planning cycle: bid for spot instances when the fleet is short of
utility, remove instances when it has too much or costs too much, and watch
new instances through setup. Exits non-zero when the settings are invalid,
another run holds the lock, or the cycle does not finish within run_interval.`,
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lock, err := flock.ForSettings(config.StateDir(), settingsPath(cfg))
	if err != nil {
		return err
	}
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Unlock()

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

	demand, demandClient, err := manager.NewDemandSource(cfg)
	if err != nil {
		return err
	}
	if demandClient != nil {
		defer demandClient.Close()
	}
	provisioner, err := manager.NewProvisioner(cfg.Provisioner)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return err
	}

	deps := spot.Deps{
		Provider:  p,
		Store:     st,
		Instances: &manager.Composite{Demand: demand, Provisioner: provisioner},
		Metrics:   recorder,
		Clock:     clk,
	}
	if demandClient != nil {
		deps.Reports = queue.NewRedisQueue(demandClient)
	}

	m, err := spot.New(cfg, deps)
	if err != nil {
		return err
	}

	glog.Infof("Starting cycle for %s", cfg.Fleet.Name)
	report, err := m.Run(ctx)
	pushMetrics(ctx, cfg, registry)
	if err != nil {
		return err
	}

	glog.Infof("Cycle %s done in %s: utility %g of %g, spending %.4f of %.4f, %d bids, %d removed, %d cancelled",
		report.ID, report.Duration, report.CurrentUtility, report.RequiredUtility,
		report.CurrentSpending, report.Budget, len(report.Bids), len(report.Removed), len(report.Cancelled))
	return nil
}

func pushMetrics(ctx context.Context, cfg *config.Config, g prometheus.Gatherer) {
	if cfg.Metrics.Pushgateway == "" {
		return
	}
	if err := metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.Pushgateway, cfg.Metrics.Job, g); err != nil {
		glog.Warningf("%v", err)
	}
}
