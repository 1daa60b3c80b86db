package main

import (
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ianwong123/spot-manager/spot-manager/internal/demand"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demand ingest API",
	Long: `Serve POST /demand, where workload owners report how much utility their
fleet needs, plus GET /healthz and GET /metrics. Reports are kept in the
redis named by demand.redis and read by "run" when demand.kind is redis.

A report that jumps well above the previous one for its fleet also pushes a
surge job onto the ` + demand.SurgeQueueKey + ` list, at most once per cooldown.
Nothing in spot-manager reads that list: it is a feed for whatever schedules
"run", so a surge can trigger a cycle ahead of the next interval.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides serve.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Serve.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Demand.Redis.Addr,
		Password: cfg.Demand.Redis.Password,
		DB:       cfg.Demand.Redis.DB,
	})
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return err
	}

	server := NewAPIServer(demand.NewAggregatorFromClient(rdb), recorder, registry)
	glog.Infof("Starting server on %s", addr)
	return server.Start(cmd.Context(), addr)
}
