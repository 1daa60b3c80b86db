package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider/ec2"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider/sim"
	"github.com/ianwong123/spot-manager/spot-manager/internal/store"
)

// newProvider builds the cloud provider, retrying throttled calls
func newProvider(ctx context.Context, cfg *config.Config, clk clock.Clock) (provider.Provider, error) {
	var p provider.Provider
	switch cfg.Provider.Kind {
	case "ec2":
		c, err := ec2.New(ctx, cfg.Provider.Region)
		if err != nil {
			return nil, err
		}
		p = c
	case "simulate":
		zones := cfg.AvailabilityZones
		if len(zones) == 0 {
			zones = lo.Keys(cfg.Launch.Subnets)
			sort.Strings(zones)
		}
		s := sim.New(clk, zones...)
		if cfg.Provider.SeedFile != "" {
			if err := s.LoadPrices(cfg.Provider.SeedFile); err != nil {
				return nil, err
			}
		}
		p = s
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
	return provider.NewRetrying(p, provider.DefaultBackoff, clk), nil
}

// newStore builds the price and backoff store. The returned client, if
// any, must be closed by the caller.
func newStore(cfg *config.Config) (store.Store, *redis.Client, error) {
	switch cfg.Store.Kind {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return store.NewRedis(rdb, cfg.Store.Redis.Prefix, cfg.Fleet.Name), rdb, nil
	case "file":
		return store.NewFile(cfg.Store.PriceFile, cfg.Store.BackoffFile), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}
