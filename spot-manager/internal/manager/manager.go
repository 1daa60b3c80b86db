// Package manager provides the instance managers the spot manager runs
// with: where demand comes from and how instances are set up.
package manager

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/demand"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/queue"
	"github.com/ianwong123/spot-manager/spot-manager/internal/spot"
)

var _ spot.InstanceManager = (*Composite)(nil)

// Composite is an InstanceManager made of a demand source and a provisioner
type Composite struct {
	Demand      DemandSource
	Provisioner Provisioner
}

func (c *Composite) RequiredUtility(ctx context.Context, current float64) (float64, error) {
	u, err := c.Demand.RequiredUtility(ctx, current)
	if err != nil {
		return 0, fmt.Errorf("failed to get demand: %w", err)
	}
	return u, nil
}

func (c *Composite) Setup(ctx context.Context, inst *provider.Instance, spec config.UtilitySpec) error {
	return c.Provisioner.Setup(ctx, inst, spec)
}

func (c *Composite) Teardown(ctx context.Context, inst *provider.Instance) error {
	return c.Provisioner.Teardown(ctx, inst)
}

func (c *Composite) SetupRequired() bool {
	return c.Provisioner.Required()
}

// NewDemandSource builds the demand source cfg asks for. The returned redis
// client, if any, is shared with the caller for cycle reports.
func NewDemandSource(cfg *config.Config) (DemandSource, *redis.Client, error) {
	d := cfg.Demand
	var (
		src DemandSource
		rdb *redis.Client
	)
	switch d.Kind {
	case "static":
		src = StaticDemand{Utility: d.StaticUtility}
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     d.Redis.Addr,
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
		})
		src = &RedisDemand{
			Fleet:         cfg.Fleet.Name,
			Latest:        demand.NewAggregatorFromClient(rdb),
			Queue:         queue.NewRedisQueue(rdb),
			QueueName:     d.Queue,
			UtilityPerJob: d.UtilityPerJob,
		}
	case "kube":
		restConfig, err := clientcmd.BuildConfigFromFlags("", d.Kube.Kubeconfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		src = &KubeDemand{
			Client:    client,
			Namespace: d.Kube.Namespace,
			Selector:  d.Kube.Selector,
			Headroom:  d.Kube.Headroom,
		}
	default:
		return nil, nil, fmt.Errorf("unknown demand kind %q", d.Kind)
	}

	if d.MinUtility > 0 || d.MaxUtility > 0 {
		src = Bounded{Source: src, Min: d.MinUtility, Max: d.MaxUtility}
	}
	return src, rdb, nil
}

// NewProvisioner builds the provisioner cfg asks for
func NewProvisioner(cfg config.ProvisionerConfig) (Provisioner, error) {
	switch cfg.Kind {
	case "", "none":
		return NoneProvisioner{}, nil
	case "ssh":
		a, err := KeyAuth(cfg.SSH.KeyFile)
		if err != nil {
			return nil, err
		}
		p, err := NewSSHProvisioner(cfg.SSH, a)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provisioner kind %q", cfg.Kind)
	}
}
