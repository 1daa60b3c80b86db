package manager

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/glog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ianwong123/spot-manager/spot-manager/internal/demand"
	"github.com/ianwong123/spot-manager/spot-manager/internal/queue"
)

// DemandSource decides how much utility the fleet should have
type DemandSource interface {
	RequiredUtility(ctx context.Context, current float64) (float64, error)
}

// StaticDemand always asks for the same utility
type StaticDemand struct {
	Utility float64
}

func (s StaticDemand) RequiredUtility(ctx context.Context, current float64) (float64, error) {
	return s.Utility, nil
}

// Bounded clamps another source to [Min, Max]. A zero Max means no upper bound.
type Bounded struct {
	Source DemandSource
	Min    float64
	Max    float64
}

func (b Bounded) RequiredUtility(ctx context.Context, current float64) (float64, error) {
	u, err := b.Source.RequiredUtility(ctx, current)
	if err != nil {
		return 0, err
	}
	u = math.Max(u, b.Min)
	if b.Max > 0 {
		u = math.Min(u, b.Max)
	}
	return u, nil
}

// RedisDemand reads the latest reported demand and adds utility for every
// job waiting in a queue
type RedisDemand struct {
	Fleet         string
	Latest        demand.AggregatorInterface
	Queue         queue.DepthReader
	QueueName     string
	UtilityPerJob float64
}

func (r *RedisDemand) RequiredUtility(ctx context.Context, current float64) (float64, error) {
	required := current
	latest, err := r.Latest.LatestDemand(ctx, r.Fleet)
	switch {
	case errors.Is(err, demand.ErrNoDemand):
		glog.Warningf("no demand reported for %s, holding at %g utility", r.Fleet, current)
	case err != nil:
		return 0, err
	default:
		required = latest.RequiredUtility
	}

	if r.Queue == nil || r.QueueName == "" || r.UtilityPerJob <= 0 {
		return required, nil
	}
	depth, err := r.Queue.Depth(ctx, r.QueueName)
	if err != nil {
		return 0, err
	}
	if depth > 0 {
		glog.Infof("%d jobs waiting in %s", depth, r.QueueName)
	}
	return required + float64(depth)*r.UtilityPerJob, nil
}

// KubeDemand asks for one unit of utility per CPU core requested by the
// selected pods that are not finished, plus headroom
type KubeDemand struct {
	Client    kubernetes.Interface
	Namespace string
	Selector  string
	// Headroom is extra utility as a fraction of the requests
	Headroom float64
}

func (k *KubeDemand) RequiredUtility(ctx context.Context, current float64) (float64, error) {
	pods, err := k.Client.CoreV1().Pods(k.Namespace).List(ctx, metav1.ListOptions{LabelSelector: k.Selector})
	if err != nil {
		return 0, fmt.Errorf("failed to list pods in %s: %w", k.Namespace, err)
	}

	total := resource.NewMilliQuantity(0, resource.DecimalSI)
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		for _, c := range pod.Spec.Containers {
			if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
				total.Add(cpu)
			}
		}
	}
	cores := total.AsApproximateFloat64()
	glog.V(2).Infof("pods matching %q in %s request %g cores", k.Selector, k.Namespace, cores)
	return cores * (1 + k.Headroom), nil
}
