package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarry-labs/quarry/metrics"
)

var unhealthyHostsSkipped = prometheus.NewCounter(metrics.CounterOpts{
	Name: "quarry_router_unhealthy_hosts_skipped_total",
	Help: "Number of ready-to-serve hosts skipped on the read path because the health monitor flagged them",
})

func init() {
	metrics.Register(unhealthyHostsSkipped)
}

// HostHealthMonitor flags hosts that should not receive read traffic even though the instance directory
// reports them ready to serve, e.g. because they stopped heartbeating or are mid-deploy.
type HostHealthMonitor interface {
	IsInstanceHealthy(instance Instance) bool
}

// AllHealthyMonitor is the monitor used when no live-instance feed is wired in.
type AllHealthyMonitor struct{}

func (m AllHealthyMonitor) IsInstanceHealthy(Instance) bool {
	return true
}

// HostFinder selects the hosts a read request for one partition can be routed to. Health filtering always
// happens here so an unhealthy host can't keep receiving requests via routing stickiness downstream.
type HostFinder struct {
	finder        InstanceFinder
	healthMonitor HostHealthMonitor
}

func NewHostFinder(finder InstanceFinder, healthMonitor HostHealthMonitor) *HostFinder {
	return &HostFinder{
		finder:        finder,
		healthMonitor: healthMonitor,
	}
}

// FindHosts returns the healthy ready-to-serve replicas for one partition of a resource. An empty result is
// not an error - the caller decides how to handle having nowhere to route.
func (h *HostFinder) FindHosts(resource string, partition int) ([]Instance, error) {
	hosts, err := h.finder.GetReadyToServeInstances(resource, partition)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return hosts, nil
	}
	healthy := make([]Instance, 0, len(hosts))
	for _, instance := range hosts {
		if h.healthMonitor.IsInstanceHealthy(instance) {
			healthy = append(healthy, instance)
		} else {
			unhealthyHostsSkipped.Inc()
		}
	}
	return healthy, nil
}
