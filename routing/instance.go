package routing

import (
	"fmt"
)

// Instance is one storage node replica serving a partition of a version.
type Instance struct {
	Host string
	Port int
}

// URL returns the base URL used to query the instance, https iff ssl is true.
func (i Instance) URL(ssl bool) string {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Host, i.Port)
}

func (i Instance) String() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// InstanceFinder maps a version topic's partitions to the replicas that are currently ready to serve them.
type InstanceFinder interface {
	GetNumberOfPartitions(topic string) (int, error)
	GetReadyToServeInstances(topic string, partition int) ([]Instance, error)
}
