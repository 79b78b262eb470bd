package routing

import (
	"sync"

	"github.com/pkg/errors"
)

// StaticInstanceFinder is an InstanceFinder backed by a fixed in-memory topology. It's used by the dev-mode
// router and by tests.
type StaticInstanceFinder struct {
	lock   sync.RWMutex
	topics map[string][][]Instance
}

func NewStaticInstanceFinder() *StaticInstanceFinder {
	return &StaticInstanceFinder{
		topics: make(map[string][][]Instance),
	}
}

// SetPartitions sets the per-partition replica lists for a topic, replacing any previous topology.
func (f *StaticInstanceFinder) SetPartitions(topic string, partitions [][]Instance) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.topics[topic] = partitions
}

func (f *StaticInstanceFinder) RemoveTopic(topic string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.topics, topic)
}

func (f *StaticInstanceFinder) GetNumberOfPartitions(topic string) (int, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	partitions, ok := f.topics[topic]
	if !ok {
		return 0, errors.Errorf("unknown topic: %s", topic)
	}
	return len(partitions), nil
}

func (f *StaticInstanceFinder) GetReadyToServeInstances(topic string, partition int) ([]Instance, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	partitions, ok := f.topics[topic]
	if !ok {
		return nil, errors.Errorf("unknown topic: %s", topic)
	}
	if partition < 0 || partition >= len(partitions) {
		return nil, errors.Errorf("unknown partition %d for topic: %s", partition, topic)
	}
	instances := make([]Instance, len(partitions[partition]))
	copy(instances, partitions[partition])
	return instances, nil
}
