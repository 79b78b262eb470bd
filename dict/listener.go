package dict

import (
	"github.com/quarry-labs/quarry/meta"
)

// storeChangeListener is the metadata change listener that acts as the primary producer of download
// candidates. Callbacks may arrive on arbitrary goroutines and interleave with the consumer, the retry timers
// and the fetch completions - all shared state access goes through the service's registry lock and the
// candidate queue.
type storeChangeListener struct {
	s *RetrievalService
}

func (l *storeChangeListener) StoreCreated(store *meta.Store) {
	var topics []string
	for i := range store.Versions {
		if isDictionaryEligible(&store.Versions[i]) {
			topics = append(topics, store.Versions[i].TopicName())
		}
	}
	l.s.candidates.AddAll(topics)
}

func (l *storeChangeListener) StoreChanged(store *meta.Store) {
	// For new versions, download the dictionary
	var topics []string
	for i := range store.Versions {
		version := &store.Versions[i]
		if isDictionaryEligible(version) && !l.s.isDownloadRegistered(version.TopicName()) {
			topics = append(topics, version.TopicName())
		}
	}
	l.s.candidates.AddAll(topics)

	// For versions that went into non online states, delete the dictionary
	for i := range store.Versions {
		version := &store.Versions[i]
		if version.CompressionStrategy.RequiresDictionary() && version.Status != meta.VersionStatusOnline {
			l.s.retireVersion(version.TopicName(), "version status "+version.Status.String())
		}
	}

	// For versions that have been retired, delete the dictionary
	for _, topic := range l.s.registeredTopicsForStore(store.Name) {
		number, err := meta.ParseVersionFromTopicName(topic)
		if err != nil {
			continue
		}
		if _, ok := store.GetVersion(number); !ok {
			l.s.retireVersion(topic, "version retired")
		}
	}
}

func (l *storeChangeListener) StoreDeleted(store *meta.Store) {
	for i := range store.Versions {
		l.s.retireVersion(store.Versions[i].TopicName(), "store deleted")
	}
}
