package compress

import (
	"sync"

	log "github.com/quarry-labs/quarry/logger"
)

// Registry holds the per-version compressors of the versions a router currently serves. The dictionary
// retrieval service installs an entry when a version's dictionary has been downloaded and removes it when the
// version is retired. The read path looks compressors up by topic to decompress storage node responses.
//
// All methods are safe for concurrent use.
type Registry struct {
	lock        sync.RWMutex
	compressors map[string]Compressor
}

func NewRegistry() *Registry {
	return &Registry{
		compressors: make(map[string]Compressor),
	}
}

// CreateVersionSpecificCompressorIfAbsent installs a compressor for topic built with the given strategy and
// dictionary. Installing the same topic again is a no-op, so delivery of duplicate change events is harmless.
func (r *Registry) CreateVersionSpecificCompressorIfAbsent(strategy Strategy, topic string, dict []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.compressors[topic]; ok {
		return nil
	}
	var compressor Compressor
	var err error
	if strategy.RequiresDictionary() {
		compressor, err = newZstdDictCompressor(dict)
	} else {
		compressor, err = GetCompressor(strategy)
	}
	if err != nil {
		return err
	}
	r.compressors[topic] = compressor
	log.Debugf("installed %s compressor for topic %s", strategy, topic)
	return nil
}

func (r *Registry) HasVersionSpecificCompressor(topic string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.compressors[topic]
	return ok
}

func (r *Registry) GetVersionSpecificCompressor(topic string) (Compressor, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	compressor, ok := r.compressors[topic]
	return compressor, ok
}

func (r *Registry) RemoveVersionSpecificCompressor(topic string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.compressors, topic)
}
