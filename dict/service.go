package dict

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/compress"
	"github.com/quarry-labs/quarry/conf"
	log "github.com/quarry-labs/quarry/logger"
	"github.com/quarry-labs/quarry/meta"
	"github.com/quarry-labs/quarry/routing"
	"golang.org/x/sync/semaphore"
)

// CompressorRegistry is the service's write view of the compressor registry. *compress.Registry satisfies
// it; tests substitute recording implementations.
type CompressorRegistry interface {
	HasVersionSpecificCompressor(topic string) bool
	CreateVersionSpecificCompressorIfAbsent(strategy compress.Strategy, topic string, dict []byte) error
	RemoveVersionSpecificCompressor(topic string)
}

/*
RetrievalService keeps the compressor registry's set of per-version dictionaries synchronized with the set of
currently servable versions that use dictionary compression. It runs in a producer-consumer pattern: a single
consumer goroutine waits for topics to be put on a shared candidate queue.

There are 2 producers for the store versions to download dictionaries for:
 1. The store metadata change listener.
 2. Each failed dictionary download is retried until the version is retired.

At router startup the dictionaries are pre-fetched for currently active versions that require one. That
warm-up is fail-fast: if it doesn't complete within the retrieval timeout, Start returns an error and the
embedding process must not serve traffic.

When a dictionary has been downloaded for a version, the version's compressor is built from it and installed
in the compressor registry, where the read path finds it.
*/
type RetrievalService struct {
	cfg         conf.Config
	finder      routing.InstanceFinder
	metaRepo    meta.StoreRepository
	compressors CompressorRegistry
	httpClient  *http.Client
	ssl         bool
	sem         *semaphore.Weighted

	// pick chooses a replica index in [0,n) - replaced in tests for determinism
	pick func(n int) int

	candidates *common.BlockingQueue[string]

	// dlLock guards downloads and retryTimers. downloads holds at most one entry per topic: the entry is
	// created when a download starts and removed on failure (before the retry), on retirement or on stop.
	// An entry whose download has terminated successfully stays registered and marks the dictionary as
	// resident.
	dlLock      sync.Mutex
	downloads   map[string]*download
	retryTimers map[string]*common.TimerHandle

	lifecycleLock      sync.Mutex
	started            bool
	stopped            bool
	listenerRegistered bool
	stopping           atomic.Bool
	consumerDone       chan struct{}
}

const dictionaryDownloadRetryInterval = 100 * time.Millisecond

func NewRetrievalService(cfg conf.Config, finder routing.InstanceFinder, metaRepo meta.StoreRepository,
	compressors CompressorRegistry) (*RetrievalService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConf, err := cfg.ClientTls.ToGoTlsConf()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: tlsConf,
		MaxIdleConns:    100,
		MaxConnsPerHost: 2,
	}
	return &RetrievalService{
		cfg:          cfg,
		finder:       finder,
		metaRepo:     metaRepo,
		compressors:  compressors,
		httpClient:   &http.Client{Transport: transport},
		ssl:          cfg.ClientTls.Enabled,
		sem:          semaphore.NewWeighted(int64(cfg.DictionaryProcessingThreads)),
		pick:         rand.Intn,
		candidates:   common.NewBlockingQueue[string](),
		downloads:    make(map[string]*download),
		retryTimers:  make(map[string]*common.TimerHandle),
		consumerDone: make(chan struct{}),
	}, nil
}

// Start registers the change listener, performs the dictionary warm-up and then starts the consumer. If
// warm-up fails the service is not started and the error is fatal to router startup - call Stop to release
// the resources warm-up may have created.
func (s *RetrievalService) Start() error {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	if s.started || s.stopped {
		return nil
	}
	if !s.listenerRegistered {
		s.metaRepo.RegisterStoreChangeListener(&storeChangeListener{s: s})
		s.listenerRegistered = true
	}
	if err := s.downloadAllDictionaries(); err != nil {
		return common.NewQuarryErrorf(common.WarmupFailed, "dictionary warmup failed! Preventing router start up: %v", err)
	}
	common.Go(s.consumerLoop)
	s.started = true
	return nil
}

// Stop tears the service down: the consumer is interrupted, every registered download is completed
// exceptionally with a "stopped" cause, pending retries are cancelled and the HTTP transport is released.
// Stop is idempotent and does not wait for in-flight transfers.
func (s *RetrievalService) Stop() error {
	s.lifecycleLock.Lock()
	if s.stopped {
		s.lifecycleLock.Unlock()
		return nil
	}
	s.stopped = true
	wasStarted := s.started
	s.started = false
	s.lifecycleLock.Unlock()

	s.stopping.Store(true)
	s.candidates.Close()
	if wasStarted {
		<-s.consumerDone
	}

	s.dlLock.Lock()
	downloads := s.downloads
	timers := s.retryTimers
	s.downloads = make(map[string]*download)
	s.retryTimers = make(map[string]*common.TimerHandle)
	s.dlLock.Unlock()

	for _, timer := range timers {
		timer.Stop()
		timer.WaitComplete()
	}
	for topic, d := range downloads {
		d.fail(common.NewQuarryErrorf(common.ShutdownError, "dictionary download for topic: %s stopped", topic))
		d.cancel()
	}
	s.httpClient.CloseIdleConnections()
	return nil
}

// IsDictionaryDownloaded returns true if the dictionary for the topic is resident, i.e. its compressor is
// installed in the compressor registry.
func (s *RetrievalService) IsDictionaryDownloaded(topic string) bool {
	return s.compressors.HasVersionSpecificCompressor(topic)
}

func (s *RetrievalService) consumerLoop() {
	defer close(s.consumerDone)
	for {
		topic, ok := s.candidates.Take()
		if !ok {
			log.Debug("dictionary retrieval consumer stopped")
			return
		}
		// If the dictionary has already been downloaded, skip it
		if s.compressors.HasVersionSpecificCompressor(topic) {
			continue
		}
		// If the dictionary is already being downloaded, skip it
		if s.isDownloadRegistered(topic) {
			continue
		}
		version, ok := s.resolveVersion(topic)
		if !ok {
			// The version was retired while the topic was queued
			continue
		}
		if !isDictionaryEligible(&version) {
			// A stale re-enqueue - the version no longer needs a dictionary
			continue
		}
		s.ensureFetch(version)
	}
}

// ensureFetch starts a download for the version unless one is already registered, and returns the registered
// download. This is what makes duplicate enqueues and duplicate change events harmless: per topic there is
// never more than one download in flight.
func (s *RetrievalService) ensureFetch(version meta.Version) *download {
	topic := version.TopicName()
	s.dlLock.Lock()
	if d, ok := s.downloads[topic]; ok {
		s.dlLock.Unlock()
		return d
	}
	d := newDownload(topic, version)
	s.downloads[topic] = d
	s.dlLock.Unlock()
	common.Go(func() {
		s.runDownload(d)
	})
	return d
}

func (s *RetrievalService) runDownload(d *download) {
	if err := s.sem.Acquire(d.ctx, 1); err != nil {
		// Cancelled by retirement or stop while queued for a processing slot
		s.onFetchFailure(d, common.NewQuarryErrorf(common.FetchCancelled,
			"dictionary download for topic: %s was cancelled", d.topic))
		return
	}
	defer s.sem.Release(1)
	fetchAttempts.Inc()
	dictBytes, err := s.fetchDictionary(d)
	if err != nil {
		s.onFetchFailure(d, err)
		return
	}
	s.onFetchSuccess(d, dictBytes)
}

// onFetchSuccess installs the downloaded dictionary, unless the version was retired while the download was in
// flight - then the bytes are discarded silently. The handle comparison makes sure a late success from a
// previous registration can never install a dictionary for a retired version.
func (s *RetrievalService) onFetchSuccess(d *download, dictBytes []byte) {
	s.dlLock.Lock()
	version, stillOnline := s.currentVersionIfOnline(d)
	if s.downloads[d.topic] != d || !stillOnline {
		s.dlLock.Unlock()
		log.Debugf("discarding dictionary for topic: %s - version was retired during download", d.topic)
		d.complete()
		return
	}
	err := s.compressors.CreateVersionSpecificCompressorIfAbsent(version.CompressionStrategy, d.topic, dictBytes)
	if err != nil {
		delete(s.downloads, d.topic)
		s.scheduleRetryLocked(d.topic)
		s.dlLock.Unlock()
		log.Warnf("failed to build compressor for topic: %s: %v", d.topic, err)
		d.fail(err)
		return
	}
	s.dlLock.Unlock()
	dictionariesInstalled.Inc()
	log.Infof("dictionary downloaded for topic: %s", d.topic)
	d.complete()
}

// onFetchFailure removes the registration and hands the topic back to the candidate queue after the retry
// interval. The download never retries in place - centralizing retry through the queue keeps attempts for one
// topic strictly serial. If the registration is already gone the version was retired (or the service stopped)
// and no retry is scheduled.
func (s *RetrievalService) onFetchFailure(d *download, err error) {
	if !d.fail(err) {
		// Already completed externally by retirement or stop
		return
	}
	fetchFailures.WithLabelValues(failureKind(err)).Inc()
	log.Warnf("dictionary download for topic: %s failed: %v", d.topic, err)
	s.dlLock.Lock()
	defer s.dlLock.Unlock()
	if s.downloads[d.topic] != d {
		return
	}
	delete(s.downloads, d.topic)
	if s.stopping.Load() || common.IsFetchCancelledError(err) {
		return
	}
	s.scheduleRetryLocked(d.topic)
}

// must be called with dlLock held
func (s *RetrievalService) scheduleRetryLocked(topic string) {
	if s.stopping.Load() {
		return
	}
	if _, ok := s.retryTimers[topic]; ok {
		return
	}
	fetchRetries.Inc()
	s.retryTimers[topic] = common.ScheduleTimer(dictionaryDownloadRetryInterval, false, func() {
		s.dlLock.Lock()
		delete(s.retryTimers, topic)
		s.dlLock.Unlock()
		if !s.stopping.Load() {
			s.candidates.Add(topic)
		}
	})
}

// retireVersion takes a topic out of dictionary serving: the registration is removed, any in-flight download
// is cancelled with a cause that suppresses retry, a pending retry is cancelled, queued copies are dropped
// and the compressor is removed from the registry.
func (s *RetrievalService) retireVersion(topic string, reason string) {
	s.dlLock.Lock()
	d := s.downloads[topic]
	delete(s.downloads, topic)
	timer := s.retryTimers[topic]
	delete(s.retryTimers, topic)
	s.dlLock.Unlock()

	if timer != nil {
		timer.Stop()
		timer.WaitComplete()
	}
	s.candidates.Remove(topic)
	if d != nil {
		d.fail(common.NewQuarryErrorf(common.FetchCancelled,
			"dictionary download for topic: %s cancelled: %s", topic, reason))
		d.cancel()
	}
	s.compressors.RemoveVersionSpecificCompressor(topic)
	versionsRetired.Inc()
	log.Infof("retired topic: %s from dictionary serving: %s", topic, reason)
}

func (s *RetrievalService) isDownloadRegistered(topic string) bool {
	s.dlLock.Lock()
	defer s.dlLock.Unlock()
	_, ok := s.downloads[topic]
	return ok
}

// registeredTopicsForStore returns the registered topics belonging to the store.
func (s *RetrievalService) registeredTopicsForStore(storeName string) []string {
	s.dlLock.Lock()
	defer s.dlLock.Unlock()
	var topics []string
	for topic := range s.downloads {
		name, err := meta.ParseStoreFromTopicName(topic)
		if err != nil {
			continue
		}
		if name == storeName {
			topics = append(topics, topic)
		}
	}
	return topics
}

func (s *RetrievalService) resolveVersion(topic string) (meta.Version, bool) {
	storeName, err := meta.ParseStoreFromTopicName(topic)
	if err != nil {
		log.Warnf("ignoring candidate with invalid topic name: %s", topic)
		return meta.Version{}, false
	}
	number, err := meta.ParseVersionFromTopicName(topic)
	if err != nil {
		log.Warnf("ignoring candidate with invalid topic name: %s", topic)
		return meta.Version{}, false
	}
	store := s.metaRepo.GetStore(storeName)
	if store == nil {
		return meta.Version{}, false
	}
	return store.GetVersion(number)
}

// currentVersionIfOnline re-resolves the download's version from the metadata repository and reports whether
// it is still online.
func (s *RetrievalService) currentVersionIfOnline(d *download) (meta.Version, bool) {
	store := s.metaRepo.GetStore(d.version.StoreName)
	if store == nil {
		return meta.Version{}, false
	}
	version, ok := store.GetVersion(d.version.Number)
	if !ok {
		return meta.Version{}, false
	}
	return version, version.Status == meta.VersionStatusOnline
}

// downloadAllDictionaries is the warm-up: it fetches the dictionaries of every eligible version, in
// parallel, under one shared deadline equal to the retrieval timeout. The deadline is total, not
// per-request.
func (s *RetrievalService) downloadAllDictionaries() error {
	if err := s.metaRepo.Refresh(); err != nil {
		return err
	}
	var versions []meta.Version
	for _, store := range s.metaRepo.GetAllStores() {
		for _, version := range store.Versions {
			if isDictionaryEligible(&version) && !s.isDownloadRegistered(version.TopicName()) {
				versions = append(versions, version)
			}
		}
	}
	return s.downloadDictionaries(versions)
}

func (s *RetrievalService) downloadDictionaries(versions []meta.Version) error {
	if len(versions) == 0 {
		return nil
	}
	topics := make([]string, len(versions))
	for i, version := range versions {
		topics[i] = version.TopicName()
	}
	storeTopics := strings.Join(topics, ",")
	log.Infof("beginning dictionary fetch for %s", storeTopics)

	completionCh := make(chan error, 1)
	cf := common.NewCountDownFuture(len(versions), func(err error) {
		completionCh <- err
	})
	for _, version := range versions {
		d := s.ensureFetch(version)
		common.Go(func() {
			<-d.Done()
			cf.CountDown(d.Err())
		})
	}
	select {
	case err := <-completionCh:
		if err != nil {
			log.Warnf("dictionary fetch failed. Store topics were: %s: %v", storeTopics, err)
			return err
		}
		log.Infof("dictionary fetch completed for %s", storeTopics)
		return nil
	case <-time.After(s.cfg.DictionaryRetrievalTime):
		return common.NewQuarryErrorf(common.FetchTimeout, "dictionary fetch timed out. Store topics were: %s", storeTopics)
	}
}

func isDictionaryEligible(version *meta.Version) bool {
	return version.CompressionStrategy.RequiresDictionary() && version.Status == meta.VersionStatusOnline
}
