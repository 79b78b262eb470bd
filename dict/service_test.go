package dict

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/compress"
	"github.com/quarry-labs/quarry/conf"
	"github.com/quarry-labs/quarry/meta"
	"github.com/quarry-labs/quarry/routing"
	"github.com/stretchr/testify/require"
)

const testRetrievalTime = 2 * time.Second

// recordingRegistry records the install/remove calls made by the service so tests can assert on them.
type recordingRegistry struct {
	lock      sync.Mutex
	installed map[string][]byte
	installs  map[string]int
	removes   map[string]int
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{
		installed: map[string][]byte{},
		installs:  map[string]int{},
		removes:   map[string]int{},
	}
}

func (r *recordingRegistry) HasVersionSpecificCompressor(topic string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.installed[topic]
	return ok
}

func (r *recordingRegistry) CreateVersionSpecificCompressorIfAbsent(_ compress.Strategy, topic string, dict []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.installs[topic]++
	if _, ok := r.installed[topic]; !ok {
		r.installed[topic] = dict
	}
	return nil
}

func (r *recordingRegistry) RemoveVersionSpecificCompressor(topic string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.removes[topic]++
	delete(r.installed, topic)
}

func (r *recordingRegistry) installCount(topic string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.installs[topic]
}

func (r *recordingRegistry) removeCount(topic string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.removes[topic]
}

func (r *recordingRegistry) installedBytes(topic string) []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.installed[topic]
}

// replica is a fake storage node. Its handler is pluggable per path; it tracks request counts and the maximum
// number of concurrent requests per path.
type replica struct {
	t    *testing.T
	lock sync.Mutex

	server      *httptest.Server
	handlers    map[string]http.HandlerFunc
	requests    map[string]int
	inFlight    map[string]int
	maxInFlight map[string]int
}

func newReplica(t *testing.T) *replica {
	r := &replica{
		t:           t,
		handlers:    map[string]http.HandlerFunc{},
		requests:    map[string]int{},
		inFlight:    map[string]int{},
		maxInFlight: map[string]int{},
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.server.Close)
	return r
}

func (r *replica) serve(w http.ResponseWriter, req *http.Request) {
	r.lock.Lock()
	r.requests[req.URL.Path]++
	r.inFlight[req.URL.Path]++
	if r.inFlight[req.URL.Path] > r.maxInFlight[req.URL.Path] {
		r.maxInFlight[req.URL.Path] = r.inFlight[req.URL.Path]
	}
	handler := r.handlers[req.URL.Path]
	r.lock.Unlock()
	defer func() {
		r.lock.Lock()
		r.inFlight[req.URL.Path]--
		r.lock.Unlock()
	}()
	if handler == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handler(w, req)
}

func (r *replica) handle(path string, handler http.HandlerFunc) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[path] = handler
}

func (r *replica) requestCount(path string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.requests[path]
}

func (r *replica) maxConcurrent(path string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.maxInFlight[path]
}

func (r *replica) instance() routing.Instance {
	u, err := url.Parse(r.server.URL)
	require.NoError(r.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(r.t, err)
	return routing.Instance{Host: u.Hostname(), Port: port}
}

func respondWith(status int, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		if body != nil {
			_, _ = w.Write(body)
		}
	}
}

// hangUntilDone blocks until the request is aborted (server close, client cancellation or request timeout).
func hangUntilDone() http.HandlerFunc {
	return func(_ http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}
}

func dictVersion(storeName string, number int, status meta.VersionStatus) meta.Version {
	return meta.Version{
		StoreName:           storeName,
		Number:              number,
		Status:              status,
		CompressionStrategy: compress.StrategyZstdDict,
	}
}

type testFixture struct {
	repo     *meta.LocalRepository
	finder   *routing.StaticInstanceFinder
	registry *recordingRegistry
	service  *RetrievalService
}

func setup(t *testing.T, retrievalTime time.Duration) *testFixture {
	cfg := conf.Config{}
	cfg.ApplyDefaults()
	cfg.DictionaryRetrievalTime = retrievalTime
	repo := meta.NewLocalRepository()
	finder := routing.NewStaticInstanceFinder()
	registry := newRecordingRegistry()
	service, err := NewRetrievalService(cfg, finder, repo, registry)
	require.NoError(t, err)
	// Tests pin replica selection to the first instance of the union
	service.pick = func(int) int {
		return 0
	}
	t.Cleanup(func() {
		err := service.Stop()
		require.NoError(t, err)
	})
	return &testFixture{
		repo:     repo,
		finder:   finder,
		registry: registry,
		service:  service,
	}
}

func (f *testFixture) addTopology(topic string, instances ...routing.Instance) {
	f.finder.SetPartitions(topic, [][]routing.Instance{instances})
}

func TestWarmupHappyPath(t *testing.T) {
	f := setup(t, testRetrievalTime)
	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusOK, []byte{0xAA}))
	node.handle("/dictionary/s/3", respondWith(http.StatusOK, []byte{0xBB}))
	f.addTopology("s_v1", node.instance())
	f.addTopology("s_v3", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
		{StoreName: "s", Number: 2, Status: meta.VersionStatusOnline, CompressionStrategy: compress.StrategyNone},
		dictVersion("s", 3, meta.VersionStatusOnline),
	}})

	err := f.service.Start()
	require.NoError(t, err)

	require.Equal(t, []byte{0xAA}, f.registry.installedBytes("s_v1"))
	require.Equal(t, []byte{0xBB}, f.registry.installedBytes("s_v3"))
	require.True(t, f.service.IsDictionaryDownloaded("s_v1"))
	require.True(t, f.service.IsDictionaryDownloaded("s_v3"))
	// The version with no dictionary compression is never fetched
	require.Equal(t, 0, node.requestCount("/dictionary/s/2"))
}

func TestWarmupFailsOnTimeout(t *testing.T) {
	f := setup(t, 300*time.Millisecond)
	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusOK, []byte{0xAA}))
	node.handle("/dictionary/s/3", hangUntilDone())
	f.addTopology("s_v1", node.instance())
	f.addTopology("s_v3", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
		dictVersion("s", 3, meta.VersionStatusOnline),
	}})

	err := f.service.Start()
	require.Error(t, err)
	require.True(t, common.IsQuarryErrorWithCode(err, common.WarmupFailed))
	require.Equal(t, 0, f.registry.installCount("s_v3"))
}

func TestWarmupFailsOnFetchFailure(t *testing.T) {
	f := setup(t, testRetrievalTime)
	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusInternalServerError, nil))
	f.addTopology("s_v1", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})

	err := f.service.Start()
	require.Error(t, err)
	require.True(t, common.IsQuarryErrorWithCode(err, common.WarmupFailed))
}

func TestWarmupWithNoEligibleVersions(t *testing.T) {
	f := setup(t, testRetrievalTime)
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		{StoreName: "s", Number: 1, Status: meta.VersionStatusOnline, CompressionStrategy: compress.StrategyGzip},
	}})
	require.NoError(t, f.service.Start())
}

func TestRetryThenSuccess(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	var attempts int
	var lock sync.Mutex
	node.handle("/dictionary/s/1", func(w http.ResponseWriter, _ *http.Request) {
		lock.Lock()
		attempts++
		failing := attempts == 1
		lock.Unlock()
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte{0xCC})
	})
	f.addTopology("s_v1", node.instance())
	start := time.Now()
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})

	require.Eventually(t, func() bool {
		return f.registry.HasVersionSpecificCompressor("s_v1")
	}, 5*time.Second, 5*time.Millisecond)

	// The retry was delayed and exactly one install happened, with the bytes of the successful attempt
	require.GreaterOrEqual(t, time.Since(start), dictionaryDownloadRetryInterval)
	require.Equal(t, 2, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 1, f.registry.installCount("s_v1"))
	require.Equal(t, []byte{0xCC}, f.registry.installedBytes("s_v1"))
	require.Equal(t, 1, node.maxConcurrent("/dictionary/s/1"))
}

func TestRetryUntilSuccessAfterManyFailures(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	failures := 5
	var attempts int
	var lock sync.Mutex
	node.handle("/dictionary/s/1", func(w http.ResponseWriter, _ *http.Request) {
		lock.Lock()
		attempts++
		failing := attempts <= failures
		lock.Unlock()
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte{0xDD})
	})
	f.addTopology("s_v1", node.instance())
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})

	require.Eventually(t, func() bool {
		return f.registry.HasVersionSpecificCompressor("s_v1")
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, failures+1, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 1, f.registry.installCount("s_v1"))
	require.Equal(t, 1, node.maxConcurrent("/dictionary/s/1"))
}

func TestRetirementCancelsInFlightFetch(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	node.handle("/dictionary/s/1", func(w http.ResponseWriter, req *http.Request) {
		close(fetchStarted)
		select {
		case <-release:
			_, _ = w.Write([]byte{0xDD})
		case <-req.Context().Done():
		}
	})
	f.addTopology("s_v1", node.instance())
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})
	<-fetchStarted

	// The version goes offline while the fetch is in flight
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusKilled),
	}})
	require.Equal(t, 1, f.registry.removeCount("s_v1"))
	close(release)

	// The response is discarded, nothing is installed and no retry is attempted
	time.Sleep(5 * dictionaryDownloadRetryInterval)
	require.Equal(t, 0, f.registry.installCount("s_v1"))
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))
	require.False(t, f.service.isDownloadRegistered("s_v1"))
}

func TestRetirementCancelsScheduledRetry(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	failed := make(chan struct{})
	node.handle("/dictionary/s/1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	f.addTopology("s_v1", node.instance())
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})
	<-failed

	// Retire the version before the scheduled retry fires
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{}})

	time.Sleep(5 * dictionaryDownloadRetryInterval)
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 0, f.registry.installCount("s_v1"))
}

func TestDuplicateEnqueuesResultInOneFetch(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	node.handle("/dictionary/s/1", func(w http.ResponseWriter, req *http.Request) {
		once.Do(func() { close(fetchStarted) })
		select {
		case <-release:
			_, _ = w.Write([]byte{0xEE})
		case <-req.Context().Done():
		}
	})
	f.addTopology("s_v1", node.instance())
	store := &meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}}
	f.repo.UpdateStore(store)
	<-fetchStarted
	for i := 0; i < 10; i++ {
		f.repo.UpdateStore(store)
	}
	close(release)

	require.Eventually(t, func() bool {
		return f.registry.HasVersionSpecificCompressor("s_v1")
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 1, f.registry.installCount("s_v1"))
}

func TestStoreDeletedRetiresAllVersions(t *testing.T) {
	f := setup(t, testRetrievalTime)
	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusOK, []byte{0x01}))
	node.handle("/dictionary/s/2", respondWith(http.StatusOK, []byte{0x02}))
	f.addTopology("s_v1", node.instance())
	f.addTopology("s_v2", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
		dictVersion("s", 2, meta.VersionStatusOnline),
	}})
	require.NoError(t, f.service.Start())
	require.True(t, f.registry.HasVersionSpecificCompressor("s_v1"))
	require.True(t, f.registry.HasVersionSpecificCompressor("s_v2"))

	f.repo.DeleteStore("s")
	require.False(t, f.registry.HasVersionSpecificCompressor("s_v1"))
	require.False(t, f.registry.HasVersionSpecificCompressor("s_v2"))
	require.False(t, f.service.isDownloadRegistered("s_v1"))
	require.False(t, f.service.isDownloadRegistered("s_v2"))
}

func TestNewEligibleVersionViaStoreCreated(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusOK, []byte{0x07}))
	f.addTopology("s_v1", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
		dictVersion("s", 2, meta.VersionStatusStarted),
	}})

	require.Eventually(t, func() bool {
		return f.registry.HasVersionSpecificCompressor("s_v1")
	}, 5*time.Second, 5*time.Millisecond)
	// The non online version is not fetched
	require.Equal(t, 0, node.requestCount("/dictionary/s/2"))
}

func TestShutdown(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())

	node := newReplica(t)
	var started sync.WaitGroup
	started.Add(2)
	var once1, once2 sync.Once
	node.handle("/dictionary/s/1", func(_ http.ResponseWriter, req *http.Request) {
		once1.Do(started.Done)
		<-req.Context().Done()
	})
	node.handle("/dictionary/s/2", func(_ http.ResponseWriter, req *http.Request) {
		once2.Do(started.Done)
		<-req.Context().Done()
	})
	f.addTopology("s_v1", node.instance())
	f.addTopology("s_v2", node.instance())
	f.repo.UpdateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
		dictVersion("s", 2, meta.VersionStatusOnline),
	}})
	started.Wait()

	var handles []*download
	f.service.dlLock.Lock()
	for _, d := range f.service.downloads {
		handles = append(handles, d)
	}
	f.service.dlLock.Unlock()
	require.Len(t, handles, 2)

	// Topics still queued at shutdown are dropped with the queue
	f.service.candidates.AddAll([]string{"q_v1", "q_v2", "q_v3", "q_v4", "q_v5"})

	err := f.service.Stop()
	require.NoError(t, err)

	for _, d := range handles {
		select {
		case <-d.Done():
		default:
			t.Fatal("expected download to be completed at shutdown")
		}
		require.True(t, common.IsQuarryErrorWithCode(d.Err(), common.ShutdownError))
	}
	require.Equal(t, 0, f.registry.installCount("s_v1"))
	require.Equal(t, 0, f.registry.installCount("s_v2"))

	// No retries after stop
	time.Sleep(5 * dictionaryDownloadRetryInterval)
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 1, node.requestCount("/dictionary/s/2"))

	// Subsequent operations are no-ops
	require.NoError(t, f.service.Stop())
	require.NoError(t, f.service.Start())
}

func TestDequeueSkipsResidentDictionary(t *testing.T) {
	f := setup(t, testRetrievalTime)
	node := newReplica(t)
	node.handle("/dictionary/s/1", respondWith(http.StatusOK, []byte{0x0A}))
	f.addTopology("s_v1", node.instance())
	f.repo.CreateStore(&meta.Store{Name: "s", Versions: []meta.Version{
		dictVersion("s", 1, meta.VersionStatusOnline),
	}})
	require.NoError(t, f.service.Start())
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))

	// A queued duplicate of a resident topic is filtered on dequeue
	f.service.candidates.Add("s_v1")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, node.requestCount("/dictionary/s/1"))
	require.Equal(t, 1, f.registry.installCount("s_v1"))
}

func TestUnresolvableCandidateSkipped(t *testing.T) {
	f := setup(t, testRetrievalTime)
	require.NoError(t, f.service.Start())
	f.service.candidates.Add("ghost_v1")
	f.service.candidates.Add("not-a-topic")
	time.Sleep(100 * time.Millisecond)
	require.False(t, f.service.isDownloadRegistered("ghost_v1"))
}
