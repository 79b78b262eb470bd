package dict

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/quarry-labs/quarry/common"
	log "github.com/quarry-labs/quarry/logger"
	"github.com/quarry-labs/quarry/routing"
)

// fetchDictionary performs one dictionary download for the download's version. The HTTP request (connect and
// transfer) is bounded by the configured retrieval time; replica resolution runs before that deadline starts
// and is not bounded by it. The download's own context aborts the request mid-flight when the version is
// retired.
func (s *RetrievalService) fetchDictionary(d *download) ([]byte, error) {
	instance, ok := s.getOnlineInstance(d.topic)
	if !ok {
		return nil, common.NewQuarryErrorf(common.NoReplicaAvailable, "no online storage instance for topic: %s", d.topic)
	}
	instanceURL := instance.URL(s.ssl)
	log.Infof("downloading dictionary for topic: %s from: %s", d.topic, instanceURL)

	ctx, cancel := context.WithTimeout(d.ctx, s.cfg.DictionaryRetrievalTime)
	defer cancel()
	url := fmt.Sprintf("%s/dictionary/%s/%d", instanceURL, d.version.StoreName, d.version.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, common.NewQuarryErrorf(common.FetchTransportError,
			"failed to create dictionary request for topic: %s from: %s: %v", d.topic, instanceURL, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, s.classifyFetchError(d, ctx, instanceURL, err, common.FetchTransportError)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewQuarryErrorf(common.FetchHttpError,
			"dictionary download for topic: %s from: %s returned status %d", d.topic, instanceURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.classifyFetchError(d, ctx, instanceURL, err, common.FetchBadResponse)
	}
	if len(body) == 0 {
		return nil, common.NewQuarryErrorf(common.FetchBadResponse,
			"dictionary download for topic: %s from: %s returned unexpected response", d.topic, instanceURL)
	}
	return body, nil
}

func (s *RetrievalService) classifyFetchError(d *download, ctx context.Context, instanceURL string, err error,
	kind common.ErrCode) error {
	// The request context has two parents - distinguish retirement/stop from the per-request deadline
	if d.ctx.Err() != nil {
		return common.NewQuarryErrorf(common.FetchCancelled,
			"dictionary download for topic: %s from: %s was cancelled", d.topic, instanceURL)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return common.NewQuarryErrorf(common.FetchTimeout,
			"dictionary download for topic: %s from: %s timed out: %v", d.topic, instanceURL, err)
	}
	if kind == common.FetchBadResponse {
		return common.NewQuarryErrorf(common.FetchBadResponse,
			"dictionary download for topic: %s from: %s returned unreadable response: %v", d.topic, instanceURL, err)
	}
	return common.NewQuarryErrorf(common.FetchTransportError,
		"dictionary download for topic: %s from: %s failed: %v", d.topic, instanceURL, err)
}

// getOnlineInstance enumerates the ready-to-serve replicas of every partition of the topic and picks one
// uniformly at random. An instance directory failure is logged and reported the same way as having no
// replicas - the fetch fails and gets retried like any other transient failure.
func (s *RetrievalService) getOnlineInstance(topic string) (routing.Instance, bool) {
	numPartitions, err := s.finder.GetNumberOfPartitions(topic)
	if err != nil {
		log.Warnf("failed to get partition count for topic: %s: %v", topic, err)
		return routing.Instance{}, false
	}
	var online []routing.Instance
	for p := 0; p < numPartitions; p++ {
		instances, err := s.finder.GetReadyToServeInstances(topic, p)
		if err != nil {
			log.Warnf("failed to get online instances for topic: %s: %v", topic, err)
			return routing.Instance{}, false
		}
		online = append(online, instances...)
	}
	if len(online) == 0 {
		return routing.Instance{}, false
	}
	return online[s.pick(len(online))], true
}
