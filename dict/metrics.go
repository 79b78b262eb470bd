package dict

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/metrics"
)

var (
	fetchAttempts = prometheus.NewCounter(metrics.CounterOpts{
		Name: "quarry_router_dictionary_fetch_attempts_total",
		Help: "Number of dictionary download attempts against storage nodes",
	})
	fetchFailures = prometheus.NewCounterVec(metrics.CounterOpts{
		Name: "quarry_router_dictionary_fetch_failures_total",
		Help: "Number of failed dictionary download attempts by failure kind",
	}, []string{"kind"})
	fetchRetries = prometheus.NewCounter(metrics.CounterOpts{
		Name: "quarry_router_dictionary_fetch_retries_total",
		Help: "Number of dictionary downloads rescheduled after a transient failure",
	})
	dictionariesInstalled = prometheus.NewCounter(metrics.CounterOpts{
		Name: "quarry_router_dictionaries_installed_total",
		Help: "Number of dictionaries downloaded and installed in the compressor registry",
	})
	versionsRetired = prometheus.NewCounter(metrics.CounterOpts{
		Name: "quarry_router_dictionary_versions_retired_total",
		Help: "Number of versions retired from dictionary serving",
	})
)

func init() {
	metrics.Register(fetchAttempts)
	metrics.Register(fetchFailures)
	metrics.Register(fetchRetries)
	metrics.Register(dictionariesInstalled)
	metrics.Register(versionsRetired)
}

func failureKind(err error) string {
	var perr common.QuarryError
	if !common.AsQuarryError(err, &perr) {
		return "other"
	}
	switch perr.Code {
	case common.NoReplicaAvailable:
		return "no_replica"
	case common.FetchHttpError:
		return "http_error"
	case common.FetchBadResponse:
		return "bad_response"
	case common.FetchTimeout:
		return "timeout"
	case common.FetchTransportError:
		return "transport"
	default:
		return "other"
	}
}
