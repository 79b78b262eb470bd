package conf

import (
	"time"

	"github.com/quarry-labs/quarry/common"
)

const (
	// DefaultDictionaryRetrievalTime bounds one dictionary fetch against a storage node, and is also the total
	// deadline for the startup warm-up.
	DefaultDictionaryRetrievalTime = 10 * time.Second

	// DefaultDictionaryProcessingThreads bounds how many dictionary downloads are processed concurrently.
	DefaultDictionaryProcessingThreads = 8

	DefaultMetricsBind = "localhost:9102"

	DefaultLifeCycleAddress     = "localhost:8913"
	DefaultStartupEndpointPath  = "/started"
	DefaultReadyEndpointPath    = "/ready"
	DefaultLiveEndpointPath     = "/live"
)

type Config struct {
	DictionaryRetrievalTime     time.Duration `help:"Timeout for one dictionary download from a storage node, also the total warm-up deadline" default:"10s"`
	DictionaryProcessingThreads int           `help:"Maximum number of dictionary downloads processed concurrently" default:"8"`

	ClientTls ClientTlsConf `help:"TLS configuration for connections to storage nodes" embed:"" prefix:"client-tls-"`

	MetricsEnabled bool   `help:"Is the prometheus exporter enabled?" default:"false"`
	MetricsBind    string `help:"Bind address for the prometheus exporter"`

	LifeCycleEndpointEnabled bool   `help:"Are the HTTP lifecycle endpoints enabled?" default:"false"`
	LifeCycleAddress         string `help:"Bind address for the HTTP lifecycle endpoints"`
	StartupEndpointPath      string `help:"Path of the startup probe endpoint"`
	ReadyEndpointPath        string `help:"Path of the readiness probe endpoint"`
	LiveEndpointPath         string `help:"Path of the liveness probe endpoint"`

	TopologyFile string `help:"Path to a dev-mode topology file describing stores and storage node replicas"`
}

func (c *Config) ApplyDefaults() {
	if c.DictionaryRetrievalTime == 0 {
		c.DictionaryRetrievalTime = DefaultDictionaryRetrievalTime
	}
	if c.DictionaryProcessingThreads == 0 {
		c.DictionaryProcessingThreads = DefaultDictionaryProcessingThreads
	}
	if c.MetricsBind == "" {
		c.MetricsBind = DefaultMetricsBind
	}
	if c.LifeCycleAddress == "" {
		c.LifeCycleAddress = DefaultLifeCycleAddress
	}
	if c.StartupEndpointPath == "" {
		c.StartupEndpointPath = DefaultStartupEndpointPath
	}
	if c.ReadyEndpointPath == "" {
		c.ReadyEndpointPath = DefaultReadyEndpointPath
	}
	if c.LiveEndpointPath == "" {
		c.LiveEndpointPath = DefaultLiveEndpointPath
	}
}

func (c *Config) Validate() error {
	if c.DictionaryRetrievalTime <= 0 {
		return common.NewQuarryErrorf(common.InvalidConfiguration, "dictionary-retrieval-time must be > 0")
	}
	if c.DictionaryProcessingThreads <= 0 {
		return common.NewQuarryErrorf(common.InvalidConfiguration, "dictionary-processing-threads must be > 0")
	}
	return nil
}
