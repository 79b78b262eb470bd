package router

import (
	"encoding/json"
	"os"

	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/compress"
	"github.com/quarry-labs/quarry/meta"
	"github.com/quarry-labs/quarry/routing"
)

/*
Dev-mode topology. In a real deployment store metadata and replica placement come from the cluster's metadata
service - the dev router instead loads a static snapshot from a JSON file:

	{
	  "stores": [
	    {
	      "name": "user_profiles",
	      "versions": [
	        {
	          "number": 1,
	          "status": "online",
	          "compression": "zstd-dict",
	          "partitions": [
	            [{"host": "localhost", "port": 7001}, {"host": "localhost", "port": 7002}]
	          ]
	        }
	      ]
	    }
	  ]
	}
*/
type topologyFile struct {
	Stores []topologyStore `json:"stores"`
}

type topologyStore struct {
	Name     string            `json:"name"`
	Versions []topologyVersion `json:"versions"`
}

type topologyVersion struct {
	Number      int                  `json:"number"`
	Status      string               `json:"status"`
	Compression string               `json:"compression"`
	Partitions  [][]topologyInstance `json:"partitions"`
}

type topologyInstance struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadTopology builds the dev-mode metadata repository and instance finder from a topology file.
func LoadTopology(path string) (*meta.LocalRepository, *routing.StaticInstanceFinder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var topology topologyFile
	if err := json.Unmarshal(data, &topology); err != nil {
		return nil, nil, common.NewQuarryErrorf(common.InvalidConfiguration, "invalid topology file %s: %v", path, err)
	}
	repo := meta.NewLocalRepository()
	finder := routing.NewStaticInstanceFinder()
	for _, store := range topology.Stores {
		versions := make([]meta.Version, 0, len(store.Versions))
		for _, version := range store.Versions {
			status, ok := meta.VersionStatusFromString(version.Status)
			if !ok {
				return nil, nil, common.NewQuarryErrorf(common.InvalidConfiguration,
					"invalid version status '%s' in topology file %s", version.Status, path)
			}
			strategy := compress.FromString(version.Compression)
			if strategy == compress.StrategyUnknown {
				return nil, nil, common.NewQuarryErrorf(common.InvalidConfiguration,
					"invalid compression strategy '%s' in topology file %s", version.Compression, path)
			}
			v := meta.Version{
				StoreName:           store.Name,
				Number:              version.Number,
				Status:              status,
				CompressionStrategy: strategy,
			}
			versions = append(versions, v)
			partitions := make([][]routing.Instance, len(version.Partitions))
			for p, instances := range version.Partitions {
				partitions[p] = make([]routing.Instance, len(instances))
				for i, instance := range instances {
					partitions[p][i] = routing.Instance{Host: instance.Host, Port: instance.Port}
				}
			}
			finder.SetPartitions(v.TopicName(), partitions)
		}
		repo.CreateStore(&meta.Store{Name: store.Name, Versions: versions})
	}
	return repo, finder, nil
}
