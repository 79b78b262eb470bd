package router

import (
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quarry-labs/quarry/conf"
	"github.com/quarry-labs/quarry/dict"
	"github.com/quarry-labs/quarry/lifecycle"
	log "github.com/quarry-labs/quarry/logger"
	"github.com/quarry-labs/quarry/meta"
	"github.com/quarry-labs/quarry/metrics"
	"github.com/quarry-labs/quarry/routing"
)

// Server assembles the read-router fragment: lifecycle endpoints, the prometheus exporter and the dictionary
// retrieval service. The lifecycle endpoints only report active once the dictionary warm-up has succeeded, so
// a router that can't decompress every servable version never receives traffic.
type Server struct {
	lock          sync.Mutex
	conf          conf.Config
	lifeCycleMgr  *lifecycle.Endpoints
	metricsServer *metrics.Server
	dictService   *dict.RetrievalService
	services      []service
	started       bool
	stopped       bool
	stopWaitGroup *sync.WaitGroup
}

type service interface {
	Start() error
	Stop() error
}

func NewServer(cfg conf.Config, finder routing.InstanceFinder, metaRepo meta.StoreRepository,
	compressors dict.CompressorRegistry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dictService, err := dict.NewRetrievalService(cfg, finder, metaRepo, compressors)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conf:          cfg,
		lifeCycleMgr:  lifecycle.NewLifecycleEndpoints(cfg),
		metricsServer: metrics.NewServer(cfg),
		dictService:   dictService,
	}
	s.services = []service{
		s.lifeCycleMgr,
		s.metricsServer,
		s.dictService,
	}
	return s, nil
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		panic("server cannot be restarted")
	}
	if s.started {
		return nil
	}
	for _, serv := range s.services {
		log.Debugf("starting service %s", reflect.TypeOf(serv).String())
		start := time.Now()
		if err := serv.Start(); err != nil {
			return errors.WithStack(err)
		}
		log.Debugf("service %s starting took %d ms", reflect.TypeOf(serv).String(),
			time.Since(start).Milliseconds())
	}
	s.lifeCycleMgr.SetActive(true)
	s.started = true
	log.Infof("quarry router started")
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return nil
	}
	s.lifeCycleMgr.SetActive(false)
	for i := len(s.services) - 1; i >= 0; i-- {
		serv := s.services[i]
		log.Debugf("stopping service %s", reflect.TypeOf(serv).String())
		if err := serv.Stop(); err != nil {
			return errors.WithStack(err)
		}
	}
	s.stopped = true
	if s.stopWaitGroup != nil {
		// This lets main exit
		s.stopWaitGroup.Done()
	}
	log.Infof("quarry router stopped")
	return nil
}

func (s *Server) SetStopWaitGroup(wg *sync.WaitGroup) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stopWaitGroup = wg
}

func (s *Server) DictionaryRetrievalService() *dict.RetrievalService {
	return s.dictService
}
