package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/pkg/errors"
	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/compress"
	"github.com/quarry-labs/quarry/conf"
	log "github.com/quarry-labs/quarry/logger"
	"github.com/quarry-labs/quarry/router"
)

type arguments struct {
	Config kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Router conf.Config     `help:"Router configuration" embed:"" prefix:""`
	Log    log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.QuarryPanicHandler()

	r := &runner{}

	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}

	stopWG := sync.WaitGroup{}
	stopWG.Add(1)

	if err := r.run(&cfg.Router, &stopWG); err != nil {
		// A dictionary warm-up failure lands here - the router must not serve traffic
		logErrorAndExit(err.Error())
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Warnf("signal: %s received. quarry router will be closed", sig.String())
		// hard stop if server Stop() hangs
		tz := time.AfterFunc(5*time.Second, func() {
			log.Warn("server.Stop() did not complete in time. system will exit.")
			os.Exit(1)
		})
		if err := r.server.Stop(); err != nil {
			log.Warnf("failure in stopping quarry router: %v", err)
		}
		tz.Stop()
	}()

	stopWG.Wait()
}

type runner struct {
	server *router.Server
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Router.ApplyDefaults()
	if cfg.Router.TopologyFile == "" {
		return nil, errors.New("a topology file is required to run the dev-mode router")
	}
	return &cfg, nil
}

func (r *runner) run(cfg *conf.Config, stopWg *sync.WaitGroup) error {
	metaRepo, finder, err := router.LoadTopology(cfg.TopologyFile)
	if err != nil {
		return errors.WithStack(err)
	}
	s, err := router.NewServer(*cfg, finder, metaRepo, compress.NewRegistry())
	if err != nil {
		return errors.WithStack(err)
	}
	r.server = s
	s.SetStopWaitGroup(stopWg)
	if err := s.Start(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
