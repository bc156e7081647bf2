package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meidoworks/nekodispatch/config"
	"github.com/meidoworks/nekodispatch/service/callback"
	"github.com/meidoworks/nekodispatch/service/deadletter"
	"github.com/meidoworks/nekodispatch/service/dispatchext"
	"github.com/meidoworks/nekodispatch/service/dispatchimpl"
	"github.com/meidoworks/nekodispatch/service/httpapi"
	"github.com/meidoworks/nekodispatch/shared/logging"

	"github.com/dgraph-io/badger/v3"
	"github.com/spf13/afero"
)

var (
	configFile           string
	generateSampleConfig bool
)

func init() {
	flag.StringVar(&configFile, "c", "nekodispatch.toml", "-c=nekodispatch.toml")
	flag.BoolVar(&generateSampleConfig, "gencfg", false, "-gencfg")

	flag.Parse()
}

func main() {
	fs := afero.NewOsFs()
	if generateSampleConfig {
		f, err := fs.Create("nekodispatch.toml.example")
		if err != nil {
			panic(err)
		}
		if err := config.WriteDefault(f); err != nil {
			panic(err)
		}
		_ = f.Close()
		os.Exit(1)
	}

	cfg, err := config.LoadFile(fs, configFile)
	if err != nil {
		panic(err)
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		panic(err)
	}

	svc, err := startService(cfg)
	if err != nil {
		panic(err)
	}

	waiting()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.shutdown(ctx)
}

type services struct {
	db     *badger.DB
	engine *dispatchimpl.Engine
	http   *httpapi.HttpService
}

func startService(cfg *config.DispatchConfig) (*services, error) {
	svc := new(services)
	if cfg.UseBadger() {
		db, err := dispatchext.OpenBadger(cfg.Storage.Badger.Dir, cfg.Storage.Badger.InMemory)
		if err != nil {
			return nil, err
		}
		if err := dispatchext.RegisterBadger(db); err != nil {
			return nil, err
		}
		svc.db = db
	}

	sink, err := deadletter.NewSink(cfg.DeadLetterOption())
	if err != nil {
		return nil, err
	}

	svc.engine = dispatchimpl.NewEngine(cfg.EngineOption(sink))
	if err := svc.engine.Start(); err != nil {
		return nil, err
	}

	svc.http = httpapi.NewHttpService(svc.engine, callback.NewWebsocketHub(svc.engine), cfg.HttpOption())
	if err := svc.http.StartService(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *services) shutdown(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("badger close: %v", err)
		}
	}
}

func waiting() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	sig := <-sigs
	log.Printf("terminating: %v", sig)
}
