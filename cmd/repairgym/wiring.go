package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/archive"
	"github.com/terminal-bench/repairgym/internal/catalog"
	"github.com/terminal-bench/repairgym/internal/config"
	"github.com/terminal-bench/repairgym/internal/episode"
	"github.com/terminal-bench/repairgym/internal/events"
	"github.com/terminal-bench/repairgym/internal/history"
	"github.com/terminal-bench/repairgym/internal/lock"
	"github.com/terminal-bench/repairgym/internal/logging"
	"github.com/terminal-bench/repairgym/internal/sandbox"
	"github.com/terminal-bench/repairgym/internal/testrun"
)

// loadConfig reads the environment, letting the persistent flags win.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(func(key string) (string, bool) {
		switch {
		case key == "CONFIG_FILE" && configFile != "":
			return configFile, true
		case key == "LOG_LEVEL" && logLevel != "":
			return logLevel, true
		}
		return os.LookupEnv(key)
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogFile)
}

// environmentConfig maps harness settings onto the episode controller.
func environmentConfig(cfg *config.Config) episode.Config {
	suiteFlag := cfg.SuiteFlag
	procEnv := cfg.TestEnvironment()
	return episode.Config{
		WorkDir:      cfg.WorkDir,
		MaxSteps:     cfg.MaxSteps,
		BuildCommand: cfg.BuildCommand,
		BuildTimeout: cfg.BuildTimeout,
		ComposeFile:  cfg.ComposeFile,
		Sandbox: sandbox.Options{
			AllowedCommands: cfg.AllowedCommands,
			RunTimeout:      cfg.RunTimeout,
			Env:             procEnv,
		},
		Tests: testrun.Options{
			FullCommand:     cfg.FullTestCommand,
			TargetedCommand: cfg.TargetedTestCommand,
			SuiteFlag:       &suiteFlag,
			Dialect:         testrun.Dialect(cfg.TestFormat),
			Env:             procEnv,
			Timeout:         cfg.TestTimeout,
		},
	}
}

// services holds every optional collaborator switched on by configuration.
type services struct {
	history   *history.Store
	hub       *events.Hub
	publisher events.Multi
	archive   *archive.Store
	lock      *lock.Etcd
	closers   []io.Closer
}

// connectServices opens each configured backend. Anything opened before a
// failure is closed again.
func connectServices(ctx context.Context, cfg *config.Config, withHub bool, log *zap.Logger) (svc *services, err error) {
	svc = &services{}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	switch {
	case cfg.DatabaseURL != "":
		if svc.history, err = history.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
			return svc, err
		}
	case cfg.SQLitePath != "":
		if svc.history, err = history.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return svc, err
		}
	}
	if svc.history != nil {
		svc.closers = append(svc.closers, svc.history)
		if err = svc.history.Migrate(ctx); err != nil {
			return svc, err
		}
	}

	if cfg.RedisURL != "" {
		p, err := events.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			return svc, err
		}
		svc.addPublisher(p)
	}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(events.DefaultNATSConfig(cfg.NATSURL), log.Named("nats"))
		if err != nil {
			return svc, err
		}
		svc.addPublisher(p)
	}
	if cfg.InfluxURL != "" {
		svc.addPublisher(events.NewInfluxPublisher(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket))
	}
	if withHub {
		svc.hub = events.NewHub(log.Named("stream"))
		svc.addPublisher(svc.hub)
	}

	if cfg.MinioEndpoint != "" {
		if svc.archive, err = archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		}); err != nil {
			return svc, err
		}
		if err = svc.archive.EnsureBucket(ctx); err != nil {
			return svc, err
		}
	}

	if len(cfg.EtcdEndpoints) > 0 {
		if svc.lock, err = lock.NewEtcd(cfg.EtcdEndpoints, cfg.WorkDir, log.Named("lock")); err != nil {
			return svc, err
		}
		svc.closers = append(svc.closers, svc.lock)
	}
	return svc, nil
}

// addPublisher registers an open sink for fan-out and for shutdown.
func (s *services) addPublisher(p events.Publisher) {
	s.publisher = append(s.publisher, p)
	s.closers = append(s.closers, p)
}

// options converts the connected services into environment options.
func (s *services) options() []episode.Option {
	var opts []episode.Option
	if s.history != nil {
		opts = append(opts, episode.WithRecorder(s.history))
	}
	if len(s.publisher) > 0 {
		opts = append(opts, episode.WithPublisher(s.publisher))
	}
	if s.archive != nil {
		opts = append(opts, episode.WithArchiver(s.archive))
	}
	if s.lock != nil {
		opts = append(opts, episode.WithLocker(s.lock))
	} else {
		opts = append(opts, episode.WithLocker(lock.Noop{}))
	}
	return opts
}

// Close releases services in reverse order of opening.
func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// newEnvironment builds the controller with every configured service.
func newEnvironment(ctx context.Context, cfg *config.Config, withHub bool, log *zap.Logger) (*episode.Environment, *services, error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc, err := connectServices(ctx, cfg, withHub, log)
	if err != nil {
		return nil, nil, err
	}
	env, err := episode.New(environmentConfig(cfg), cat, sandbox.NewExecRunner(log.Named("proc")), log, svc.options()...)
	if err != nil {
		svc.Close()
		return nil, nil, err
	}
	return env, svc, nil
}
