package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/cache"
	"cloudcache/internal/config"
	"cloudcache/internal/connectivity"
	"cloudcache/internal/logging"
	"cloudcache/internal/manager"
	"cloudcache/internal/storage"
)

// app holds everything a command needs. Built once per invocation by the
// root command's PersistentPreRunE and closed in PersistentPostRunE.
type app struct {
	settings *config.Settings
	cache    *cache.Store
	sw       *connectivity.Switch
	monitor  *connectivity.Monitor // nil when forced offline
	mgr      *manager.Manager
	logFile  io.Closer
}

var current *app

type appOptions struct {
	offline  bool
	provider string
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	if err := config.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	logFile, err := logging.Setup(settings.LogLevel, config.LogPath())
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, logFile: logFile}

	backend, err := storage.Open(ctx, settings.StorageOptions())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache, err = cache.New(backend, settings.CacheConfig())
	if err != nil {
		backend.Close()
		a.Close()
		return nil, err
	}

	offline := opts.offline || settings.Offline
	a.sw = connectivity.NewSwitch(!offline)
	a.mgr, err = manager.New(manager.Options{
		Cache:         a.cache,
		Connectivity:  a.sw,
		ReplayBackoff: settings.Sync.ReplayBackoff,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	for _, ps := range settings.Providers {
		p, err := ps.Open(ctx)
		if err != nil {
			// One broken remote should not take the others down.
			log.WithError(err).WithField("provider", ps.Name).Warn("cli: provider unavailable")
			continue
		}
		if err := a.mgr.Connect(ps.Name, p); err != nil {
			a.Close()
			return nil, err
		}
	}

	active := settings.ActiveProvider
	if opts.provider != "" {
		active = opts.provider
	}
	if active != "" {
		if err := a.mgr.Switch(active); err != nil {
			if opts.provider != "" {
				a.Close()
				return nil, fmt.Errorf("provider %q: %w", active, err)
			}
			log.WithError(err).Warn("cli: configured active provider is not connected")
		}
	}

	if !offline {
		a.monitor = connectivity.NewMonitor(a.sw, a.mgr.Ping, settings.Sync.OnlineCheckInterval, 0)
		a.monitor.Check(ctx)
	}
	return a, nil
}

// Close releases the store and the log file.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
