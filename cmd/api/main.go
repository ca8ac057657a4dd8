package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/bookhaven/bookhaven/pkg/scheduler"
	"github.com/bookhaven/bookhaven/pkg/server"
	"github.com/bookhaven/bookhaven/pkg/users"
	"github.com/bookhaven/bookhaven/pkg/version"
	"github.com/bookhaven/bookhaven/pkg/worker"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
	"github.com/thejerf/suture/v4"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New()
	ctx := log.WithContext(context.Background())

	log.Info("starting bookhaven", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	for _, dir := range []string{cfg.CoversDirectory, cfg.CacheDirectory} {
		if err := initDir(dir); err != nil {
			log.Err(err).Fatal("data directory error")
		}
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	if !cfg.IsTest() {
		_, _, err := users.NewService(db).EnsureAdmin(ctx, users.EnsureAdminOptions{
			Username: cfg.AdminUsername,
			Email:    cfg.AdminEmail,
			Password: cfg.AdminPassword,
		})
		if err != nil {
			log.Err(err).Fatal("admin bootstrap error")
		}
	}

	cache := bookcache.OpenOrNoop(ctx, cfg, locks.NewStore(db))

	reconciler := library.New(cfg, db, covers.NewStore(cfg), cache)
	wrkr := worker.New(cfg, db, reconciler)
	sched := scheduler.New(cfg, db, wrkr)

	srv, err := server.New(cfg, db, sched, cache)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	var services []suture.Service
	if b, ok := cache.(*bookcache.Badger); ok {
		services = append(services, b.GC())
	}
	if cfg.SchedulerEnabled {
		services = append(services, sched.Periodic())
	}
	if cfg.WatchLibrary {
		services = append(services, sched.Watcher())
	}
	supervisorCtx, stopSupervisor := context.WithCancel(ctx)
	supervisorDone := scheduler.NewSupervisor(log, services...).ServeBackground(supervisorCtx)

	graceful := signals.Setup()

	go func() {
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", srv.Addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}
		log.Info("server started", logger.Data{"addr": listener.Addr().String()})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	wrkr.Start()
	log.Info("worker started")

	if _, err := sched.Trigger(ctx, library.SourceStartup); err != nil {
		log.Err(err).Error("startup scan trigger error")
	}

	<-graceful
	log.Info("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	stopSupervisor()
	if err := <-supervisorDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Err(err).Error("supervisor shutdown error")
	}
	log.Info("background services stopped")

	wrkr.Shutdown()
	log.Info("worker shutdown")

	if b, ok := cache.(*bookcache.Badger); ok {
		if err := b.Close(); err != nil {
			log.Err(err).Error("book cache close error")
		}
	}

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}

// initDir creates dir and verifies it is writable.
func initDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory: %s", dir)
	}

	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return errors.Wrapf(err, "directory is not writable: %s", dir)
	}
	f.Close()

	return errors.Wrapf(os.Remove(f.Name()), "failed to clean up write test file: %s", f.Name())
}
