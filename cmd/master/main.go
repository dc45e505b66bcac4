package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"keel/internal/config"
	"keel/internal/logging"
	"keel/internal/master/api"
	"keel/internal/master/driver"
	"keel/internal/master/ledger"
	"keel/internal/master/scheduler"
	"keel/internal/master/stateproxy"
	"keel/pkg/store"
)

func main() {
	var (
		configPath   = pflag.String("config", "", "path to the YAML config file")
		deployment   = pflag.String("deployment", "", "deployment name, overrides the config file")
		listen       = pflag.String("listen", "", "control surface listen address")
		etcd         = pflag.StringSlice("etcd", nil, "etcd endpoints")
		stateBackend = pflag.String("state-backend", "", "scheduler state backend: etcd, bolt or memory")
		reset        = pflag.Bool("reset", false, "erase the persisted scheduler state and exit")
		logDev       = pflag.Bool("log-dev", false, "human readable development logging")
	)
	pflag.Parse()

	log, err := logging.New(*logDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	if *deployment != "" {
		cfg.Deployment = *deployment
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if len(*etcd) > 0 {
		cfg.Etcd.Endpoints = *etcd
	}
	if *stateBackend != "" {
		cfg.State.Backend = *stateBackend
	}
	if err := cfg.ValidateMaster(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接 Etcd (资源管理器总线)
	bus, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Prefix(), log)
	if err != nil {
		log.Fatal("connect etcd failed", zap.Error(err))
	}
	log.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints), zap.String("prefix", cfg.Prefix()))

	// 2. 调度器状态
	vars, err := openStateStore(cfg, bus)
	if err != nil {
		log.Fatal("open state store failed", zap.Error(err))
	}
	closeAll := func() {
		err := vars.Close()
		if store.VariableStore(bus) != vars {
			err = multierr.Append(err, bus.Close())
		}
		if err != nil {
			log.Warn("close stores failed", zap.Error(err))
		}
	}
	defer closeAll()

	state, err := stateproxy.New(ctx, vars, cfg.StateKey(), log.Named("stateproxy"))
	if err != nil {
		log.Fatal("load scheduler state failed", zap.Error(err))
	}
	if *reset {
		if err := state.Reset(ctx); err != nil {
			log.Fatal("reset scheduler state failed", zap.Error(err))
		}
		log.Info("scheduler state erased", zap.String("deployment", cfg.Deployment))
		return
	}

	// 3. 调度器 + 驱动
	drv := driver.New(bus, cfg.Scheduler.OfferInterval, log.Named("driver"))
	sched := scheduler.NewScheduler(cfg.Scheduler, ledger.New(cfg.Services), state, drv, log.Named("scheduler"))

	// 4. 控制面
	ln, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", cfg.HTTP.Listen), zap.Error(err))
	}
	srv := api.NewAPIServer(sched, cfg.HTTP.VersionWritesPerMinute, log.Named("api"))
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Error("control surface stopped", zap.Error(err))
			stop()
		}
	}()

	go drv.Run(ctx, sched, state.Identity())

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", zap.Error(err))
	} else if ok {
		log.Debug("notified systemd readiness")
	}
	log.Info("master started",
		zap.String("deployment", cfg.Deployment),
		zap.String("framework_id", state.Identity()),
		zap.String("target_version", state.TargetVersion()))

	<-ctx.Done()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down master")
}

// openStateStore etcd 后端直接复用总线连接
func openStateStore(cfg *config.Config, bus *store.EtcdManager) (store.VariableStore, error) {
	switch cfg.State.Backend {
	case "bolt":
		return store.NewBoltStore(cfg.State.BoltPath)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return bus, nil
	}
}
