package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"keel/internal/config"
	"keel/internal/logging"
	"keel/internal/worker"
	"keel/internal/worker/executor"
	"keel/pkg/store"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to the YAML config file")
		hostname   = pflag.String("hostname", "", "hostname reported to the master, defaults to the system hostname")
		etcd       = pflag.StringSlice("etcd", nil, "etcd endpoints")
		logDev     = pflag.Bool("log-dev", false, "human readable development logging")
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
	if *hostname != "" {
		cfg.Agent.Hostname = *hostname
	}
	if len(*etcd) > 0 {
		cfg.Etcd.Endpoints = *etcd
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接 Etcd
	bus, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Prefix(), log)
	if err != nil {
		log.Fatal("connect etcd failed", zap.Error(err))
	}

	// 2. Docker 执行器
	exec, err := executor.NewDockerExecutor(log.Named("executor"))
	if err != nil {
		log.Fatal("init docker executor failed", zap.Error(err))
	}
	defer func() {
		if err := multierr.Combine(exec.Close(), bus.Close()); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()

	// 3. Agent
	prober := worker.NewProber(cfg.Agent.MountsFile, cfg.Agent.ClientMountPoint, log.Named("prober"))
	agent, err := worker.NewAgent(cfg.Agent, bus, exec, prober, log.Named("agent"))
	if err != nil {
		log.Fatal("init agent failed", zap.Error(err))
	}

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent stopped", zap.Error(err))
		return
	}
	log.Info("shutting down worker")
}
