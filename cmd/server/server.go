package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/rediscounter/pkg/cassandra"
	"github.com/samueltorres/rediscounter/pkg/configs"
	"github.com/samueltorres/rediscounter/pkg/redis"
	"github.com/samueltorres/rediscounter/pkg/store"
	"github.com/samueltorres/rediscounter/pkg/transport/grpc"
	"github.com/samueltorres/rediscounter/pkg/transport/http"
)

type signalError struct {
	sig os.Signal
}

func (e signalError) Error() string {
	return fmt.Sprintf("received signal %s", e.sig)
}

func main() {
	config, err := configs.Parse("redis-counter", os.Args[1:])
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger := createLogger(config)

	if config.ConfigFile != "" {
		if _, err := configs.WatchRuntimeConfig(config.ConfigFile, logger); err != nil {
			logger.Fatalf("could not load runtime config: %v", err)
		}
	}

	// metrics
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		version.NewCollector("redis_counter"),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	storeClient, err := createStoreClient(config, logger)
	if err != nil {
		logger.Fatalf("could not create store client: %v", err)
	}
	storeManager := store.NewManager(storeClient, store.LogErrors(logger, config.Datastore), logger, metrics)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	err = runServer(config, storeManager, logger, metrics, signals)
	if _, ok := err.(signalError); ok {
		logger.Info("exit")
		return
	}

	storeManager.Quit()
	logger.Fatalf("exit: %v", err)
}

// runServer serves until one of the actors fails or a signal arrives. On a
// signal the store is quit before the servers drain, a quit failure is only
// logged, and the returned error is a signalError.
func runServer(config configs.Config, storeManager *store.Manager, logger *logrus.Logger, metrics *prometheus.Registry, signals <-chan os.Signal) error {
	var g run.Group
	{
		counterHTTPServer := http.New(
			storeManager,
			logger,
			metrics,
			http.WithListen(config.ListenAddr()),
			http.WithServiceName(config.ServiceName),
			http.WithCounterKey(config.CounterKey))

		g.Add(func() error {
			return counterHTTPServer.Start()
		}, func(err error) {
			counterHTTPServer.Stop(err)
		})
	}
	if config.GrpcAddr != "" {
		healthGrpcServer := grpc.NewServer(
			storeManager,
			logger,
			metrics,
			grpc.WithListen(config.GrpcAddr))

		g.Add(func() error {
			return healthGrpcServer.Start()
		}, func(error) {
			healthGrpcServer.Stop()
		})
	}
	if config.DebugAddr != "" {
		debugServer := http.NewDebugServer(metrics, logger, config.DebugAddr)

		g.Add(func() error {
			return debugServer.Start()
		}, func(err error) {
			debugServer.Stop(err)
		})
	}
	{
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-signals:
				logger.Infof("[shutdown] %s received", sig)
				if err := storeManager.Quit(); err != nil {
					logger.WithError(err).Debug("store quit")
				}
				return signalError{sig}
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

func createLogger(config configs.Config) *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	if config.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.Infof("setting log level to %v", level)
	logger.SetLevel(level)

	return logger
}

func createStoreClient(config configs.Config, logger *logrus.Logger) (store.Client, error) {
	switch config.Datastore {
	case "redis":
		s, err := redis.NewRemoteStorage(config.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "cassandra":
		return cassandra.NewRemoteStorage(logger, config.Cassandra.Keyspace, config.Cassandra.Hosts...), nil
	default:
		return nil, fmt.Errorf("invalid datastore %s", config.Datastore)
	}
}
