package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/myuser/sqldb/internal/config"
	"github.com/myuser/sqldb/internal/logutil"
	"github.com/myuser/sqldb/internal/storage"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	addr       = flag.String("addr", "", "listen address")
	dataPath   = flag.String("data", "", "log file path")
	engineName = flag.String("engine", "", "storage engine: log or memory")
	logLevel   = flag.String("log-level", "", "log level")
)

func loadConfig() (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = config.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if *addr != "" {
		conf.Addr = *addr
	}
	if *dataPath != "" {
		conf.DataPath = *dataPath
	}
	if *engineName != "" {
		conf.Engine = *engineName
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	return conf, conf.Validate()
}

func openEngine(conf *config.Config) (storage.Engine, error) {
	if conf.Engine == "memory" {
		return storage.NewMemoryEngine(), nil
	}
	if conf.CompactOnOpen {
		return storage.NewLogEngineCompact(conf.DataPath)
	}
	return storage.NewLogEngine(conf.DataPath)
}

func main() {
	flag.Parse()
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logutil.InitLogger(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.L().Info("starting", zap.Any("config", conf))

	engine, err := openEngine(conf)
	if err != nil {
		zap.L().Fatal("open engine", zap.String("path", conf.DataPath), zap.Error(err))
	}
	mvcc := storage.NewMvcc(engine)
	if conf.RecoverOnStart {
		if _, err := mvcc.RecoverAbandoned(); err != nil {
			zap.L().Fatal("recover abandoned transactions", zap.Error(err))
		}
	}

	s := newServer(conf, mvcc)
	srv := &http.Server{Addr: conf.Addr, Handler: s.routes()}

	stop := make(chan struct{})
	s.startBackground(stop)

	go func() {
		zap.L().Info("listening", zap.String("addr", conf.Addr), zap.String("engine", conf.Engine))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			zap.L().Fatal("http listen failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("http shutdown", zap.Error(err))
	}
	if err := mvcc.Close(); err != nil {
		zap.L().Error("close engine", zap.Error(err))
	}
	zap.L().Info("stopped")
}
