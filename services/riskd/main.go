// Command riskd runs the risk-pricing and liquidation engine behind an HTTP
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"dualis/config"
	"dualis/lending"
	"dualis/observability/logging"
	"dualis/oracle"
	"dualis/services/riskd/server"
	"dualis/storage/eventstore"
)

func main() {
	configPath := flag.String("config", "riskd.toml", "path to the risk configuration file")
	flag.Parse()

	file, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("riskd", "").Error("configuration load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	var logSink io.Writer = os.Stdout
	if file.Service.LogFile != "" {
		logSink = &lumberjack.Logger{
			Filename:   file.Service.LogFile,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     28,
			Compress:   true,
		}
	}
	logger := logging.SetupWithWriter(logSink, "riskd", file.Service.Environment)

	snapshot, err := file.Snapshot()
	if err != nil {
		logger.Error("configuration snapshot failed", "error", err)
		os.Exit(1)
	}
	store := config.NewStore(snapshot)

	gate := oracle.NewGate()
	for _, asset := range snapshot.OracleAssets() {
		params, _ := snapshot.OracleParams(asset)
		gate.Track(asset, params)
	}

	credit := lending.NewCreditRegistry(store)
	engine := lending.NewEngine(store, credit, lending.GateSource{Gate: gate})
	engine.SetLogger(logger)
	engine.SetCooldownWindow(time.Duration(file.Service.CooldownSeconds) * time.Second)

	if dsn := file.Service.EventStoreDSN; dsn != "" {
		events, err := eventstore.Open(dsn)
		if err != nil {
			logger.Error("event store unavailable", "error", err)
			os.Exit(1)
		}
		engine.SetEventSink(events)
	}

	now := time.Now().UTC()
	for _, pool := range snapshot.Pools() {
		if err := engine.RegisterPool(pool, now); err != nil {
			logger.Error("pool registration failed", "pool", pool, "error", err)
			os.Exit(1)
		}
	}

	handler := server.New(server.Config{
		Engine:    engine,
		Gate:      gate,
		Credit:    credit,
		Logger:    logger,
		RateLimit: file.Service.RateLimitPerSecond,
		Burst:     file.Service.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              file.Service.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := file.Service.EvaluationIntervalSecs; interval > 0 {
		go accrualLoop(ctx, engine, snapshot.Pools(), time.Duration(interval)*time.Second, logger)
	}

	go func() {
		logger.Info("riskd listening", "address", file.Service.ListenAddress, "config_version", snapshot.Version())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(file.Service.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("riskd stopped")
}

// accrualLoop keeps pool indices fresh even when no traffic arrives, so
// health factors and liquidation passes always see recent state.
func accrualLoop(ctx context.Context, engine *lending.Engine, pools []string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			for _, pool := range pools {
				if _, _, err := engine.AccruePool(pool, tick.UTC()); err != nil {
					logger.Warn("background accrual failed", "pool", pool, "error", err)
				}
			}
		}
	}
}
