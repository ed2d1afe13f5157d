package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/api"
	"github.com/cboydstun/bounce-v3-sub002/internal/config"
	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
	"github.com/cboydstun/bounce-v3-sub002/internal/network"
	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
	"github.com/cboydstun/bounce-v3-sub002/internal/store"
	syncengine "github.com/cboydstun/bounce-v3-sub002/internal/sync"
	"github.com/cboydstun/bounce-v3-sub002/internal/transport"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting contractor sync agent")

	// Durable queue store
	queueStore, err := store.NewSQLiteStore(cfg.Storage.FilePath)
	if err != nil {
		logger.Log.Fatal("Failed to open queue store", zap.Error(err))
	}
	defer queueStore.Close()

	// Network observer
	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL + "/health"
	}
	observer := network.NewObserver(probeURL, cfg.Network.GetProbeInterval(), cfg.Network.GetDegradedThreshold())

	// Action queue restored from storage
	actionQueue := queue.NewActionQueue(queueStore, observer)

	// Transport to the remote API
	remote := transport.NewHTTPTransport(cfg.Remote.BaseURL, cfg.Remote.AuthToken, cfg.Remote.GetTimeout())

	// Sync engine
	engine := syncengine.NewEngine(actionQueue, remote, observer, syncengine.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Mode:       syncengine.ResolutionMode(cfg.Sync.ResolutionMode),
	})
	engine.Bind()

	observer.Start()
	defer observer.Stop()

	// Periodic drains pick up requeued retries
	scheduler := syncengine.NewScheduler(cfg.Scheduler, engine)
	scheduler.Start()
	defer scheduler.Stop()

	// Control-plane API
	handler := api.NewHandler(actionQueue, engine, observer)
	router := handler.Routes()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down agent...")
	server.Close()
}
