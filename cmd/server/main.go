package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"factoryos-sync/internal/config"
	"factoryos-sync/internal/handler"
	"factoryos-sync/internal/repository"
	"factoryos-sync/internal/service"
	"factoryos-sync/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	stores, closeStores, err := openStores(context.Background(), cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStores()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerTenant,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)
	go wsManager.Run(ctx)

	clock := service.NewMonotonicClock()
	syncService := service.NewSyncService(stores, wsManager, clock, service.SyncOptions{
		DefaultStrategy:  cfg.Sync.DefaultStrategy,
		VersionPolicy:    cfg.Sync.VersionPolicy,
		PullDefaultLimit: cfg.Sync.PullDefaultLimit,
		PullMaxLimit:     cfg.Sync.PullMaxLimit,
		CASRetries:       cfg.Sync.CASRetries,
	})
	conflictService := service.NewConflictService(stores, wsManager, clock, cfg.Sync.CASRetries)

	wsMessageHandler := handler.NewWebSocketMessageHandler(syncService)
	wsManager.SetMessageHandler(wsMessageHandler)
	wsManager.SetPresenceHandler(wsMessageHandler)

	r := handler.NewRouter(cfg,
		handler.NewSyncHandler(syncService, conflictService),
		handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret),
	)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting sync server on %s (env: %s, storage: %s, strategy: %s, version policy: %s)",
			addr, cfg.Server.Env, cfg.Database.Driver, cfg.Sync.DefaultStrategy, cfg.Sync.VersionPolicy)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		return
	}

	log.Println("Server stopped gracefully")
}

func openStores(ctx context.Context, dbCfg config.DatabaseConfig) (*repository.OutboxStores, func(), error) {
	switch dbCfg.Driver {
	case config.DriverCouchDB:
		return openCouch(ctx, dbCfg)
	default:
		db, err := repository.OpenSQLite(dbCfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using SQLite outbox at %s", dbCfg.SQLitePath)
		return repository.NewSQLiteStores(db), func() { db.Close() }, nil
	}
}

func openCouch(ctx context.Context, dbCfg config.DatabaseConfig) (*repository.OutboxStores, func(), error) {
	client, err := kivik.New("couch", dbCfg.CouchURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbCfg.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, dbCfg.Name); err != nil {
			return nil, nil, fmt.Errorf("failed to create database: %w", err)
		}
		log.Printf("Created database: %s", dbCfg.Name)
	}

	if err := repository.EnsureCouchIndexes(ctx, client, dbCfg.Name); err != nil {
		return nil, nil, err
	}

	log.Printf("Connected to CouchDB at %s:%s/%s", dbCfg.Host, dbCfg.Port, dbCfg.Name)
	return repository.NewCouchStores(client, dbCfg.Name), func() { client.Close() }, nil
}
